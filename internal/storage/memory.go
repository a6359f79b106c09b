// internal/storage/memory.go
package storage

import (
	"sync"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const defaultHistorySize = 500 // Store last 500 events per device

// Ring is a fixed-capacity buffer that evicts the oldest element on overflow.
// It is not safe for concurrent use; owners serialize access.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, returning the evicted element if the ring was full.
func (r *Ring[T]) Push(v T) (evicted T, didEvict bool) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return evicted, false
	}
	evicted = r.items[r.start]
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
	return evicted, true
}

func (r *Ring[T]) Len() int { return r.size }
func (r *Ring[T]) Cap() int { return len(r.items) }

// At returns the i-th element, oldest first.
func (r *Ring[T]) At(i int) T {
	return r.items[(r.start+i)%len(r.items)]
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice copies the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Recent copies the newest count elements, oldest first.
func (r *Ring[T]) Recent(count int) []T {
	if count <= 0 || count > r.size {
		count = r.size
	}
	out := make([]T, count)
	for i := range out {
		out[i] = r.At(r.size - count + i)
	}
	return out
}

func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start, r.size = 0, 0
}

// History keeps the most recent telemetry of every device.
type History struct {
	mu       sync.RWMutex
	devices  map[string]*Ring[data.TelemetryEvent]
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistorySize
	}
	return &History{
		devices:  make(map[string]*Ring[data.TelemetryEvent]),
		capacity: capacity,
	}
}

func (h *History) Add(ev data.TelemetryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.devices[ev.DeviceID]
	if !ok {
		ring = NewRing[data.TelemetryEvent](h.capacity)
		h.devices[ev.DeviceID] = ring
	}
	ring.Push(ev)
}

func (h *History) GetRecent(deviceID string, count int) []data.TelemetryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	// Return a copy to avoid race conditions if the caller modifies it
	return ring.Recent(count)
}

// Latest returns the newest event of every device.
func (h *History) Latest() []data.TelemetryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]data.TelemetryEvent, 0, len(h.devices))
	for _, ring := range h.devices {
		if ev, ok := ring.Last(); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (h *History) Count(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ring, ok := h.devices[deviceID]; ok {
		return ring.Len()
	}
	return 0
}
