package alerting

import (
	"sort"
	"sync"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
)

// Store keeps recent alerts for the fleet and per device, plus the newest alert of each
// kind per device. A newer alert of a kind supersedes the older one.
type Store struct {
	mu        sync.RWMutex
	fleet     *storage.Ring[data.Alert]
	devices   map[string]*storage.Ring[data.Alert]
	active    map[string]map[data.AlertKind]data.Alert
	perDevice int
}

func NewStore(fleetSize, perDevice int) *Store {
	if fleetSize <= 0 {
		fleetSize = 1000
	}
	if perDevice <= 0 {
		perDevice = 100
	}
	return &Store{
		fleet:     storage.NewRing[data.Alert](fleetSize),
		devices:   make(map[string]*storage.Ring[data.Alert]),
		active:    make(map[string]map[data.AlertKind]data.Alert),
		perDevice: perDevice,
	}
}

func (s *Store) Add(alerts ...data.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range alerts {
		s.fleet.Push(a)
		ring, ok := s.devices[a.DeviceID]
		if !ok {
			ring = storage.NewRing[data.Alert](s.perDevice)
			s.devices[a.DeviceID] = ring
		}
		ring.Push(a)

		kinds, ok := s.active[a.DeviceID]
		if !ok {
			kinds = make(map[data.AlertKind]data.Alert)
			s.active[a.DeviceID] = kinds
		}
		if prev, ok := kinds[a.Kind]; !ok || !a.CreatedAt.Before(prev.CreatedAt) {
			kinds[a.Kind] = a
		}
	}
}

// Recent returns up to limit fleet alerts, newest first.
func (s *Store) Recent(limit int) []data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.fleet.Recent(limit))
}

// ForDevice returns up to limit alerts of one device, newest first.
func (s *Store) ForDevice(deviceID string, limit int) []data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.devices[deviceID]
	if !ok {
		return []data.Alert{}
	}
	return newestFirst(ring.Recent(limit))
}

// Latest returns the newest alert of each kind for a device, ordered by kind.
func (s *Store) Latest(deviceID string) []data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.Alert, 0, len(s.active[deviceID]))
	for _, a := range s.active[deviceID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Counts reports fleet alerts currently held, by kind.
func (s *Store) Counts() map[data.AlertKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[data.AlertKind]int)
	for i := 0; i < s.fleet.Len(); i++ {
		out[s.fleet.At(i).Kind]++
	}
	return out
}

func newestFirst(in []data.Alert) []data.Alert {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
	return in
}
