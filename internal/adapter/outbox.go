package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const defaultOutboxSize = 32

type queued struct {
	commandID string
	payload   []byte
}

// Outbox holds encoded commands until the device (or its bridge) polls for them. A device
// that posts or polls within the reachability window is reachable.
type Outbox struct {
	size     int
	presence *presence

	mu     sync.Mutex
	queues map[string][]queued
}

func newOutbox(size int, window time.Duration) *Outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &Outbox{size: size, presence: newPresence(window), queues: make(map[string][]queued)}
}

// WithClock replaces the presence time source; used by tests.
func (o *Outbox) WithClock(clock func() time.Time) {
	o.presence.clock = clock
}

func (o *Outbox) Deliver(ctx context.Context, cmd data.Command, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[cmd.DeviceID]
	if len(q) >= o.size {
		return fmt.Errorf("outbox for %s is full (%d commands)", cmd.DeviceID, len(q))
	}
	o.queues[cmd.DeviceID] = append(q, queued{commandID: cmd.ID, payload: payload})
	return nil
}

// Poll drains the device's pending commands, oldest first.
func (o *Outbox) Poll(deviceID string) [][]byte {
	o.presence.heard(deviceID)
	o.mu.Lock()
	q := o.queues[deviceID]
	delete(o.queues, deviceID)
	o.mu.Unlock()

	out := make([][]byte, 0, len(q))
	for _, item := range q {
		out = append(out, item.payload)
	}
	return out
}

// Pending reports how many commands wait for the device.
func (o *Outbox) Pending(deviceID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[deviceID])
}

// Suppress withdraws a command that has not been polled yet.
func (o *Outbox) Suppress(commandID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for dev, q := range o.queues {
		for i, item := range q {
			if item.commandID == commandID {
				o.queues[dev] = append(q[:i:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (o *Outbox) Reachable(deviceID string) bool {
	return o.presence.recent(deviceID)
}

// Heard marks the device as present on this transport.
func (o *Outbox) Heard(deviceID string) {
	o.presence.heard(deviceID)
}

// JSONOutbox is the HTTP and CoAP adapter: JSON envelopes in, polled JSON commands out.
type JSONOutbox struct {
	*Outbox
	protocol data.Protocol
}

func NewHTTP(cfg config.OutboxConfig) *JSONOutbox {
	return &JSONOutbox{Outbox: newOutbox(cfg.OutboxSize, cfg.ReachableWindow), protocol: data.ProtocolHTTP}
}

func NewCoAP(cfg config.OutboxConfig) *JSONOutbox {
	return &JSONOutbox{Outbox: newOutbox(cfg.OutboxSize, cfg.ReachableWindow), protocol: data.ProtocolCoAP}
}

func (a *JSONOutbox) Protocol() data.Protocol { return a.protocol }

func (a *JSONOutbox) Decode(raw []byte) (data.Inbound, error) {
	in, err := decodeJSON(raw, a.protocol, "")
	if err != nil {
		return data.Inbound{}, err
	}
	a.presence.heard(deviceOf(in))
	return in, nil
}

func (a *JSONOutbox) Encode(cmd data.Command) ([]byte, error) {
	return json.Marshal(envelopeOf(cmd))
}
