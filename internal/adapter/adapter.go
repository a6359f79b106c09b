package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// Adapter translates between one transport's wire messages and the canonical model.
type Adapter interface {
	Protocol() data.Protocol
	Decode(raw []byte) (data.Inbound, error)
	Encode(cmd data.Command) ([]byte, error)
	// Deliver hands an encoded command to the transport. A returned error is a delivery failure.
	Deliver(ctx context.Context, cmd data.Command, payload []byte) error
	// Reachable reports whether the device can currently be sent to over this transport.
	Reachable(deviceID string) bool
}

// Suppressor is implemented by adapters that can withdraw a delivery not yet transmitted.
type Suppressor interface {
	Suppress(commandID string) bool
}

// Set is the closed set of configured adapters, keyed by protocol.
type Set struct {
	adapters map[data.Protocol]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[data.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Protocol()] = a
	}
	return s
}

func (s *Set) Get(p data.Protocol) (Adapter, bool) {
	a, ok := s.adapters[p]
	return a, ok
}

// Protocols lists the configured transports in their canonical order.
func (s *Set) Protocols() []data.Protocol {
	out := make([]data.Protocol, 0, len(s.adapters))
	for _, p := range data.Protocols {
		if _, ok := s.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// presence remembers when each device was last heard on a transport.
type presence struct {
	mu     sync.RWMutex
	seen   map[string]time.Time
	window time.Duration
	clock  func() time.Time
}

func newPresence(window time.Duration) *presence {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &presence{seen: make(map[string]time.Time), window: window, clock: time.Now}
}

func (p *presence) heard(deviceID string) {
	if deviceID == "" {
		return
	}
	p.mu.Lock()
	p.seen[deviceID] = p.clock()
	p.mu.Unlock()
}

func (p *presence) recent(deviceID string) bool {
	p.mu.RLock()
	last, ok := p.seen[deviceID]
	p.mu.RUnlock()
	return ok && p.clock().Sub(last) <= p.window
}

// commandEnvelope is the JSON form of a command on the device-facing transports.
type commandEnvelope struct {
	CommandID string         `json:"command_id"`
	DeviceID  string         `json:"device_id"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Deadline  *time.Time     `json:"deadline,omitempty"`
}

func envelopeOf(cmd data.Command) commandEnvelope {
	return commandEnvelope{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Kind,
		Payload:   cmd.Payload,
		CreatedAt: cmd.CreatedAt,
		Deadline:  cmd.Deadline,
	}
}

// decodeJSON reads a JSON envelope as an acknowledgement when it names a command, and as
// telemetry otherwise.
func decodeJSON(raw []byte, source data.Protocol, deviceHint string) (data.Inbound, error) {
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(raw, &peek); err != nil {
		return data.Inbound{}, fmt.Errorf("%w: %v", data.ErrMalformedMessage, err)
	}
	if _, ok := peek["command_id"]; ok {
		ack, err := data.ParseAck(raw, deviceHint)
		if err != nil {
			return data.Inbound{}, err
		}
		return data.Inbound{Ack: ack}, nil
	}
	ev, err := data.ParseTelemetry(raw, source, deviceHint)
	if err != nil {
		return data.Inbound{}, err
	}
	return data.Inbound{Telemetry: ev}, nil
}

// deviceOf returns the device an inbound message concerns.
func deviceOf(in data.Inbound) string {
	switch {
	case in.Telemetry != nil:
		return in.Telemetry.DeviceID
	case in.Ack != nil:
		return in.Ack.DeviceID
	}
	return ""
}
