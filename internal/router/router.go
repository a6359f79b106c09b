package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/adapter"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/edge"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/geofence"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/registry"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
)

const defaultQueueSize = 256

var errClosed = errors.New("router closed")

// AckHandler receives decoded command acknowledgements.
type AckHandler interface {
	Acknowledge(ack data.CommandAck)
}

// AlertSink receives the alerts produced while processing an event.
type AlertSink interface {
	Publish(alerts ...data.Alert)
}

// TelemetrySink receives every accepted event that is not redundant.
type TelemetrySink interface {
	WriteTelemetry(ev data.TelemetryEvent)
}

// TelemetrySinkFunc adapts a function to TelemetrySink.
type TelemetrySinkFunc func(ev data.TelemetryEvent)

func (f TelemetrySinkFunc) WriteTelemetry(ev data.TelemetryEvent) { f(ev) }

// Stats are the router's observability counters.
type Stats struct {
	Accepted        uint64 `json:"accepted"`
	Processed       uint64 `json:"processed"`
	Duplicates      uint64 `json:"duplicates"`
	Malformed       uint64 `json:"malformed"`
	Overloaded      uint64 `json:"overloaded"`
	UnknownProtocol uint64 `json:"unknown_protocol"`
	Acks            uint64 `json:"acks"`
	Pipelines       int    `json:"pipelines"`
}

type counters struct {
	accepted, processed, duplicates, malformed, overloaded, unknownProtocol, acks atomic.Uint64
}

// pipeline serializes one device: admission (dedupe, stamping, enqueue) under mu, and
// processing on a single goroutine draining queue.
type pipeline struct {
	mu     sync.Mutex
	dedupe *dedupe
	queue  chan data.TelemetryEvent
	closed bool
}

// Router is the single ingress point. Events of one device are processed strictly in
// router-arrival order; different devices proceed in parallel.
type Router struct {
	cfg      config.RouterConfig
	adapters *adapter.Set
	registry *registry.Registry
	engine   *edge.Engine
	history  *storage.History
	alerts   AlertSink
	acks     AckHandler
	sinks    []TelemetrySink
	clock    func() time.Time
	logger   *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]*pipeline
	closed    bool
	wg        sync.WaitGroup

	lastStamp atomic.Int64
	arrival   atomic.Uint64
	inflight  atomic.Int64
	stats     counters
}

func New(cfg config.RouterConfig, adapters *adapter.Set, reg *registry.Registry, engine *edge.Engine, alerts AlertSink, logger *zap.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Router{
		cfg:       cfg,
		adapters:  adapters,
		registry:  reg,
		engine:    engine,
		history:   storage.NewHistory(cfg.HistorySize),
		alerts:    alerts,
		clock:     time.Now,
		logger:    logger,
		pipelines: make(map[string]*pipeline),
	}
}

// WithClock replaces the arrival time source; used by tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// SetAckHandler wires the command dispatcher. It must be called before ingestion starts.
func (r *Router) SetAckHandler(h AckHandler) {
	r.acks = h
}

// AddSink registers a telemetry sink. It must be called before ingestion starts.
func (r *Router) AddSink(s TelemetrySink) {
	r.sinks = append(r.sinks, s)
}

func (r *Router) Adapters() *adapter.Set { return r.adapters }

// IngestRaw decodes a wire message with the protocol's adapter and dispatches it. Decode
// failures are counted and logged here and never reach a pipeline.
func (r *Router) IngestRaw(protocol data.Protocol, raw []byte) (bool, error) {
	a, ok := r.adapters.Get(protocol)
	if !ok {
		r.stats.unknownProtocol.Add(1)
		return false, fmt.Errorf("%w: %s", data.ErrUnknownProtocol, protocol)
	}
	in, err := a.Decode(raw)
	if err != nil {
		r.stats.malformed.Add(1)
		r.logger.Debug("Dropping undecodable message", zap.String("protocol", string(protocol)), zap.Error(err))
		if !errors.Is(err, data.ErrMalformedMessage) {
			err = fmt.Errorf("%w: %v", data.ErrMalformedMessage, err)
		}
		return false, err
	}
	return r.Dispatch(in)
}

// Dispatch routes an already decoded message: telemetry to its device pipeline,
// acknowledgements to the command dispatcher.
func (r *Router) Dispatch(in data.Inbound) (bool, error) {
	switch {
	case in.Telemetry != nil:
		return r.Ingest(*in.Telemetry)
	case in.Ack != nil:
		r.stats.acks.Add(1)
		if r.acks != nil {
			r.acks.Acknowledge(*in.Ack)
		}
		return true, nil
	}
	r.stats.malformed.Add(1)
	return false, fmt.Errorf("%w: empty message", data.ErrMalformedMessage)
}

// Ingest admits a canonical event. It returns ErrDuplicateEvent for an event already
// reflected in state and ErrTransientOverload when the device's queue is full; in the
// latter case nothing is recorded and the sender may retry.
func (r *Router) Ingest(ev data.TelemetryEvent) (bool, error) {
	if !ev.SourceProtocol.Valid() {
		r.stats.unknownProtocol.Add(1)
		return false, fmt.Errorf("%w: %q", data.ErrUnknownProtocol, ev.SourceProtocol)
	}
	if ev.DeviceID == "" || len(ev.Metrics) == 0 {
		r.stats.malformed.Add(1)
		return false, fmt.Errorf("%w: event needs a device id and metrics", data.ErrMalformedMessage)
	}

	p, err := r.pipeline(ev.DeviceID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", data.ErrTransientOverload, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, fmt.Errorf("%w: %v", data.ErrTransientOverload, errClosed)
	}

	now := r.clock()
	if p.dedupe.seen(&ev, now) {
		r.stats.duplicates.Add(1)
		return false, data.ErrDuplicateEvent
	}

	ev.Metrics = data.CloneMap(ev.Metrics)
	ev.ReceivedAt, ev.Arrival = r.stamp(now)

	r.inflight.Add(1)
	select {
	case p.queue <- ev:
	default:
		r.inflight.Add(-1)
		r.stats.overloaded.Add(1)
		return false, fmt.Errorf("%w: queue of %s is full", data.ErrTransientOverload, ev.DeviceID)
	}
	p.dedupe.record(&ev, now)
	r.stats.accepted.Add(1)
	return true, nil
}

// stamp returns a strictly increasing arrival time and index.
func (r *Router) stamp(now time.Time) (time.Time, uint64) {
	n := now.UnixNano()
	for {
		last := r.lastStamp.Load()
		next := n
		if next <= last {
			next = last + 1
		}
		if r.lastStamp.CompareAndSwap(last, next) {
			return time.Unix(0, next).UTC(), r.arrival.Add(1)
		}
	}
}

func (r *Router) pipeline(deviceID string) (*pipeline, error) {
	r.mu.RLock()
	p, ok := r.pipelines[deviceID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed
	}
	if p, ok = r.pipelines[deviceID]; ok {
		return p, nil
	}
	p = &pipeline{
		dedupe: newDedupe(r.cfg.SeqMemory, r.cfg.DedupeWindow),
		queue:  make(chan data.TelemetryEvent, r.cfg.QueueSize),
	}
	r.pipelines[deviceID] = p
	r.wg.Add(1)
	go r.run(p)
	return p, nil
}

func (r *Router) run(p *pipeline) {
	defer r.wg.Done()
	for ev := range p.queue {
		r.process(ev)
		r.inflight.Add(-1)
	}
}

// process performs every side effect of one accepted event, in order.
func (r *Router) process(ev data.TelemetryEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Pipeline panic recovered", zap.String("device_id", ev.DeviceID), zap.Any("panic", rec))
		}
	}()

	if _, created := r.registry.GetOrCreate(ev.DeviceID); created {
		r.logger.Debug("Device created on first contact", zap.String("device_id", ev.DeviceID),
			zap.String("protocol", string(ev.SourceProtocol)))
	}
	if err := r.registry.Touch(ev.DeviceID, ev.ReceivedAt, ev.SourceProtocol); err != nil {
		r.logger.Error("Registry touch failed", zap.String("device_id", ev.DeviceID), zap.Error(err))
	}

	out := r.engine.Evaluate(&ev)
	alerts := out.Alerts

	if a := r.evaluateGeofence(&ev); a != nil {
		alerts = append(alerts, *a)
	}
	if len(alerts) > 0 && r.alerts != nil {
		r.alerts.Publish(alerts...)
	}

	r.history.Add(ev)
	if !out.Redundant {
		for _, s := range r.sinks {
			s.WriteTelemetry(ev)
		}
	}
	r.stats.processed.Add(1)
}

func (r *Router) evaluateGeofence(ev *data.TelemetryEvent) *data.Alert {
	pos, ok := ev.Position()
	if !ok {
		return nil
	}
	dev, err := r.registry.Get(ev.DeviceID)
	if err != nil || dev.Geofence == nil {
		return nil
	}
	fence := *dev.Geofence
	state, _, tr := geofence.Evaluate(fence, pos)
	if state != fence.BreachState {
		if err := r.registry.SetBreachState(ev.DeviceID, fence.CreatedAt, state); err != nil {
			r.logger.Debug("Breach state not stored", zap.String("device_id", ev.DeviceID), zap.Error(err))
		}
	}
	return geofence.AlertFor(ev.DeviceID, fence, tr, pos, ev.ReceivedAt)
}

// Drain blocks until every admitted event has been processed or ctx is done.
func (r *Router) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for r.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops admission, lets every pipeline finish its queue and waits for them.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pipes := make([]*pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipes = append(pipes, p)
	}
	r.mu.Unlock()

	for _, p := range pipes {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	}
	r.wg.Wait()
	r.logger.Info("Router stopped", zap.Int("pipelines", len(pipes)))
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	n := len(r.pipelines)
	r.mu.RUnlock()
	return Stats{
		Accepted:        r.stats.accepted.Load(),
		Processed:       r.stats.processed.Load(),
		Duplicates:      r.stats.duplicates.Load(),
		Malformed:       r.stats.malformed.Load(),
		Overloaded:      r.stats.overloaded.Load(),
		UnknownProtocol: r.stats.unknownProtocol.Load(),
		Acks:            r.stats.acks.Load(),
		Pipelines:       n,
	}
}

// History returns up to count recent events of a device, oldest first.
func (r *Router) History(deviceID string, count int) []data.TelemetryEvent {
	return r.history.GetRecent(deviceID, count)
}

// Latest returns the newest event of every device.
func (r *Router) Latest() []data.TelemetryEvent {
	return r.history.Latest()
}
