package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const reasonCancelled = "cancelled"

// Router delivers commands to devices.
type Router interface {
	Route(ctx context.Context, cmd data.Command) (data.Protocol, error)
	Cancel(ctx context.Context, cmd data.Command) bool
}

// Store persists every state change of a command.
type Store interface {
	SaveCommand(ctx context.Context, cmd data.Command) error
}

// IssueRequest is a management request to send a command.
type IssueRequest struct {
	DeviceID string         `json:"device_id"`
	Kind     string         `json:"command"`
	Payload  map[string]any `json:"payload"`
	Timeout  time.Duration  `json:"-"`
}

type record struct {
	mu  sync.Mutex
	cmd data.Command
}

// Dispatcher tracks the lifecycle of every command. Transitions are compare-and-set from a
// non-terminal state, so the first terminal transition wins and later ones are no-ops.
type Dispatcher struct {
	cfg    config.CommandConfig
	router Router
	store  Store
	clock  func() time.Time
	logger *zap.Logger
	strict bool

	mu       sync.RWMutex
	commands map[string]*record
	byDevice map[string][]*record
}

func New(cfg config.CommandConfig, router Router, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		router:   router,
		clock:    time.Now,
		logger:   logger,
		commands: make(map[string]*record),
		byDevice: make(map[string][]*record),
	}
}

func (d *Dispatcher) WithStore(s Store) *Dispatcher {
	d.store = s
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithStrict makes contract violations panic instead of being logged.
func (d *Dispatcher) WithStrict(strict bool) *Dispatcher {
	d.strict = strict
	return d
}

// Timeout resolves the timeout of a command: the request's own, then its kind's, then the default.
func (d *Dispatcher) Timeout(kind string, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if t, ok := d.cfg.KindTimeouts[kind]; ok && t > 0 {
		return t
	}
	if d.cfg.DefaultTimeout > 0 {
		return d.cfg.DefaultTimeout
	}
	return 30 * time.Second
}

// Issue creates a command and routes it. When no transport can reach the device the command
// is stored as failed and the error wraps ErrNoRouteAvailable; a command is never left
// pending without a route.
func (d *Dispatcher) Issue(ctx context.Context, req IssueRequest) (data.Command, error) {
	if req.DeviceID == "" || req.Kind == "" {
		return data.Command{}, fmt.Errorf("%w: command needs a device and a kind", data.ErrMalformedMessage)
	}
	now := d.clock()
	rec := &record{cmd: data.Command{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		Kind:      req.Kind,
		Payload:   data.CloneMap(req.Payload),
		State:     data.CommandPending,
		CreatedAt: now,
	}}

	// persisted before it is visible, so no transition can be written ahead of it
	d.persist(rec.cmd)
	d.mu.Lock()
	d.commands[rec.cmd.ID] = rec
	d.byDevice[req.DeviceID] = append(d.byDevice[req.DeviceID], rec)
	d.mu.Unlock()

	timeout := d.Timeout(req.Kind, req.Timeout)
	protocol, err := d.router.Route(ctx, rec.snapshot())
	if err != nil {
		reason := err.Error()
		if errors.Is(err, data.ErrNoRouteAvailable) {
			reason = data.ErrNoRouteAvailable.Error()
		}
		cmd, _ := d.transition(rec, data.CommandFailed, func(c *data.Command, at time.Time) {
			c.Protocol = protocol
			c.FailureReason = reason
		}, data.CommandPending)
		d.logger.Warn("Command failed on issue",
			zap.String("command_id", cmd.ID), zap.String("device_id", cmd.DeviceID), zap.Error(err))
		return cmd, err
	}

	cmd, ok := d.transition(rec, data.CommandSent, func(c *data.Command, at time.Time) {
		c.Protocol = protocol
		c.SentAt = &at
		deadline := at.Add(timeout)
		c.Deadline = &deadline
	}, data.CommandPending)
	if !ok {
		// cancelled or already acknowledged while the transport was accepting it
		d.logger.Debug("Command resolved before it was marked sent", zap.String("command_id", cmd.ID))
	}
	d.logger.Info("Command issued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("command", cmd.Kind),
		zap.String("protocol", string(protocol)),
		zap.Duration("timeout", timeout))
	return cmd, nil
}

// Acknowledge applies a device acknowledgement. Acknowledgements for unknown or already
// resolved commands are logged and ignored.
func (d *Dispatcher) Acknowledge(ack data.CommandAck) {
	rec, ok := d.lookup(ack.CommandID)
	if !ok {
		d.logger.Info("Ignoring acknowledgement for unknown command", zap.String("command_id", ack.CommandID))
		return
	}
	if ack.DeviceID != "" && ack.DeviceID != rec.snapshot().DeviceID {
		d.logger.Warn("Ignoring acknowledgement from another device",
			zap.String("command_id", ack.CommandID), zap.String("device_id", ack.DeviceID))
		return
	}

	to := data.CommandAcknowledged
	if !ack.Succeeded() {
		to = data.CommandFailed
	}
	cmd, ok := d.transition(rec, to, func(c *data.Command, at time.Time) {
		if to == data.CommandFailed {
			c.FailureReason = ack.Detail
			if c.FailureReason == "" {
				c.FailureReason = "device reported " + ack.Result
			}
		}
	}, data.CommandPending, data.CommandSent)
	if !ok {
		d.logger.Info("Ignoring acknowledgement for resolved command",
			zap.String("command_id", ack.CommandID), zap.String("state", string(cmd.State)))
		return
	}
	d.logger.Info("Command resolved by device",
		zap.String("command_id", cmd.ID), zap.String("state", string(cmd.State)))
}

// Cancel withdraws a command. A pending command fails as cancelled; a sent one is cancelled
// only if its transport can still suppress it, otherwise it runs to its natural end and
// false is returned.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (data.Command, bool, error) {
	rec, ok := d.lookup(id)
	if !ok {
		return data.Command{}, false, fmt.Errorf("command %s: %w", id, data.ErrNotFound)
	}
	mark := func(c *data.Command, at time.Time) { c.FailureReason = reasonCancelled }

	if cmd, ok := d.transition(rec, data.CommandFailed, mark, data.CommandPending); ok {
		return cmd, true, nil
	}
	cur := rec.snapshot()
	if cur.State.Terminal() {
		return cur, false, fmt.Errorf("command %s is %s: %w", id, cur.State, data.ErrInvalidTransition)
	}
	if !d.router.Cancel(ctx, cur) {
		return cur, false, nil
	}
	cmd, ok := d.transition(rec, data.CommandFailed, mark, data.CommandSent)
	return cmd, ok, nil
}

// Sweep times out every sent command whose deadline has passed. It is safe to run
// concurrently with acknowledgements.
func (d *Dispatcher) Sweep(now time.Time) []string {
	d.mu.RLock()
	recs := make([]*record, 0, len(d.commands))
	for _, rec := range d.commands {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	var expired []string
	for _, rec := range recs {
		cur := rec.snapshot()
		if cur.State != data.CommandSent || cur.Deadline == nil || now.Before(*cur.Deadline) {
			continue
		}
		deadline := *cur.Deadline
		cmd, ok := d.transitionAt(rec, now, data.CommandTimedOut, func(c *data.Command, _ time.Time) {
			c.FailureReason = "no acknowledgement within " + deadline.Sub(*c.SentAt).String()
		}, data.CommandSent)
		if ok {
			expired = append(expired, cmd.ID)
			d.logger.Info("Command timed out", zap.String("command_id", cmd.ID), zap.String("device_id", cmd.DeviceID))
		}
	}
	sort.Strings(expired)
	return expired
}

// Run sweeps for timeouts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.clock())
		}
	}
}

func (d *Dispatcher) Get(id string) (data.Command, error) {
	rec, ok := d.lookup(id)
	if !ok {
		return data.Command{}, fmt.Errorf("command %s: %w", id, data.ErrNotFound)
	}
	return rec.snapshot(), nil
}

// List returns a device's commands, newest first.
func (d *Dispatcher) List(deviceID string) []data.Command {
	d.mu.RLock()
	recs := append([]*record(nil), d.byDevice[deviceID]...)
	d.mu.RUnlock()

	out := make([]data.Command, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].snapshot())
	}
	return out
}

// Counts reports how many commands are in each state.
func (d *Dispatcher) Counts() map[data.CommandState]int {
	d.mu.RLock()
	recs := make([]*record, 0, len(d.commands))
	for _, rec := range d.commands {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	out := make(map[data.CommandState]int)
	for _, rec := range recs {
		out[rec.snapshot().State]++
	}
	return out
}

func (d *Dispatcher) lookup(id string) (*record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.commands[id]
	return rec, ok
}

func (d *Dispatcher) transition(rec *record, to data.CommandState, mutate func(*data.Command, time.Time), from ...data.CommandState) (data.Command, bool) {
	return d.transitionAt(rec, d.clock(), to, mutate, from...)
}

// transitionAt moves rec to `to` if its current state is one of from. Terminal states are
// never left. The store write happens under the record lock so writes land in transition order.
func (d *Dispatcher) transitionAt(rec *record, at time.Time, to data.CommandState, mutate func(*data.Command, time.Time), from ...data.CommandState) (data.Command, bool) {
	for _, f := range from {
		if f.Terminal() {
			d.violation("transition out of terminal state %s requested for %s", f, rec.snapshot().ID)
			return rec.snapshot(), false
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	cur := rec.cmd.State
	allowed := false
	for _, f := range from {
		if cur == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return rec.cmd, false
	}
	rec.cmd.State = to
	if mutate != nil {
		mutate(&rec.cmd, at)
	}
	if to.Terminal() {
		resolved := at
		rec.cmd.ResolvedAt = &resolved
	}
	d.persist(rec.cmd)
	return rec.cmd, true
}

func (d *Dispatcher) violation(format string, args ...any) {
	err := fmt.Errorf("%w: %s", data.ErrInvalidTransition, fmt.Sprintf(format, args...))
	if d.strict {
		panic(err)
	}
	d.logger.Error("Command contract violation", zap.Error(err))
}

func (d *Dispatcher) persist(cmd data.Command) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SaveCommand(ctx, cmd); err != nil {
		d.logger.Error("Failed to persist command", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (r *record) snapshot() data.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd
}
