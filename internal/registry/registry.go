package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// entry guards one device. Its mutex is the per-device writer lock.
type entry struct {
	mu  sync.Mutex
	dev data.Device
}

// Registry is the authoritative store of devices. Writers to the same device are serialized;
// writers to different devices never contend beyond the brief map lookup.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry

	cfg    config.RegistryConfig
	clock  func() time.Time
	logger *zap.Logger
}

// RegisterRequest is an explicit registration from the management API.
type RegisterRequest struct {
	DeviceType        string        `json:"device_type"`
	Protocol          data.Protocol `json:"protocol"`
	FirmwareVersion   string        `json:"firmware_version"`
	Capabilities      []string      `json:"capabilities"`
	TelemetryInterval int           `json:"telemetry_interval"`
	HeartbeatInterval int           `json:"heartbeat_interval"`
}

func New(cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		cfg:     cfg,
		clock:   time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source; used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	return e, ok
}

// getOrCreateEntry creates the record exactly once even under concurrent first contact.
func (r *Registry) getOrCreateEntry(id string) (*entry, bool) {
	if e, ok := r.lookup(id); ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[id]; ok {
		return e, false
	}
	now := r.clock()
	e := &entry{dev: data.Device{
		ID:           id,
		DeviceType:   "unknown",
		Capabilities: []string{},
		Config:       map[string]any{},
		RegisteredAt: now,
		Active:       true,
	}}
	r.devices[id] = e
	return e, true
}

// GetOrCreate returns the device, implicitly registering it on first contact.
func (r *Registry) GetOrCreate(id string) (data.Device, bool) {
	e, created := r.getOrCreateEntry(id)
	if created {
		r.logger.Info("Auto-registered device", zap.String("device_id", id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Clone(), created
}

// Register creates or updates a device with explicit metadata and default configuration.
func (r *Registry) Register(id string, req RegisterRequest) (data.Device, bool) {
	e, created := r.getOrCreateEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.DeviceType != "" {
		e.dev.DeviceType = req.DeviceType
	}
	if req.FirmwareVersion != "" {
		e.dev.FirmwareVersion = req.FirmwareVersion
	} else if e.dev.FirmwareVersion == "" {
		e.dev.FirmwareVersion = "1.0.0"
	}
	if req.Capabilities != nil {
		e.dev.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if req.Protocol.Valid() {
		e.dev.LastProtocol = req.Protocol
		addProtocol(&e.dev, req.Protocol)
	}
	e.dev.Active = true

	if req.TelemetryInterval > 0 {
		e.dev.Config["telemetry_interval"] = req.TelemetryInterval
	}
	if req.HeartbeatInterval > 0 {
		e.dev.Config["heartbeat_interval"] = req.HeartbeatInterval
	}
	defaults := map[string]any{
		"telemetry_interval": 30,
		"heartbeat_interval": 60,
		"alert_thresholds": map[string]any{
			"battery":         20,
			"temperature":     40,
			"signal_strength": -100,
		},
	}
	for k, v := range defaults {
		if _, ok := e.dev.Config[k]; !ok {
			e.dev.Config[k] = v
		}
	}

	r.logger.Info("Registered device", zap.String("device_id", id), zap.Bool("created", created))
	return e.dev.Clone(), created
}

func (r *Registry) Get(id string) (data.Device, error) {
	e, ok := r.lookup(id)
	if !ok {
		return data.Device{}, fmt.Errorf("device %s: %w", id, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Clone(), nil
}

// List returns snapshots of every device sorted by id.
func (r *Registry) List() []data.Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]data.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.dev.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// UpdateConfig merges patch fields into the device config.
func (r *Registry) UpdateConfig(patch data.DeviceConfigPatch) (data.Device, error) {
	e, ok := r.lookup(patch.DeviceID)
	if !ok {
		return data.Device{}, fmt.Errorf("device %s: %w", patch.DeviceID, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.Config == nil {
		e.dev.Config = map[string]any{}
	}
	for k, v := range patch.Fields {
		e.dev.Config[k] = v
	}
	return e.dev.Clone(), nil
}

// Touch records an accepted event: lastSeen, the transport it came through, re-activation.
func (r *Registry) Touch(id string, at time.Time, protocol data.Protocol) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("device %s: %w", id, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.dev.LastSeen) {
		e.dev.LastSeen = at
	}
	if protocol.Valid() {
		e.dev.LastProtocol = protocol
		addProtocol(&e.dev, protocol)
	}
	if !e.dev.Active {
		r.logger.Info("Device active again", zap.String("device_id", id))
	}
	e.dev.Active = true
	return nil
}

// SetGeofence installs a fence; its breach state starts unknown so the next position only
// establishes containment.
func (r *Registry) SetGeofence(id string, fence data.Geofence) (data.Device, error) {
	e, ok := r.lookup(id)
	if !ok {
		return data.Device{}, fmt.Errorf("device %s: %w", id, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fence.BreachState = data.BreachUnknown
	if fence.CreatedAt.IsZero() {
		fence.CreatedAt = r.clock()
	}
	if fence.Name == "" {
		fence.Name = "Geofence for " + id
	}
	e.dev.Geofence = &fence
	return e.dev.Clone(), nil
}

func (r *Registry) RemoveGeofence(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("device %s: %w", id, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.Geofence == nil {
		return fmt.Errorf("geofence of %s: %w", id, data.ErrNotFound)
	}
	e.dev.Geofence = nil
	return nil
}

// SetBreachState is called by the owning pipeline after a geofence evaluation. The write is
// dropped when the fence was replaced since it was read (fenceCreatedAt no longer matches).
func (r *Registry) SetBreachState(id string, fenceCreatedAt time.Time, state data.BreachState) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("device %s: %w", id, data.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.Geofence == nil {
		return fmt.Errorf("geofence of %s: %w", id, data.ErrNotFound)
	}
	if !e.dev.Geofence.CreatedAt.Equal(fenceCreatedAt) {
		return nil
	}
	e.dev.Geofence.BreachState = state
	return nil
}

// Geofences returns every configured fence keyed by device.
func (r *Registry) Geofences() map[string]data.Geofence {
	out := make(map[string]data.Geofence)
	for _, d := range r.List() {
		if d.Geofence != nil {
			out[d.ID] = *d.Geofence
		}
	}
	return out
}

// MarkInactive flags devices silent for longer than the configured threshold.
func (r *Registry) MarkInactive(now time.Time) []string {
	if r.cfg.InactiveAfter <= 0 {
		return nil
	}
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var marked []string
	for _, e := range entries {
		e.mu.Lock()
		last := e.dev.LastSeen
		if last.IsZero() {
			last = e.dev.RegisteredAt
		}
		if e.dev.Active && now.Sub(last) > r.cfg.InactiveAfter {
			e.dev.Active = false
			marked = append(marked, e.dev.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(marked)
	for _, id := range marked {
		r.logger.Info("Device marked inactive", zap.String("device_id", id))
	}
	return marked
}

// Online reports whether the device was seen within the online window.
func (r *Registry) Online(d data.Device, now time.Time) bool {
	if d.LastSeen.IsZero() {
		return false
	}
	return now.Sub(d.LastSeen) < r.cfg.OnlineWindow
}

func addProtocol(d *data.Device, p data.Protocol) {
	for _, known := range d.Protocols {
		if known == p {
			return
		}
	}
	d.Protocols = append(d.Protocols, p)
}

// Run marks silent devices inactive every sweep interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.MarkInactive(r.clock())
		}
	}
}
