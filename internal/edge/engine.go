package edge

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/anomaly"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
)

const defaultWindowSize = 50

// Insight is the published, read-only view of a device's edge state.
type Insight struct {
	DeviceID         string                `json:"device_id"`
	UpdatedAt        time.Time             `json:"updated_at"`
	Events           uint64                `json:"events"`
	Redundant        uint64                `json:"redundant"`
	CompressionRatio float64               `json:"compression_ratio"`
	LastRedundant    bool                  `json:"last_redundant"`
	Deltas           map[string]float64    `json:"changes_since_last,omitempty"`
	Health           *data.HealthScore     `json:"health,omitempty"`
	HealthCritical   bool                  `json:"health_critical"`
	WindowSize       int                   `json:"window_size"`
	AnomalousSamples int                   `json:"anomalous_samples"`
	Anomalies        []anomaly.MetricState `json:"anomaly_state"`
	Maintenance      *Prediction           `json:"maintenance,omitempty"`

	healthHistory []data.HealthScore
}

// Outcome is what one evaluation produced.
type Outcome struct {
	Redundant bool
	Health    data.HealthScore
	Alerts    []data.Alert
}

type deviceState struct {
	mu           sync.Mutex
	window       *storage.Ring[Sample]
	anomaly      *anomaly.State
	lastRetained *data.TelemetryEvent
	health       *storage.Ring[data.HealthScore]
	critical     bool
	maint        *predictor
	events       uint64
	redundant    uint64

	insight atomic.Pointer[Insight]
}

// Engine runs the per-device streaming analytics. Evaluate is called by the device's
// pipeline only; queries read the published insight and never wait on it.
type Engine struct {
	cfg        config.EdgeConfig
	detector   *anomaly.Detector
	compressor Compressor
	clock      func() time.Time
	logger     *zap.Logger

	mu      sync.RWMutex
	devices map[string]*deviceState
}

func NewEngine(cfg config.EdgeConfig, logger *zap.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.Health.BatteryMetric == "" {
		cfg.Health.BatteryMetric = "battery"
	}
	if cfg.Health.HistorySize <= 0 {
		cfg.Health.HistorySize = 100
	}
	return &Engine{
		cfg:        cfg,
		detector:   anomaly.NewDetector(cfg.Anomaly, cfg.WindowSize),
		compressor: NewCompressor(cfg.Compression),
		clock:      time.Now,
		logger:     logger,
		devices:    make(map[string]*deviceState),
	}
}

// WithClock replaces the time source used for service marks.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithScorer plugs a different anomaly model into the detector.
func (e *Engine) WithScorer(s anomaly.Scorer) *Engine {
	e.detector.WithScorer(s)
	return e
}

func (e *Engine) state(id string) *deviceState {
	e.mu.RLock()
	ds, ok := e.devices[id]
	e.mu.RUnlock()
	if ok {
		return ds
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok = e.devices[id]; ok {
		return ds
	}
	ds = &deviceState{
		window:  storage.NewRing[Sample](e.cfg.WindowSize),
		anomaly: e.detector.NewState(),
		health:  storage.NewRing[data.HealthScore](e.cfg.Health.HistorySize),
		maint:   newPredictor(e.cfg.Maintenance),
	}
	e.devices[id] = ds
	return ds
}

func (e *Engine) lookup(id string) (*deviceState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ds, ok := e.devices[id]
	return ds, ok
}

// Evaluate runs every analytic over one accepted event and publishes a fresh insight.
func (e *Engine) Evaluate(ev *data.TelemetryEvent) Outcome {
	ds := e.state(ev.DeviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var out Outcome
	ds.events++

	found := e.detector.Observe(ds.anomaly, ev)

	out.Redundant = e.compressor.Redundant(ds.lastRetained, ev)
	deltas := Deltas(ds.lastRetained, ev)
	if out.Redundant {
		ds.redundant++
	} else {
		retained := *ev
		ds.lastRetained = &retained
	}

	sample := Sample{
		ReceivedAt: ev.ReceivedAt,
		Anomalous:  found.Flagged,
		Fault:      hasFault(ev, e.cfg.Health.FaultMetrics),
	}
	sample.Battery, sample.HasBattery = ev.Numeric(e.cfg.Health.BatteryMetric)
	ds.window.Push(sample)
	window := Window(ds.window.Slice())

	out.Health = ScoreHealth(ev.DeviceID, window, e.cfg.Health)
	ds.health.Push(out.Health)
	history := ds.health.Slice()

	for _, f := range found.Findings {
		out.Alerts = append(out.Alerts, e.anomalyAlert(ev, f))
	}

	if a := e.checkHealthCritical(ds, out.Health); a != nil {
		out.Alerts = append(out.Alerts, *a)
	}

	pred := ds.maint.predict(window, history, ev.ReceivedAt)
	if ds.maint.shouldAlert(pred) {
		out.Alerts = append(out.Alerts, e.maintenanceAlert(ev, pred))
	}

	anomalous := 0
	for _, s := range window {
		if s.Anomalous {
			anomalous++
		}
	}
	health := out.Health
	ds.insight.Store(&Insight{
		DeviceID:         ev.DeviceID,
		UpdatedAt:        ev.ReceivedAt,
		Events:           ds.events,
		Redundant:        ds.redundant,
		CompressionRatio: float64(ds.redundant) / float64(ds.events),
		LastRedundant:    out.Redundant,
		Deltas:           deltas,
		Health:           &health,
		HealthCritical:   ds.critical,
		WindowSize:       len(window),
		AnomalousSamples: anomalous,
		Anomalies:        ds.anomaly.Snapshot(),
		Maintenance:      pred,
		healthHistory:    history,
	})

	for _, a := range out.Alerts {
		e.logger.Info("Edge alert raised",
			zap.String("device_id", a.DeviceID),
			zap.String("kind", string(a.Kind)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message))
	}
	return out
}

func (e *Engine) anomalyAlert(ev *data.TelemetryEvent, f anomaly.Finding) data.Alert {
	details := map[string]any{
		"metric":         f.Metric,
		"value":          f.Value,
		"score":          f.Score,
		"mean":           f.Baseline.Mean,
		"std_dev":        f.Baseline.StdDev,
		"anomaly_type":   f.Classification,
		"rule_violation": f.RuleViolation,
	}
	for _, name := range []string{"battery", "temperature"} {
		if v, ok := ev.Metrics[name]; ok {
			details[name] = v
		}
	}
	if pos, ok := ev.Position(); ok {
		details["location"] = []float64{pos.Lat, pos.Lon}
	}
	msg := fmt.Sprintf("Anomaly detected for %s: value %.2f deviates from baseline %.2f±%.2f (%s)",
		f.Metric, f.Value, f.Baseline.Mean, f.Baseline.StdDev, f.Classification)
	if f.RuleViolation {
		msg = fmt.Sprintf("Anomaly detected for %s: value %.2f is outside the configured range (%s)",
			f.Metric, f.Value, f.Classification)
	}
	return data.NewAlert(ev.DeviceID, data.AlertAnomaly, f.Severity(e.detector.Threshold()), ev.ReceivedAt, msg, details)
}

// checkHealthCritical alerts when the score drops under the threshold and re-arms once it
// recovers above threshold+margin.
func (e *Engine) checkHealthCritical(ds *deviceState, hs data.HealthScore) *data.Alert {
	threshold := e.cfg.Health.CriticalThreshold
	switch {
	case !ds.critical && hs.Score < threshold:
		ds.critical = true
		a := data.NewAlert(hs.DeviceID, data.AlertHealthCritical, data.SeverityCritical, hs.ComputedAt,
			fmt.Sprintf("Health score %.1f fell below %.1f", hs.Score, threshold),
			map[string]any{"score": hs.Score, "threshold": threshold, "factors": hs.ContributingFactors})
		return &a
	case ds.critical && hs.Score > threshold+e.cfg.Health.CriticalMargin:
		ds.critical = false
	}
	return nil
}

func (e *Engine) maintenanceAlert(ev *data.TelemetryEvent, pred *Prediction) data.Alert {
	severity := data.SeverityWarning
	if pred.TimeToMaintenance <= 0 {
		severity = data.SeverityCritical
	}
	return data.NewAlert(ev.DeviceID, data.AlertMaintenance, severity, ev.ReceivedAt,
		fmt.Sprintf("Maintenance predicted in %.1fh (%s)", pred.HoursToMaintenance, pred.Basis),
		map[string]any{
			"hours_to_maintenance":       pred.HoursToMaintenance,
			"predicted_maintenance_date": pred.PredictedAt,
			"basis":                      pred.Basis,
			"battery_slope_per_hour":     pred.BatterySlopePerHour,
			"health_slope_per_hour":      pred.HealthSlopePerHour,
			"recommended_actions":        pred.RecommendedActions,
		})
}

// Serviced records a maintenance visit: the battery series restarts and the maintenance
// alert re-arms.
func (e *Engine) Serviced(id string) {
	ds := e.state(id)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.maint.serviced(e.clock())

	if cur := ds.insight.Load(); cur != nil {
		next := *cur
		next.Maintenance = nil
		ds.insight.Store(&next)
	}
	e.logger.Info("Device serviced", zap.String("device_id", id))
}

// Insight returns the latest published view of a device.
func (e *Engine) Insight(id string) (Insight, bool) {
	ds, ok := e.lookup(id)
	if !ok {
		return Insight{}, false
	}
	in := ds.insight.Load()
	if in == nil {
		return Insight{}, false
	}
	return *in, true
}

// Insights returns every published view sorted by device id.
func (e *Engine) Insights() []Insight {
	e.mu.RLock()
	states := make([]*deviceState, 0, len(e.devices))
	for _, ds := range e.devices {
		states = append(states, ds)
	}
	e.mu.RUnlock()

	out := make([]Insight, 0, len(states))
	for _, ds := range states {
		if in := ds.insight.Load(); in != nil {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Health returns the current score of a device.
func (e *Engine) Health(id string) (data.HealthScore, bool) {
	in, ok := e.Insight(id)
	if !ok || in.Health == nil {
		return data.HealthScore{}, false
	}
	return *in.Health, true
}

// HealthHistory returns up to limit recent scores, oldest first. limit <= 0 returns all.
func (e *Engine) HealthHistory(id string, limit int) []data.HealthScore {
	in, ok := e.Insight(id)
	if !ok {
		return nil
	}
	h := in.healthHistory
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	return append([]data.HealthScore(nil), h...)
}
