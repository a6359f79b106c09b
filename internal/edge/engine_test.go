package edge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func defaultEdge() config.EdgeConfig {
	return config.Default().Edge
}

func telemetry(id string, at time.Time, metrics map[string]any) *data.TelemetryEvent {
	return &data.TelemetryEvent{
		DeviceID:       id,
		ReceivedAt:     at,
		SourceProtocol: data.ProtocolMQTT,
		Metrics:        metrics,
	}
}

func countKind(alerts []data.Alert, kind data.AlertKind) int {
	n := 0
	for _, a := range alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func TestScoreHealth_Deterministic(t *testing.T) {
	cfg := defaultEdge().Health
	w := Window{
		{ReceivedAt: t0, Battery: 90, HasBattery: true},
		{ReceivedAt: t0.Add(time.Minute), Battery: 88, HasBattery: true, Anomalous: true},
		{ReceivedAt: t0.Add(3 * time.Minute), Battery: 87, HasBattery: true, Fault: true},
		{ReceivedAt: t0.Add(4 * time.Minute), Battery: 85, HasBattery: true},
	}
	first := ScoreHealth("d1", w, cfg)
	second := ScoreHealth("d1", append(Window(nil), w...), cfg)
	assert.Equal(t, first, second)

	assert.Equal(t, t0.Add(4*time.Minute), first.ComputedAt)
	require.Len(t, first.ContributingFactors, 4)
	assert.Equal(t, FactorAnomalyFrequency, first.ContributingFactors[0].Name)
	assert.Equal(t, FactorFaults, first.ContributingFactors[3].Name)
	assert.InDelta(t, 0.75, first.ContributingFactors[0].Value, 1e-9)
	assert.InDelta(t, 0.75, first.ContributingFactors[3].Value, 1e-9)
	assert.Greater(t, first.Score, 0.0)
	assert.Less(t, first.Score, 100.0)

	empty := ScoreHealth("d1", nil, cfg)
	assert.Equal(t, 100.0, empty.Score)
}

func TestEngine_SameStreamSameScores(t *testing.T) {
	a := NewEngine(defaultEdge(), zap.NewNop())
	b := NewEngine(defaultEdge(), zap.NewNop())
	for i := 0; i < 40; i++ {
		m := map[string]any{"battery": 100 - float64(i), "temperature": 20 + float64(i%3)}
		ea := a.Evaluate(telemetry("d1", t0.Add(time.Duration(i)*time.Minute), m))
		eb := b.Evaluate(telemetry("d1", t0.Add(time.Duration(i)*time.Minute), m))
		require.Equal(t, ea.Health, eb.Health)
	}
	assert.Equal(t, a.HealthHistory("d1", 0), b.HealthHistory("d1", 0))
}

// Battery declines linearly from 80 to 20 over 100 events one minute apart.
func TestEngine_BatteryDeclineScenario(t *testing.T) {
	now := t0
	e := NewEngine(defaultEdge(), zap.NewNop()).WithClock(func() time.Time { return now })

	var (
		alerts []data.Alert
		scores []float64
	)
	for i := 0; i < 100; i++ {
		now = t0.Add(time.Duration(i) * time.Minute)
		battery := 80 - 60*float64(i)/99
		out := e.Evaluate(telemetry("D1", now, map[string]any{"battery": battery}))
		alerts = append(alerts, out.Alerts...)
		scores = append(scores, out.Health.Score)
	}

	for i := 1; i < len(scores); i++ {
		require.Less(t, scores[i], scores[i-1], "score must fall at event %d", i)
	}
	assert.Equal(t, 1, countKind(alerts, data.AlertMaintenance))
	assert.Zero(t, countKind(alerts, data.AlertAnomaly))
	assert.Zero(t, countKind(alerts, data.AlertHealthCritical))

	in, ok := e.Insight("D1")
	require.True(t, ok)
	require.NotNil(t, in.Maintenance)
	assert.Equal(t, "battery", in.Maintenance.Basis)
	assert.Less(t, in.Maintenance.BatterySlopePerHour, 0.0)
	assert.Contains(t, in.Maintenance.RecommendedActions, "Battery replacement recommended")
	assert.Len(t, e.HealthHistory("D1", 10), 10)

	// servicing re-arms: the continued decline alerts once more
	now = t0.Add(100 * time.Minute)
	e.Serviced("D1")
	in, _ = e.Insight("D1")
	assert.Nil(t, in.Maintenance)

	alerts = nil
	for i := 0; i < 10; i++ {
		now = t0.Add(time.Duration(100+i) * time.Minute)
		battery := 20 - 0.6*float64(i)
		alerts = append(alerts, e.Evaluate(telemetry("D1", now, map[string]any{"battery": battery})).Alerts...)
	}
	assert.Equal(t, 1, countKind(alerts, data.AlertMaintenance))
}

func TestEngine_HealthCriticalHysteresis(t *testing.T) {
	cfg := defaultEdge()
	cfg.WindowSize = 10
	cfg.Health.AnomalyWeight = 0
	cfg.Health.BatteryWeight = 0
	cfg.Health.RegularityWeight = 0
	cfg.Health.FaultWeight = 1
	cfg.Health.FaultMetrics = []string{"fault"}
	e := NewEngine(cfg, zap.NewNop())

	i := 0
	feed := func(n int, fault bool) int {
		raised := 0
		for k := 0; k < n; k++ {
			out := e.Evaluate(telemetry("d1", t0.Add(time.Duration(i)*time.Second), map[string]any{"fault": fault}))
			raised += countKind(out.Alerts, data.AlertHealthCritical)
			i++
		}
		return raised
	}

	assert.Equal(t, 1, feed(10, true))
	in, _ := e.Insight("d1")
	assert.True(t, in.HealthCritical)

	// 40 once four healthy samples are in the window, above 30+5
	assert.Zero(t, feed(4, false))
	in, _ = e.Insight("d1")
	assert.False(t, in.HealthCritical)

	assert.Equal(t, 1, feed(10, true))
}

func TestEngine_AnomalyAlertAndInsight(t *testing.T) {
	e := NewEngine(defaultEdge(), zap.NewNop())
	for i := 0; i < 20; i++ {
		temp := 21.0
		if i%2 == 0 {
			temp = 22.0
		}
		out := e.Evaluate(telemetry("d1", t0.Add(time.Duration(i)*time.Minute), map[string]any{"temperature": temp, "lat": 1.0, "lon": 2.0}))
		require.Empty(t, out.Alerts)
	}
	out := e.Evaluate(telemetry("d1", t0.Add(20*time.Minute), map[string]any{"temperature": 70.0, "lat": 1.0, "lon": 2.0}))
	require.Equal(t, 1, countKind(out.Alerts, data.AlertAnomaly))
	var a data.Alert
	for _, al := range out.Alerts {
		if al.Kind == data.AlertAnomaly {
			a = al
		}
	}
	assert.Equal(t, "temperature", a.Details["metric"])
	assert.Equal(t, "OVERHEATING", a.Details["anomaly_type"])
	assert.Equal(t, []float64{1.0, 2.0}, a.Details["location"])

	in, ok := e.Insight("d1")
	require.True(t, ok)
	assert.Equal(t, 1, in.AnomalousSamples)
	require.Len(t, in.Anomalies, 1)
	assert.True(t, in.Anomalies[0].InExcursion)

	_, ok = e.Insight("unknown")
	assert.False(t, ok)
	assert.Len(t, e.Insights(), 1)
}

func TestEngine_CompressionCounts(t *testing.T) {
	e := NewEngine(defaultEdge(), zap.NewNop())
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	assert.False(t, e.Evaluate(telemetry("d1", at(0), map[string]any{"battery": 50.0})).Redundant)
	assert.True(t, e.Evaluate(telemetry("d1", at(10), map[string]any{"battery": 50.2})).Redundant)
	assert.True(t, e.Evaluate(telemetry("d1", at(20), map[string]any{"battery": 50.4})).Redundant)
	assert.False(t, e.Evaluate(telemetry("d1", at(25), map[string]any{"battery": 51.0})).Redundant)

	in, _ := e.Insight("d1")
	assert.Equal(t, uint64(4), in.Events)
	assert.Equal(t, uint64(2), in.Redundant)
	assert.InDelta(t, 0.5, in.CompressionRatio, 1e-9)
	assert.InDelta(t, 1.0, in.Deltas["battery_delta"], 1e-9)
	// redundant events still feed the window
	assert.Equal(t, 4, in.WindowSize)
}

func TestCompressor_Redundant(t *testing.T) {
	c := NewCompressor(config.CompressionConfig{Enabled: true, Epsilon: 0.5, Interval: 30 * time.Second})
	last := telemetry("d1", t0, map[string]any{"battery": 50.0, "status": "ok"})

	assert.True(t, c.Redundant(last, telemetry("d1", t0.Add(5*time.Second), map[string]any{"battery": 50.4, "status": "ok"})))
	assert.False(t, c.Redundant(last, telemetry("d1", t0.Add(5*time.Second), map[string]any{"battery": 50.4, "status": "fault"})))
	assert.False(t, c.Redundant(last, telemetry("d1", t0.Add(time.Minute), map[string]any{"battery": 50.0, "status": "ok"})))
	assert.False(t, c.Redundant(last, telemetry("d1", t0.Add(5*time.Second), map[string]any{"battery": 50.0})))
	assert.False(t, c.Redundant(nil, last))

	off := NewCompressor(config.CompressionConfig{})
	assert.False(t, off.Redundant(last, last))
}
