// internal/anomaly/detector.go
package anomaly

import (
	"math"
	"sort"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
)

// Anomaly classes reported with every finding.
const (
	ClassCriticalBattery   = "CRITICAL_BATTERY"
	ClassOverheating       = "OVERHEATING"
	ClassSignalDegradation = "SIGNAL_DEGRADATION"
	ClassBehavioral        = "BEHAVIORAL_ANOMALY"
)

// Baseline summarizes the prior window of one metric.
type Baseline struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Count  int     `json:"count"`
}

// Scorer turns a value and its baseline into a deviation score. Detector flags a value when
// the score exceeds the configured threshold.
type Scorer interface {
	Score(value float64, b Baseline) float64
}

// ZScore is the default scorer: distance from the mean in standard deviations.
type ZScore struct {
	MinStdDev float64 // floor on the stddev so flat series do not divide by zero
}

func (z ZScore) Score(value float64, b Baseline) float64 {
	sd := math.Max(b.StdDev, z.MinStdDev)
	if sd == 0 {
		if value == b.Mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(value-b.Mean) / sd
}

// Finding is a metric that newly left its normal band.
type Finding struct {
	Metric         string   `json:"metric"`
	Value          float64  `json:"value"`
	Score          float64  `json:"score"`
	Baseline       Baseline `json:"baseline"`
	RuleViolation  bool     `json:"rule_violation"`
	Classification string   `json:"classification"`
}

// Severity grades a finding for its alert.
func (f Finding) Severity(threshold float64) string {
	switch {
	case f.Classification == ClassCriticalBattery || f.Classification == ClassOverheating:
		return data.SeverityCritical
	case threshold > 0 && f.Score >= 2*threshold:
		return data.SeverityCritical
	}
	return data.SeverityWarning
}

// Result of observing one event.
type Result struct {
	Flagged  bool      // at least one metric is outside its band on this event
	Findings []Finding // metrics that entered an excursion on this event; alert-worthy
}

// MetricState is the query view of one metric's detector state.
type MetricState struct {
	Metric      string   `json:"metric"`
	Baseline    Baseline `json:"baseline"`
	LastScore   float64  `json:"last_score"`
	InExcursion bool     `json:"in_excursion"`
}

type series struct {
	values      *storage.Ring[float64]
	lastScore   float64
	inExcursion bool
}

// State is the per-device detector state. It is owned by the device's pipeline.
type State struct {
	metrics map[string]*series
}

type Detector struct {
	cfg     config.AnomalyConfig
	window  int
	scorer  Scorer
	exclude map[string]bool
}

func NewDetector(cfg config.AnomalyConfig, window int) *Detector {
	if window < 2 {
		window = 2
	}
	exclude := make(map[string]bool, len(cfg.ExcludeMetrics))
	for _, m := range cfg.ExcludeMetrics {
		exclude[m] = true
	}
	return &Detector{
		cfg:     cfg,
		window:  window,
		scorer:  ZScore{MinStdDev: cfg.MinStdDev},
		exclude: exclude,
	}
}

// WithScorer replaces the scoring model.
func (d *Detector) WithScorer(s Scorer) *Detector {
	d.scorer = s
	return d
}

func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

func (d *Detector) NewState() *State {
	return &State{metrics: make(map[string]*series)}
}

// Observe scores every numeric metric of ev against its prior window, then adds the values
// to the window. A metric alerts once per excursion and re-arms when it is back in band.
func (d *Detector) Observe(st *State, ev *data.TelemetryEvent) Result {
	var res Result

	for _, name := range ev.MetricNames() {
		if d.exclude[name] {
			continue
		}
		value, ok := ev.Numeric(name)
		if !ok {
			// strings, flags and structured values are not scored
			continue
		}

		s, ok := st.metrics[name]
		if !ok {
			s = &series{values: storage.NewRing[float64](d.window)}
			st.metrics[name] = s
		}

		base := baselineOf(s.values)
		out := false
		score := 0.0
		if base.Count >= d.cfg.WarmupSamples && base.Count > 0 {
			score = d.scorer.Score(value, base)
			out = score > d.cfg.Threshold
		}
		s.lastScore = score

		ruleHit := false
		if rule, ok := d.cfg.Rules[name]; ok && (value < rule.Min || value > rule.Max) {
			ruleHit = true
			out = true
		}

		if out {
			res.Flagged = true
			if !s.inExcursion {
				s.inExcursion = true
				res.Findings = append(res.Findings, Finding{
					Metric:         name,
					Value:          value,
					Score:          score,
					Baseline:       base,
					RuleViolation:  ruleHit,
					Classification: Classify(ev),
				})
			}
		} else {
			s.inExcursion = false
		}

		s.values.Push(value)
	}
	return res
}

// Snapshot returns the state of every tracked metric sorted by name.
func (st *State) Snapshot() []MetricState {
	out := make([]MetricState, 0, len(st.metrics))
	for name, s := range st.metrics {
		out = append(out, MetricState{
			Metric:      name,
			Baseline:    baselineOf(s.values),
			LastScore:   s.lastScore,
			InExcursion: s.inExcursion,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Classify names the most likely cause from the event's well-known metrics.
func Classify(ev *data.TelemetryEvent) string {
	if b, ok := ev.Numeric("battery"); ok && b < 10 {
		return ClassCriticalBattery
	}
	if t, ok := ev.Numeric("temperature"); ok && t > 45 {
		return ClassOverheating
	}
	if s, ok := ev.Numeric("signal_strength"); ok && s < -120 {
		return ClassSignalDegradation
	}
	return ClassBehavioral
}

func baselineOf(r *storage.Ring[float64]) Baseline {
	n := r.Len()
	if n == 0 {
		return Baseline{}
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += r.At(i)
	}
	mean := sum / float64(n)
	var sq float64
	for i := 0; i < n; i++ {
		dv := r.At(i) - mean
		sq += dv * dv
	}
	return Baseline{Mean: mean, StdDev: math.Sqrt(sq / float64(n)), Count: n}
}
