package edge

import (
	"math"
	"time"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// Prediction is the maintenance outlook of one device.
type Prediction struct {
	TimeToMaintenance   time.Duration `json:"-"`
	HoursToMaintenance  float64       `json:"hours_to_maintenance"`
	PredictedAt         time.Time     `json:"predicted_maintenance_date"`
	Basis               string        `json:"basis"` // "battery" or "health"
	BatterySlopePerHour float64       `json:"battery_slope_per_hour"`
	HealthSlopePerHour  float64       `json:"health_slope_per_hour"`
	BatteryPerSample    float64       `json:"battery_degradation_rate"`
	RecommendedActions  []string      `json:"recommended_actions"`
}

type point struct {
	at    time.Time
	value float64
}

// predictor owns the alert arming of one device's maintenance prediction.
type predictor struct {
	cfg        config.MaintenanceConfig
	armed      bool
	servicedAt time.Time
}

func newPredictor(cfg config.MaintenanceConfig) *predictor {
	return &predictor{cfg: cfg, armed: true}
}

// serviced restarts the series and re-arms the alert.
func (p *predictor) serviced(at time.Time) {
	p.servicedAt = at
	p.armed = true
}

// predict estimates the time until the battery reaches its floor or health reaches the
// critical level, whichever comes first. Only samples received after the last service count.
func (p *predictor) predict(w Window, health []data.HealthScore, now time.Time) *Prediction {
	var battery []point
	for _, s := range w {
		if s.HasBattery && !s.ReceivedAt.Before(p.servicedAt) {
			battery = append(battery, point{s.ReceivedAt, s.Battery})
		}
	}
	var scores []point
	for _, h := range health {
		if !h.ComputedAt.Before(p.servicedAt) {
			scores = append(scores, point{h.ComputedAt, h.Score})
		}
	}

	minSamples := p.cfg.MinSamples
	if minSamples < 2 {
		minSamples = 2
	}

	var (
		best     = math.Inf(1)
		basis    string
		pred     Prediction
		haveData bool
	)
	if len(battery) >= minSamples {
		haveData = true
		slope := slopePerHour(battery)
		pred.BatterySlopePerHour = slope
		pred.BatteryPerSample = perSampleSlope(battery)
		if h := hoursToReach(battery[len(battery)-1].value, p.cfg.BatteryFloor, slope); h < best {
			best, basis = h, "battery"
		}
	}
	if len(scores) >= minSamples {
		haveData = true
		slope := slopePerHour(scores)
		pred.HealthSlopePerHour = slope
		if h := hoursToReach(scores[len(scores)-1].value, p.cfg.HealthCritical, slope); h < best {
			best, basis = h, "health"
		}
	}
	if !haveData {
		return nil
	}

	currentHealth := 100.0
	if len(health) > 0 {
		currentHealth = health[len(health)-1].Score
	}
	pred.RecommendedActions = recommendedActions(currentHealth, pred.BatteryPerSample)

	if math.IsInf(best, 1) {
		pred.HoursToMaintenance = -1
		pred.Basis = "stable"
		return &pred
	}
	pred.HoursToMaintenance = best
	pred.TimeToMaintenance = time.Duration(best * float64(time.Hour))
	pred.PredictedAt = now.Add(pred.TimeToMaintenance)
	pred.Basis = basis
	return &pred
}

// shouldAlert applies the threshold with hysteresis: one alert per crossing, re-armed by a
// service or by the prediction climbing back above threshold*(1+hysteresis).
func (p *predictor) shouldAlert(pred *Prediction) bool {
	if pred == nil {
		return false
	}
	if pred.HoursToMaintenance < 0 {
		p.armed = true
		return false
	}
	threshold := p.cfg.Threshold
	if p.armed && pred.TimeToMaintenance < threshold {
		p.armed = false
		return true
	}
	rearm := time.Duration(float64(threshold) * (1 + p.cfg.Hysteresis))
	if !p.armed && pred.TimeToMaintenance > rearm {
		p.armed = true
	}
	return false
}

func slopePerHour(pts []point) float64 {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, pt := range pts {
		xs[i] = pt.at.Sub(pts[0].at).Hours()
		ys[i] = pt.value
	}
	return linearSlope(xs, ys)
}

func perSampleSlope(pts []point) float64 {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, pt := range pts {
		xs[i] = float64(i)
		ys[i] = pt.value
	}
	return linearSlope(xs, ys)
}

// hoursToReach extrapolates current down to floor at slope units per hour.
func hoursToReach(current, floor, slope float64) float64 {
	if current <= floor {
		return 0
	}
	if slope >= 0 {
		return math.Inf(1)
	}
	return (current - floor) / -slope
}

func recommendedActions(health, batteryPerSample float64) []string {
	var actions []string
	switch {
	case health < 30:
		actions = append(actions, "Immediate battery check", "Full diagnostic", "Consider replacement")
	case health < 60:
		actions = append(actions, "Scheduled maintenance", "Battery calibration", "Firmware update")
	default:
		actions = append(actions, "Routine check")
	}
	if batteryPerSample < -0.5 {
		actions = append(actions, "Battery replacement recommended")
	}
	return actions
}
