package edge

import (
	"math"
	"strings"
	"time"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// Factor names, in the order they appear in every HealthScore.
const (
	FactorAnomalyFrequency = "anomaly_frequency"
	FactorBattery          = "battery"
	FactorRegularity       = "communication_regularity"
	FactorFaults           = "fault_flags"
)

// Sample is one event as the rolling window sees it.
type Sample struct {
	ReceivedAt time.Time
	Anomalous  bool
	Fault      bool
	Battery    float64
	HasBattery bool
}

// Window is a device's rolling window, oldest sample first.
type Window []Sample

// ScoreHealth computes the health of a device from its window alone. Equal windows always
// produce equal scores.
func ScoreHealth(deviceID string, w Window, cfg config.HealthConfig) data.HealthScore {
	factors := []data.Factor{
		{Name: FactorAnomalyFrequency, Weight: cfg.AnomalyWeight, Value: anomalyFactor(w)},
		{Name: FactorBattery, Weight: cfg.BatteryWeight, Value: batteryFactor(w, cfg.BatterySlopeScale)},
		{Name: FactorRegularity, Weight: cfg.RegularityWeight, Value: regularityFactor(w)},
		{Name: FactorFaults, Weight: cfg.FaultWeight, Value: faultFactor(w)},
	}

	var weighted, total float64
	for _, f := range factors {
		weighted += f.Weight * f.Value
		total += f.Weight
	}
	score := 100.0
	if total > 0 {
		score = clamp(100*weighted/total, 0, 100)
	}

	hs := data.HealthScore{DeviceID: deviceID, Score: score, ContributingFactors: factors}
	if len(w) > 0 {
		hs.ComputedAt = w[len(w)-1].ReceivedAt
	}
	return hs
}

func anomalyFactor(w Window) float64 {
	if len(w) == 0 {
		return 1
	}
	flagged := 0
	for _, s := range w {
		if s.Anomalous {
			flagged++
		}
	}
	return 1 - float64(flagged)/float64(len(w))
}

// batteryFactor is the latest level scaled by how fast it is falling.
func batteryFactor(w Window, slopeScale float64) float64 {
	var ys []float64
	for _, s := range w {
		if s.HasBattery {
			ys = append(ys, s.Battery)
		}
	}
	if len(ys) == 0 {
		return 1
	}
	level := clamp(ys[len(ys)-1]/100, 0, 1)

	trend := 1.0
	if len(ys) >= 2 && slopeScale > 0 {
		xs := make([]float64, len(ys))
		for i := range xs {
			xs[i] = float64(i)
		}
		if slope := linearSlope(xs, ys); slope < 0 {
			trend = clamp(1+slope/slopeScale, 0, 1)
		}
	}
	return level * trend
}

// regularityFactor falls as the coefficient of variation of the inter-arrival gaps grows.
func regularityFactor(w Window) float64 {
	if len(w) < 3 {
		return 1
	}
	gaps := make([]float64, 0, len(w)-1)
	for i := 1; i < len(w); i++ {
		gaps = append(gaps, w[i].ReceivedAt.Sub(w[i-1].ReceivedAt).Seconds())
	}
	mean, sd := meanStdDev(gaps)
	if mean <= 0 {
		return 1
	}
	return 1 / (1 + sd/mean)
}

func faultFactor(w Window) float64 {
	if len(w) == 0 {
		return 1
	}
	faults := 0
	for _, s := range w {
		if s.Fault {
			faults++
		}
	}
	return 1 - float64(faults)/float64(len(w))
}

// hasFault reports whether any of the fault metrics is set on the event.
func hasFault(ev *data.TelemetryEvent, names []string) bool {
	for _, name := range names {
		v, ok := ev.Metrics[name]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			if t {
				return true
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "", "ok", "normal", "online", "active", "none", "false", "0":
			default:
				return true
			}
		default:
			if f, ok := data.ToFloat(v); ok && f != 0 {
				return true
			}
		}
	}
	return false
}

func linearSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxy += xs[i] * ys[i]
		sxx += xs[i] * xs[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func meanStdDev(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	var sq float64
	for _, x := range v {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(v)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
