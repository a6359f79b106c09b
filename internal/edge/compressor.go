package edge

import (
	"math"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/geofence"
)

// Compressor decides whether an event adds nothing over the last retained one. Redundant
// events are still analysed; they are only kept out of storage and forwarding.
type Compressor struct {
	cfg config.CompressionConfig
}

func NewCompressor(cfg config.CompressionConfig) Compressor {
	return Compressor{cfg: cfg}
}

// Redundant reports whether cur repeats last within epsilon and the retention interval.
func (c Compressor) Redundant(last, cur *data.TelemetryEvent) bool {
	if !c.cfg.Enabled || last == nil {
		return false
	}
	if c.cfg.Interval > 0 && cur.ReceivedAt.Sub(last.ReceivedAt) > c.cfg.Interval {
		return false
	}
	if len(last.Metrics) != len(cur.Metrics) {
		return false
	}
	for name, v := range cur.Metrics {
		prev, ok := last.Metrics[name]
		if !ok {
			return false
		}
		a, aNum := data.ToFloat(v)
		b, bNum := data.ToFloat(prev)
		switch {
		case aNum && bNum:
			if math.Abs(a-b) > c.cfg.Epsilon {
				return false
			}
		case aNum != bNum:
			return false
		default:
			if !sameValue(v, prev) {
				return false
			}
		}
	}
	return true
}

// Deltas reports the change of the well-known metrics since the last retained event.
func Deltas(last, cur *data.TelemetryEvent) map[string]float64 {
	if last == nil {
		return nil
	}
	out := make(map[string]float64)
	for _, name := range []string{"battery", "temperature"} {
		a, okA := cur.Numeric(name)
		b, okB := last.Numeric(name)
		if okA && okB {
			out[name+"_delta"] = math.Abs(a - b)
		}
	}
	p1, ok1 := cur.Position()
	p2, ok2 := last.Position()
	if ok1 && ok2 {
		out["position_delta_km"] = geofence.Haversine(p1, p2) / 1000
	}
	return out
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	// structured values are never considered equal
	return false
}
