package geofence

import (
	"fmt"
	"math"
	"time"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b data.Position) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Transition is a genuine change of containment.
type Transition struct {
	From     data.BreachState `json:"from"`
	To       data.BreachState `json:"to"`
	Distance float64          `json:"distance_meters"`
}

// Evaluate computes the containment of pos. A transition is returned only when the state
// differs from the fence's stored state; an unknown stored state is established silently.
func Evaluate(fence data.Geofence, pos data.Position) (data.BreachState, float64, *Transition) {
	distance := Haversine(fence.Center, pos)
	state := data.BreachOutside
	if distance <= fence.RadiusMeters {
		state = data.BreachInside
	}

	if fence.BreachState == "" || fence.BreachState == data.BreachUnknown || fence.BreachState == state {
		return state, distance, nil
	}
	return state, distance, &Transition{From: fence.BreachState, To: state, Distance: distance}
}

// AlertFor renders a transition as an alert, or nil when the fence does not alert on it.
// Leaving the fence is a breach; returning is a clear of the same kind.
func AlertFor(deviceID string, fence data.Geofence, tr *Transition, pos data.Position, at time.Time) *data.Alert {
	if tr == nil {
		return nil
	}
	details := map[string]any{
		"geofence":        fence.Name,
		"distance_meters": math.Round(tr.Distance*10) / 10,
		"radius_meters":   fence.RadiusMeters,
		"lat":             pos.Lat,
		"lon":             pos.Lon,
		"from":            string(tr.From),
		"to":              string(tr.To),
	}

	switch tr.To {
	case data.BreachOutside:
		if !fence.AlertOnBreach {
			return nil
		}
		details["transition"] = "breach"
		a := data.NewAlert(deviceID, data.AlertGeofenceBreach, data.SeverityWarning, at,
			fmt.Sprintf("Device %s left geofence %q (%.0fm from center, radius %.0fm)", deviceID, fence.Name, tr.Distance, fence.RadiusMeters),
			details)
		return &a
	case data.BreachInside:
		if !fence.AlertOnReturn {
			return nil
		}
		details["transition"] = "clear"
		a := data.NewAlert(deviceID, data.AlertGeofenceBreach, data.SeverityInfo, at,
			fmt.Sprintf("Device %s returned inside geofence %q", deviceID, fence.Name),
			details)
		return &a
	}
	return nil
}
