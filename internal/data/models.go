// internal/data/models.go
package data

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the transport an event arrived on or a command leaves through.
type Protocol string

const (
	ProtocolMQTT    Protocol = "mqtt"
	ProtocolHTTP    Protocol = "http"
	ProtocolCoAP    Protocol = "coap"
	ProtocolOPCUA   Protocol = "opcua"
	ProtocolModbus  Protocol = "modbus"
	ProtocolLoRaWAN Protocol = "lorawan"
)

// Protocols lists every supported transport in a stable order.
var Protocols = []Protocol{ProtocolMQTT, ProtocolHTTP, ProtocolCoAP, ProtocolOPCUA, ProtocolModbus, ProtocolLoRaWAN}

// Valid reports whether p is one of the supported transports.
func (p Protocol) Valid() bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// Position is a WGS84 coordinate.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TelemetryEvent - the canonical record every adapter produces for device telemetry
type TelemetryEvent struct {
	DeviceID       string         `json:"device_id"`
	Timestamp      time.Time      `json:"timestamp"`   // device reported, advisory only
	ReceivedAt     time.Time      `json:"received_at"` // router assigned
	Arrival        uint64         `json:"arrival"`     // router arrival index
	SourceProtocol Protocol       `json:"protocol"`
	Metrics        map[string]any `json:"metrics"`
	SequenceNumber *uint64        `json:"sequence_number,omitempty"`
}

// Numeric returns the metric as a float64 when it holds a number (or a numeric string).
func (e *TelemetryEvent) Numeric(name string) (float64, bool) {
	v, ok := e.Metrics[name]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Position extracts lat/lon (or latitude/longitude) when both are numeric.
func (e *TelemetryEvent) Position() (Position, bool) {
	for _, keys := range [][2]string{{"lat", "lon"}, {"latitude", "longitude"}} {
		lat, okLat := e.Numeric(keys[0])
		lon, okLon := e.Numeric(keys[1])
		if okLat && okLon {
			return Position{Lat: lat, Lon: lon}, true
		}
	}
	return Position{}, false
}

// MetricNames returns the metric keys sorted.
func (e *TelemetryEvent) MetricNames() []string {
	names := make([]string, 0, len(e.Metrics))
	for k := range e.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ToFloat converts the numeric types JSON decoders and adapters produce.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// CommandAck is a device's answer to a command.
type CommandAck struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Result    string    `json:"result"` // "ok" or "failed"
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Succeeded reports whether the device executed the command.
func (a CommandAck) Succeeded() bool {
	switch strings.ToLower(a.Result) {
	case "", "ok", "success", "acknowledged", "done":
		return true
	}
	return false
}

// Inbound is what an adapter decodes a wire message into. Exactly one field is set.
type Inbound struct {
	Telemetry *TelemetryEvent
	Ack       *CommandAck
}

// AlertKind classifies alerts; a newer alert supersedes an older one of the same kind.
type AlertKind string

const (
	AlertAnomaly        AlertKind = "anomaly"
	AlertGeofenceBreach AlertKind = "geofence-breach"
	AlertMaintenance    AlertKind = "maintenance"
	AlertHealthCritical AlertKind = "health-critical"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert - Structure for sending alerts
type Alert struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	Kind      AlertKind      `json:"kind"`
	Severity  string         `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewAlert stamps an alert with a fresh id.
func NewAlert(deviceID string, kind AlertKind, severity string, at time.Time, message string, details map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Severity:  severity,
		CreatedAt: at,
		Message:   message,
		Details:   details,
	}
}

// Factor is one weighted input of a health score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"` // 0 (bad) .. 1 (good)
}

// HealthScore is a bounded 0-100 score of a device's condition.
type HealthScore struct {
	DeviceID            string    `json:"device_id"`
	Score               float64   `json:"score"`
	ComputedAt          time.Time `json:"computed_at"`
	ContributingFactors []Factor  `json:"contributing_factors"`
}

// CommandState is the lifecycle state of a command.
type CommandState string

const (
	CommandPending      CommandState = "pending"
	CommandSent         CommandState = "sent"
	CommandAcknowledged CommandState = "acknowledged"
	CommandFailed       CommandState = "failed"
	CommandTimedOut     CommandState = "timed-out"
)

// Terminal reports whether no further transition is allowed.
func (s CommandState) Terminal() bool {
	return s == CommandAcknowledged || s == CommandFailed || s == CommandTimedOut
}

// Command is an instruction addressed to one device.
type Command struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	State         CommandState   `json:"state"`
	Protocol      Protocol       `json:"protocol,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// BreachState is a device's containment relative to its geofence.
type BreachState string

const (
	BreachUnknown BreachState = "unknown"
	BreachInside  BreachState = "inside"
	BreachOutside BreachState = "outside"
)

// Geofence is a circular fence owned by a device.
type Geofence struct {
	Name          string      `json:"name"`
	Center        Position    `json:"center"`
	RadiusMeters  float64     `json:"radius_meters"`
	AlertOnBreach bool        `json:"alert_on_breach"`
	AlertOnReturn bool        `json:"alert_on_return"`
	BreachState   BreachState `json:"breach_state"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Device is the registry record of one device.
type Device struct {
	ID              string         `json:"device_id"`
	DeviceType      string         `json:"device_type"`
	Capabilities    []string       `json:"capabilities"`
	FirmwareVersion string         `json:"firmware_version"`
	Config          map[string]any `json:"config"`
	Geofence        *Geofence      `json:"geofence,omitempty"`
	LastSeen        time.Time      `json:"last_seen"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastProtocol    Protocol       `json:"protocol,omitempty"`
	Protocols       []Protocol     `json:"protocols,omitempty"`
	Active          bool           `json:"active"`
}

// HasCapability reports whether the device declared kind. Devices that declared nothing
// are treated as accepting everything.
func (d Device) HasCapability(kind string) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	for _, c := range d.Capabilities {
		if c == kind || c == "*" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the registry.
func (d Device) Clone() Device {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Protocols = append([]Protocol(nil), d.Protocols...)
	out.Config = CloneMap(d.Config)
	if d.Geofence != nil {
		g := *d.Geofence
		out.Geofence = &g
	}
	return out
}

// DeviceConfigPatch carries fields to merge into a device's config.
type DeviceConfigPatch struct {
	DeviceID string         `json:"device_id"`
	Fields   map[string]any `json:"fields"`
}

// CloneMap copies a map one level deep, recursing into nested maps.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
