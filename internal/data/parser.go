// internal/data/parser.go
package data

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// telemetrySchema accepts both the canonical shape (a "metrics" object) and the flat shape
// devices in the field send (readings at the top level next to device_id).
const telemetrySchema = `{
  "type": "object",
  "properties": {
    "device_id": {"type": "string"},
    "id": {"type": "string"},
    "timestamp": {"type": ["string", "number"]},
    "seq": {"type": "integer", "minimum": 0},
    "sequence_number": {"type": "integer", "minimum": 0},
    "metrics": {"type": "object"}
  }
}`

const ackSchema = `{
  "type": "object",
  "required": ["command_id"],
  "properties": {
    "command_id": {"type": "string", "minLength": 1},
    "device_id": {"type": "string"},
    "result": {"type": "string"},
    "detail": {"type": "string"},
    "at": {"type": ["string", "number"]}
  }
}`

var (
	telemetryValidator = mustSchema(telemetrySchema)
	ackValidator       = mustSchema(ackSchema)
)

// reserved keys are envelope fields, never metrics
var reserved = map[string]bool{
	"device_id": true, "id": true, "timestamp": true, "protocol": true, "seq": true,
	"sequence_number": true, "received_at": true, "topic": true, "metrics": true,
	"device_type": true, "command_id": true,
}

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

func validate(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedMessage, strings.Join(msgs, "; "))
	}
	return nil
}

// ParseTelemetry validates and decodes a JSON telemetry envelope. deviceHint is used when the
// payload itself carries no device id (e.g. MQTT, where the id is in the topic).
func ParseTelemetry(raw []byte, source Protocol, deviceHint string) (*TelemetryEvent, error) {
	if err := validate(telemetryValidator, raw); err != nil {
		return nil, err
	}

	var generic map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return FromMap(generic, source, deviceHint)
}

// FromMap builds an event from an already decoded envelope.
func FromMap(generic map[string]any, source Protocol, deviceHint string) (*TelemetryEvent, error) {
	ev := &TelemetryEvent{SourceProtocol: source, Metrics: make(map[string]any)}

	if id, ok := generic["device_id"].(string); ok && id != "" {
		ev.DeviceID = id
	} else if id, ok := generic["id"].(string); ok && id != "" {
		ev.DeviceID = id
	} else {
		ev.DeviceID = deviceHint
	}
	if ev.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrMalformedMessage)
	}

	for _, key := range []string{"seq", "sequence_number"} {
		if seq, ok := parseSequence(generic[key]); ok {
			ev.SequenceNumber = &seq
			break
		}
	}
	for k, v := range generic {
		generic[k] = plainNumbers(v)
	}

	if ts, ok := ParseTimestamp(generic["timestamp"]); ok {
		ev.Timestamp = ts
	}

	if nested, ok := generic["metrics"].(map[string]any); ok {
		for k, v := range nested {
			ev.Metrics[k] = v
		}
	} else {
		for k, v := range generic {
			if reserved[k] {
				continue
			}
			ev.Metrics[k] = v
		}
	}
	if dt, ok := generic["device_type"].(string); ok && dt != "" {
		ev.Metrics["device_type"] = dt
	}
	if len(ev.Metrics) == 0 {
		return nil, fmt.Errorf("%w: no metrics", ErrMalformedMessage)
	}
	return ev, nil
}

// parseSequence reads a sequence number without going through float64, which would merge
// distinct values above 2^53.
func parseSequence(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		if seq, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return seq, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return parseSequence(f)
	case uint64:
		return n, true
	case float64:
		if n >= 0 && n == math.Trunc(n) && n < math.MaxUint64 {
			return uint64(n), true
		}
	}
	return 0, false
}

// plainNumbers turns decoded json.Number values back into float64 metrics.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, inner := range t {
			t[k] = plainNumbers(inner)
		}
	case []any:
		for i, inner := range t {
			t[i] = plainNumbers(inner)
		}
	}
	return v
}

// ParseAck validates and decodes a JSON command acknowledgement.
func ParseAck(raw []byte, deviceHint string) (*CommandAck, error) {
	if err := validate(ackValidator, raw); err != nil {
		return nil, err
	}
	var body struct {
		CommandID string `json:"command_id"`
		DeviceID  string `json:"device_id"`
		Result    string `json:"result"`
		Detail    string `json:"detail"`
		At        any    `json:"at"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	ack := &CommandAck{
		CommandID: body.CommandID,
		DeviceID:  body.DeviceID,
		Result:    body.Result,
		Detail:    body.Detail,
	}
	if ack.DeviceID == "" {
		ack.DeviceID = deviceHint
	}
	if ts, ok := ParseTimestamp(body.At); ok {
		ack.At = ts
	}
	return ack, nil
}

// ParseTimestamp accepts RFC3339 strings, zone-less ISO strings and unix seconds.
func ParseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		sec, frac := math.Modf(ts)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}
