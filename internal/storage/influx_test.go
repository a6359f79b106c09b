package storage

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

type fakeWriter struct {
	points  []*write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushed++ }

func fieldMap(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestTelemetryPoint(t *testing.T) {
	seq := uint64(42)
	received := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := data.TelemetryEvent{
		DeviceID:       "d1",
		ReceivedAt:     received,
		Timestamp:      received.Add(-time.Hour),
		SourceProtocol: data.ProtocolLoRaWAN,
		SequenceNumber: &seq,
		Metrics: map[string]any{
			"battery": 81,
			"moving":  true,
			"mode":    "eco",
			"temp":    "21.5",
			"nested":  map[string]any{"x": 1},
		},
	}

	p := TelemetryPoint(ev)
	require.NotNil(t, p)
	assert.Equal(t, "telemetry", p.Name())
	assert.Equal(t, received, p.Time())
	assert.Equal(t, map[string]string{"device_id": "d1", "protocol": "lorawan"}, tagMap(p))

	fields := fieldMap(p)
	assert.Equal(t, 81.0, fields["battery"])
	assert.Equal(t, true, fields["moving"])
	assert.Equal(t, "eco", fields["mode"])
	assert.Equal(t, 21.5, fields["temp"])
	assert.Equal(t, int64(42), fields["sequence_number"])
	assert.NotContains(t, fields, "nested")
}

func TestTelemetryPointWithoutFields(t *testing.T) {
	assert.Nil(t, TelemetryPoint(data.TelemetryEvent{DeviceID: "d1", Metrics: map[string]any{"x": []int{1}}}))
}

func TestInfluxSinkWrites(t *testing.T) {
	w := &fakeWriter{}
	sink := NewInfluxSinkWithWriter(w, zap.NewNop())
	sink.WriteTelemetry(data.TelemetryEvent{DeviceID: "d1", Metrics: map[string]any{"battery": 50.0}})
	sink.WriteTelemetry(data.TelemetryEvent{DeviceID: "d1"})
	sink.Close()

	assert.Len(t, w.points, 1)
	assert.Equal(t, 1, w.flushed)
}
