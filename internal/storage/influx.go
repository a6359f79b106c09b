package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const telemetryMeasurement = "telemetry"

// PointWriter is the non-blocking write API of an Influx client.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink writes accepted telemetry to an InfluxDB bucket.
type InfluxSink struct {
	client influxdb2.Client
	writer PointWriter
	logger *zap.Logger
}

// NewInfluxSink connects to url and checks the server's health before returning.
func NewInfluxSink(ctx context.Context, url, token, org, bucket string, logger *zap.Logger) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("influx health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(org, bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("Influx write failed", zap.Error(err))
		}
	}()
	logger.Info("Connected to InfluxDB", zap.String("url", url), zap.String("bucket", bucket))
	return &InfluxSink{client: client, writer: writeAPI, logger: logger}, nil
}

// NewInfluxSinkWithWriter wraps an existing writer.
func NewInfluxSinkWithWriter(w PointWriter, logger *zap.Logger) *InfluxSink {
	return &InfluxSink{writer: w, logger: logger}
}

func (s *InfluxSink) WriteTelemetry(ev data.TelemetryEvent) {
	p := TelemetryPoint(ev)
	if p == nil {
		return
	}
	s.writer.WritePoint(p)
}

func (s *InfluxSink) Close() {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

// TelemetryPoint renders ev as one point stamped with router time. Numeric, boolean and
// string metrics become fields; anything else is skipped. Events without fields yield nil.
func TelemetryPoint(ev data.TelemetryEvent) *write.Point {
	fields := make(map[string]interface{}, len(ev.Metrics))
	for _, name := range ev.MetricNames() {
		switch v := ev.Metrics[name].(type) {
		case bool:
			fields[name] = v
		case string:
			if f, ok := data.ToFloat(v); ok {
				fields[name] = f
			} else {
				fields[name] = v
			}
		default:
			if f, ok := data.ToFloat(v); ok {
				fields[name] = f
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if ev.SequenceNumber != nil {
		fields["sequence_number"] = int64(*ev.SequenceNumber)
	}
	tags := map[string]string{
		"device_id": ev.DeviceID,
		"protocol":  string(ev.SourceProtocol),
	}
	return influxdb2.NewPoint(telemetryMeasurement, tags, fields, ev.ReceivedAt)
}
