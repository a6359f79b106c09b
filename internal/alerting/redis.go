package alerting

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const defaultStreamMaxLen = 10000

// Streamer is the part of a Redis client the stream sink needs.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends alerts to a Redis stream for downstream consumers.
type RedisSink struct {
	client Streamer
	stream string
	maxLen int64
}

func NewRedisSink(client Streamer, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, alert data.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"alert_id":  alert.ID,
			"device_id": alert.DeviceID,
			"kind":      string(alert.Kind),
			"severity":  alert.Severity,
			"data":      string(payload),
			"timestamp": alert.CreatedAt.Unix(),
		},
	}).Err()
}
