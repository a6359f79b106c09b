package alerting

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func alertAt(device string, kind data.AlertKind, offset time.Duration) data.Alert {
	return data.NewAlert(device, kind, data.SeverityWarning, t0.Add(offset), string(kind), nil)
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	got  []data.Alert
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, a data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestStore(t *testing.T) {
	s := NewStore(3, 2)
	a1 := alertAt("d1", data.AlertAnomaly, 0)
	a2 := alertAt("d1", data.AlertAnomaly, time.Second)
	a3 := alertAt("d2", data.AlertGeofenceBreach, 2*time.Second)
	a4 := alertAt("d1", data.AlertMaintenance, 3*time.Second)
	s.Add(a1, a2, a3, a4)

	recent := s.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, a4.ID, recent[0].ID)
	assert.Equal(t, a2.ID, recent[2].ID)

	dev := s.ForDevice("d1", 10)
	require.Len(t, dev, 2)
	assert.Equal(t, a4.ID, dev[0].ID)
	assert.Empty(t, s.ForDevice("nobody", 10))

	latest := s.Latest("d1")
	require.Len(t, latest, 2)
	assert.Equal(t, a2.ID, latest[0].ID) // anomaly superseded by the newer one
	assert.Equal(t, a4.ID, latest[1].ID)

	assert.Equal(t, map[data.AlertKind]int{
		data.AlertAnomaly: 1, data.AlertGeofenceBreach: 1, data.AlertMaintenance: 1,
	}, s.Counts())
}

func TestAlerterFansOut(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	broken := &recordingSink{name: "broken", err: errors.New("down")}
	a := NewAlerter(NewStore(10, 10), zap.NewNop(), ok)
	a.AddSink(broken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Publish(alertAt("d1", data.AlertAnomaly, 0), alertAt("d1", data.AlertHealthCritical, time.Second))
	assert.Len(t, a.Store().ForDevice("d1", 10), 2)

	require.Eventually(t, func() bool { return ok.count() == 2 && broken.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), a.Failed())
	cancel()
	<-done
}

func TestAlerterFlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{name: "s"}
	a := NewAlerter(NewStore(10, 10), zap.NewNop(), sink)
	a.Publish(alertAt("d1", data.AlertAnomaly, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)
	assert.Equal(t, 1, sink.count())
}

func TestAlerterWaitCoversStartedLoop(t *testing.T) {
	sink := &recordingSink{name: "s"}
	a := NewAlerter(NewStore(10, 10), zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()
	a.Wait()
	a.Publish(alertAt("d1", data.AlertAnomaly, 0))
	assert.Equal(t, 0, sink.count())
}

func TestAlerterDeliversAlertsRaisedBeforeStop(t *testing.T) {
	sink := &recordingSink{name: "s"}
	a := NewAlerter(NewStore(10, 10), zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	// alerts published while upstream work drains, before the loop is told to stop
	a.Publish(alertAt("d1", data.AlertAnomaly, 0), alertAt("d2", data.AlertMaintenance, time.Second))
	cancel()
	a.Wait()
	assert.Equal(t, 2, sink.count())
}

func TestAlerterDropsWhenQueueFull(t *testing.T) {
	a := NewAlerter(NewStore(10, 10), zap.NewNop())
	for i := 0; i < defaultQueueSize+5; i++ {
		a.Publish(alertAt("d1", data.AlertAnomaly, time.Duration(i)))
	}
	assert.Equal(t, uint64(5), a.Dropped())
	// the store still holds what it can
	assert.Len(t, a.Store().Recent(0), 10)
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var received data.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alert := alertAt("d7", data.AlertGeofenceBreach, 0)
	sink := NewWebhookSink(srv.URL, time.Second)
	require.NoError(t, sink.Send(context.Background(), alert))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, alert.ID, received.ID)
	assert.Equal(t, "d7", received.DeviceID)
}

func TestWebhookSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, time.Second).Send(context.Background(), alertAt("d1", data.AlertAnomaly, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type fakeStreamer struct {
	args []*redis.XAddArgs
}

func (f *fakeStreamer) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func TestRedisSink(t *testing.T) {
	fs := &fakeStreamer{}
	sink := NewRedisSink(fs, "gateway:alerts:stream")
	alert := alertAt("d3", data.AlertMaintenance, 0)
	require.NoError(t, sink.Send(context.Background(), alert))

	require.Len(t, fs.args, 1)
	args := fs.args[0]
	assert.Equal(t, "gateway:alerts:stream", args.Stream)
	assert.True(t, args.Approx)
	values := args.Values.(map[string]interface{})
	assert.Equal(t, alert.ID, values["alert_id"])
	assert.Equal(t, "maintenance", values["kind"])

	var decoded data.Alert
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
}
