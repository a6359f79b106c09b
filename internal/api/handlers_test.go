package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/adapter"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/alerting"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/auth"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/command"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/edge"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/registry"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/router"
)

type testServer struct {
	data   http.Handler
	mgmt   http.Handler
	router *router.Router
}

func newTestServer(t *testing.T, authCfg auth.Config) *testServer {
	t.Helper()
	cfg := config.Default()
	logger := zap.NewNop()

	reg := registry.New(cfg.Registry, logger)
	engine := edge.NewEngine(cfg.Edge, logger)
	set := adapter.NewSet(adapter.NewHTTP(cfg.Adapters.HTTP), adapter.NewCoAP(cfg.Adapters.CoAP))
	alerter := alerting.NewAlerter(alerting.NewStore(100, 100), logger)
	rt := router.New(cfg.Router, set, reg, engine, alerter, logger)
	t.Cleanup(rt.Close)
	dispatcher := command.New(cfg.Commands, rt, logger)
	rt.SetAckHandler(dispatcher)

	h := NewAPIHandler(Deps{
		Router:     rt,
		Registry:   reg,
		Engine:     engine,
		Dispatcher: dispatcher,
		Alerts:     alerter.Store(),
		Auth:       auth.NewAuthManager(authCfg),
		Logger:     logger,
	})
	return &testServer{
		data:   SetupDataRouter(h),
		mgmt:   SetupManagementRouter(h, nil),
		router: rt,
	}
}

func (s *testServer) do(t *testing.T, handler http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.router.Drain(ctx))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestIngestStatusCodes(t *testing.T) {
	s := newTestServer(t, auth.Config{})

	rec := s.do(t, s.data, http.MethodPost, "/http/telemetry", `{"device_id":"d1","seq":1,"battery":90}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, s.data, http.MethodPost, "/ingest/http", `{"device_id":"d1","seq":1,"battery":90}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "duplicate", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, s.data, http.MethodPost, "/http/telemetry", `{not json`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "malformed", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, s.data, http.MethodPost, "/ingest/zigbee", `{"device_id":"d1","battery":90}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// no adapter configured for LoRaWAN in this server
	rec = s.do(t, s.data, http.MethodPost, "/lorawan/uplink", `{"dev_eui":"0011"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevicesAfterIngest(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	s.do(t, s.data, http.MethodPost, "/coap/telemetry", `{"device_id":"d2","battery":70,"lat":36.7,"lon":3.0}`)
	s.drain(t)

	rec := s.do(t, s.mgmt, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode[[]deviceView](t, rec)
	require.Len(t, devices, 1)
	assert.Equal(t, "d2", devices[0].ID)
	assert.True(t, devices[0].Online)
	assert.Equal(t, data.ProtocolCoAP, devices[0].LastProtocol)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "latest_telemetry")

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d2/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	hs := decode[data.HealthScore](t, rec)
	assert.Equal(t, "d2", hs.DeviceID)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/protocols", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), health["devices_count"])
}

func TestRegisterDevice(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	body := map[string]any{"device_type": "tracker", "capabilities": []string{"reboot"}}

	rec := s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1", map[string]any{"protocol": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandRoundTrip(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1", map[string]any{"capabilities": []string{"reboot"}})

	// never heard on any transport: no route, recorded as failed
	rec := s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1/commands", map[string]any{"command": "reboot"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	failed := decode[struct {
		Command data.Command `json:"command"`
	}](t, rec).Command
	assert.Equal(t, data.CommandFailed, failed.State)
	assert.Equal(t, "no route available", failed.FailureReason)

	s.do(t, s.data, http.MethodPost, "/http/telemetry", `{"device_id":"d1","battery":90}`)
	s.drain(t)

	rec = s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1/commands", map[string]any{"command": "reboot"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	sent := decode[data.Command](t, rec)
	assert.Equal(t, data.CommandSent, sent.State)
	assert.Equal(t, data.ProtocolHTTP, sent.Protocol)

	rec = s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1/commands", map[string]any{"command": "self_destruct"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, s.data, http.MethodGet, "/http/devices/d1/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	polled := decode[[]map[string]any](t, rec)
	require.Len(t, polled, 1)
	assert.Equal(t, sent.ID, polled[0]["command_id"])

	ack := map[string]any{"command_id": sent.ID, "device_id": "d1", "result": "ok"}
	rec = s.do(t, s.data, http.MethodPost, "/http/acks", ack)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/commands/"+sent.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data.CommandAcknowledged, decode[data.Command](t, rec).State)

	rec = s.do(t, s.mgmt, http.MethodDelete, "/api/devices/d1/commands/"+sent.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d2/commands/"+sent.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/commands", nil)
	assert.Len(t, decode[[]data.Command](t, rec), 3)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/commands/archive", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestConfigUpdateQueuesCommand(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	s.do(t, s.data, http.MethodPost, "/http/telemetry", `{"device_id":"d1","battery":90}`)
	s.drain(t)

	rec := s.do(t, s.mgmt, http.MethodPut, "/api/devices/d1/config", map[string]any{"telemetry_interval": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Config  map[string]any `json:"config"`
		Command data.Command   `json:"command"`
	}](t, rec)
	assert.Equal(t, float64(10), resp.Config["telemetry_interval"])
	assert.Equal(t, "config_update", resp.Command.Kind)
	assert.Equal(t, data.CommandSent, resp.Command.State)
}

func TestGeofenceEndpoints(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1", map[string]any{})

	rec := s.do(t, s.mgmt, http.MethodPut, "/api/devices/d1/geofence", map[string]any{"lat": 36.7, "lon": 3.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodPut, "/api/devices/d1/geofence",
		map[string]any{"name": "depot", "center": map[string]float64{"lat": 36.7, "lon": 3.0}, "radius_meters": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	fence := decode[data.Geofence](t, rec)
	assert.Equal(t, "depot", fence.Name)
	assert.Equal(t, data.BreachUnknown, fence.BreachState)
	assert.True(t, fence.AlertOnBreach)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/geofences", nil)
	assert.Len(t, decode[map[string]data.Geofence](t, rec), 1)

	rec = s.do(t, s.mgmt, http.MethodDelete, "/api/devices/d1/geofence", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/geofence", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodPut, "/api/devices/ghost/geofence",
		map[string]any{"lat": 1, "lon": 1, "radius_meters": 10})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, auth.Config{APIKeys: []string{"secret"}})

	rec := s.do(t, s.mgmt, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServicedAndInsights(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	for i := 0; i < 3; i++ {
		s.do(t, s.data, http.MethodPost, "/http/telemetry", map[string]any{"device_id": "d1", "seq": i, "battery": 90 - i})
	}
	s.drain(t)

	rec := s.do(t, s.mgmt, http.MethodPost, "/api/devices/d1/serviced", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/edge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode[map[string]any](t, rec)["telemetry_count"])

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/devices/d1/health/history", nil)
	assert.Len(t, decode[[]data.HealthScore](t, rec), 3)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/analytics/health-scores", nil)
	scores := decode[map[string]healthSummary](t, rec)
	require.Contains(t, scores, "d1")
	assert.NotNil(t, scores["d1"].HealthScore)

	rec = s.do(t, s.mgmt, http.MethodGet, "/api/edge/insights", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
