package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/alerting"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/auth"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/command"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/edge"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/registry"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/router"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/websocket"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CommandArchive reads persisted command history.
type CommandArchive interface {
	Commands(ctx context.Context, deviceID string, limit int) ([]data.Command, error)
}

// Deps are the components the HTTP surface reads from and writes to.
type Deps struct {
	Router     *router.Router
	Registry   *registry.Registry
	Engine     *edge.Engine
	Dispatcher *command.Dispatcher
	Alerts     *alerting.Store
	Hub        *websocket.Hub
	Auth       *auth.AuthManager
	Archive    CommandArchive
	Logger     *zap.Logger
}

type APIHandler struct {
	Deps
	started time.Time
	clock   func() time.Time
}

func NewAPIHandler(deps Deps) *APIHandler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &APIHandler{Deps: deps, started: time.Now(), clock: time.Now}
}

type deviceView struct {
	data.Device
	Online bool `json:"online"`
}

func (h *APIHandler) view(d data.Device) deviceView {
	return deviceView{Device: d, Online: h.Registry.Online(d, h.clock())}
}

// HandleHealth reports liveness plus a summary of the gateway's state.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	devices := h.Registry.List()
	online := 0
	for _, d := range devices {
		if h.Registry.Online(d, h.clock()) {
			online++
		}
	}
	resp := map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"devices_count":   len(devices),
		"online_devices":  online,
		"geofences_count": len(h.Registry.Geofences()),
		"edge_devices":    len(h.Engine.Insights()),
		"router":          h.Router.Stats(),
		"commands":        h.Dispatcher.Counts(),
		"protocols":       h.Router.Adapters().Protocols(),
	}
	if h.Hub != nil {
		resp["websocket_clients"] = h.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleProtocols lists the supported transports and how many devices were last heard on each.
func (h *APIHandler) HandleProtocols(w http.ResponseWriter, r *http.Request) {
	counts := make(map[data.Protocol]int)
	for _, d := range h.Registry.List() {
		if d.LastProtocol != "" {
			counts[d.LastProtocol]++
		}
	}
	enabled := make(map[data.Protocol]bool)
	for _, p := range h.Router.Adapters().Protocols() {
		enabled[p] = true
	}
	type protocolView struct {
		Protocol data.Protocol `json:"protocol"`
		Enabled  bool          `json:"enabled"`
		Devices  int           `json:"devices"`
	}
	out := make([]protocolView, 0, len(data.Protocols))
	for _, p := range data.Protocols {
		out = append(out, protocolView{Protocol: p, Enabled: enabled[p], Devices: counts[p]})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"supported_protocols": data.Protocols,
		"protocols":           out,
		"endpoints": map[data.Protocol]string{
			data.ProtocolMQTT:    "publish to fleet/<device_id>/telemetry",
			data.ProtocolHTTP:    "POST /http/telemetry",
			data.ProtocolCoAP:    "POST /coap/telemetry",
			data.ProtocolOPCUA:   "POST /opcua/report",
			data.ProtocolModbus:  "POST /modbus/report",
			data.ProtocolLoRaWAN: "POST /lorawan/uplink",
		},
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, err := h.Auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.Auth.GenerateJWT(req.Username, role)
	if err != nil {
		h.Logger.Error("Failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": role})
}

// ---- devices ----

func (h *APIHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.Registry.List()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.view(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"device": h.view(d)}
	if hs, ok := h.Engine.Health(d.ID); ok {
		resp["health"] = hs
	}
	if recent := h.Router.History(d.ID, 1); len(recent) > 0 {
		resp["latest_telemetry"] = recent[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Protocol != "" && !req.Protocol.Valid() {
		writeError(w, http.StatusBadRequest, "unknown protocol "+string(req.Protocol))
		return
	}
	d, created := h.Registry.Register(chi.URLParam(r, "deviceID"), req)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.view(d))
}

func (h *APIHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": d.ID, "config": d.Config})
}

// HandleUpdateConfig merges the fields into the device config and queues a config_update
// command carrying them.
func (h *APIHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	var fields map[string]any
	if !decodeBody(w, r, &fields) {
		return
	}
	d, err := h.Registry.UpdateConfig(data.DeviceConfigPatch{DeviceID: id, Fields: fields})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"device_id": d.ID, "config": d.Config}
	cmd, err := h.Dispatcher.Issue(r.Context(), command.IssueRequest{DeviceID: id, Kind: "config_update", Payload: fields})
	resp["command"] = cmd
	if err != nil {
		resp["command_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) HandleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Router.History(d.ID, queryInt(r, "limit", defaultLimit)))
}

func (h *APIHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	latest := h.Router.Latest()
	sort.Slice(latest, func(i, j int) bool { return latest[i].DeviceID < latest[j].DeviceID })
	writeJSON(w, http.StatusOK, latest)
}

// ---- geofences ----

type geofenceRequest struct {
	Name          string         `json:"name"`
	Center        *data.Position `json:"center"`
	Lat           *float64       `json:"lat"`
	Lon           *float64       `json:"lon"`
	RadiusMeters  float64        `json:"radius_meters"`
	AlertOnBreach *bool          `json:"alert_on_breach"`
	AlertOnReturn *bool          `json:"alert_on_return"`
}

func (req geofenceRequest) fence() (data.Geofence, error) {
	var center data.Position
	switch {
	case req.Center != nil:
		center = *req.Center
	case req.Lat != nil && req.Lon != nil:
		center = data.Position{Lat: *req.Lat, Lon: *req.Lon}
	default:
		return data.Geofence{}, errors.New("center (or lat and lon) required")
	}
	if center.Lat < -90 || center.Lat > 90 || center.Lon < -180 || center.Lon > 180 {
		return data.Geofence{}, errors.New("center out of range")
	}
	if req.RadiusMeters <= 0 {
		return data.Geofence{}, errors.New("radius_meters must be positive")
	}
	g := data.Geofence{
		Name:          req.Name,
		Center:        center,
		RadiusMeters:  req.RadiusMeters,
		AlertOnBreach: true,
		AlertOnReturn: true,
	}
	if req.AlertOnBreach != nil {
		g.AlertOnBreach = *req.AlertOnBreach
	}
	if req.AlertOnReturn != nil {
		g.AlertOnReturn = *req.AlertOnReturn
	}
	return g, nil
}

func (h *APIHandler) HandleGetGeofence(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if d.Geofence == nil {
		writeError(w, http.StatusNotFound, "no geofence for device "+d.ID)
		return
	}
	writeJSON(w, http.StatusOK, d.Geofence)
}

func (h *APIHandler) HandleSetGeofence(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fence, err := req.fence()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.Registry.SetGeofence(chi.URLParam(r, "deviceID"), fence)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Geofence)
}

func (h *APIHandler) HandleDeleteGeofence(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.RemoveGeofence(chi.URLParam(r, "deviceID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleListGeofences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Geofences())
}

// ---- commands ----

type issueRequest struct {
	Command        string         `json:"command"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
}

func (h *APIHandler) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.List(chi.URLParam(r, "deviceID")))
}

// HandleIssueCommand routes a new command. A command with no route is still recorded and
// returned, as failed, with 503.
func (h *APIHandler) HandleIssueCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.Dispatcher.Issue(r.Context(), command.IssueRequest{
		DeviceID: d.ID,
		Kind:     req.Command,
		Payload:  req.Payload,
		Timeout:  time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, cmd)
	case errors.Is(err, data.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "command": cmd})
	}
}

func (h *APIHandler) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.command(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type ackRequest struct {
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// HandleAckCommand lets an operator or a bridge acknowledge on the device's behalf.
func (h *APIHandler) HandleAckCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.command(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.Dispatcher.Acknowledge(data.CommandAck{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Result:    req.Result,
		Detail:    req.Detail,
		At:        h.clock(),
	})
	updated, _ := h.Dispatcher.Get(cmd.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) HandleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.command(w, r)
	if !ok {
		return
	}
	updated, cancelled, err := h.Dispatcher.Cancel(r.Context(), cmd.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "command": updated})
}

func (h *APIHandler) HandleCommandArchive(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeError(w, http.StatusNotImplemented, "command archive not configured")
		return
	}
	cmds, err := h.Archive.Commands(r.Context(), chi.URLParam(r, "deviceID"), queryInt(r, "limit", defaultLimit))
	if err != nil {
		h.Logger.Error("Failed to read command archive", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// ---- edge ----

func (h *APIHandler) HandleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	hs, ok := h.Engine.Health(d.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no health score yet for device "+d.ID)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (h *APIHandler) HandleHealthHistory(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.HealthHistory(d.ID, queryInt(r, "limit", defaultLimit)))
}

func (h *APIHandler) HandleDeviceEdge(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	insight, _ := h.Engine.Insight(d.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":       d.ID,
		"edge_insights":   insight,
		"telemetry_count": len(h.Router.History(d.ID, 0)),
		"anomaly_history": filterKind(h.Alerts.ForDevice(d.ID, 0), data.AlertAnomaly),
	})
}

func (h *APIHandler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	insight, _ := h.Engine.Insight(d.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":              d.ID,
		"predictive_maintenance": insight.Maintenance,
		"health":                 insight.Health,
	})
}

func (h *APIHandler) HandleServiced(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	h.Engine.Serviced(d.ID)
	h.Logger.Info("Device marked serviced", zap.String("device_id", d.ID), zap.String("by", auth.Username(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleInsights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Insights())
}

type healthSummary struct {
	HealthScore     *float64   `json:"health_score"`
	MaintenanceDate *time.Time `json:"maintenance_date"`
	Online          bool       `json:"online"`
}

// HandleHealthScores maps every device to its current score and predicted maintenance date.
func (h *APIHandler) HandleHealthScores(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]healthSummary)
	for _, d := range h.Registry.List() {
		s := healthSummary{Online: h.Registry.Online(d, h.clock())}
		if insight, ok := h.Engine.Insight(d.ID); ok {
			if insight.Health != nil {
				score := insight.Health.Score
				s.HealthScore = &score
			}
			if m := insight.Maintenance; m != nil && m.HoursToMaintenance >= 0 {
				at := m.PredictedAt
				s.MaintenanceDate = &at
			}
		}
		out[d.ID] = s
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- alerts ----

func (h *APIHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLimit)
	if id := r.URL.Query().Get("device_id"); id != "" {
		writeJSON(w, http.StatusOK, h.Alerts.ForDevice(id, limit))
		return
	}
	writeJSON(w, http.StatusOK, h.Alerts.Recent(limit))
}

func (h *APIHandler) HandleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"latest":    h.Alerts.Latest(id),
		"recent":    h.Alerts.ForDevice(id, queryInt(r, "limit", defaultLimit)),
	})
}

// ---- live feed ----

// HandleWebSocket upgrades connections and registers clients with the hub
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}
	client := websocket.NewClient(h.Hub, conn)
	if !h.Hub.RegisterClient(client) {
		conn.Close()
		return
	}

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump() // Must run ReadPump to handle control messages (close, pong)

	h.sendInitialData(client)
}

// sendInitialData queues the latest event of every device and recent alerts for a new client.
func (h *APIHandler) sendInitialData(client *websocket.Client) {
	history, err := websocket.Encode(websocket.TypeHistory, map[string]any{
		"latest": h.Router.Latest(),
		"alerts": h.Alerts.Recent(50),
	})
	if err != nil {
		h.Logger.Error("Error marshalling history data", zap.Error(err))
		return
	}
	select {
	case client.Send <- history:
	default:
	}
}

// ---- helpers ----

func (h *APIHandler) device(w http.ResponseWriter, r *http.Request) (data.Device, bool) {
	d, err := h.Registry.Get(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeDomainError(w, err)
		return data.Device{}, false
	}
	return d, true
}

func (h *APIHandler) command(w http.ResponseWriter, r *http.Request) (data.Command, bool) {
	cmd, err := h.Dispatcher.Get(chi.URLParam(r, "commandID"))
	if err == nil && cmd.DeviceID != chi.URLParam(r, "deviceID") {
		err = data.ErrNotFound
	}
	if err != nil {
		writeDomainError(w, err)
		return data.Command{}, false
	}
	return cmd, true
}

func filterKind(alerts []data.Alert, kind data.AlertKind) []data.Alert {
	out := make([]data.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors to status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, data.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, data.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, data.ErrTransientOverload), errors.Is(err, data.ErrNoRouteAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, data.ErrUnknownProtocol):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
