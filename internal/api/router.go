package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// SetupDataRouter serves device traffic: telemetry, acknowledgements and command polling.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/ingest/{protocol}", apiHandler.HandleIngest)
	r.Post("/http/telemetry", apiHandler.IngestFor(data.ProtocolHTTP))
	r.Post("/http/acks", apiHandler.IngestFor(data.ProtocolHTTP))
	r.Post("/coap/telemetry", apiHandler.IngestFor(data.ProtocolCoAP))
	r.Post("/coap/acks", apiHandler.IngestFor(data.ProtocolCoAP))
	r.Post("/lorawan/uplink", apiHandler.IngestFor(data.ProtocolLoRaWAN))
	r.Post("/opcua/report", apiHandler.IngestFor(data.ProtocolOPCUA))
	r.Post("/modbus/report", apiHandler.IngestFor(data.ProtocolModbus))
	r.Get("/{protocol}/devices/{deviceID}/commands", apiHandler.HandlePoll)

	return r
}

// SetupManagementRouter serves the query and management API and the live feed.
func SetupManagementRouter(apiHandler *APIHandler, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", apiHandler.HandleHealth)
	r.Post("/api/auth/login", apiHandler.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.Auth.Middleware)

		r.Get("/ws", apiHandler.HandleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/protocols", apiHandler.HandleProtocols)
			r.Get("/latest", apiHandler.HandleLatest)
			r.Get("/alerts", apiHandler.HandleAlerts)
			r.Get("/geofences", apiHandler.HandleListGeofences)
			r.Get("/edge/insights", apiHandler.HandleInsights)
			r.Get("/analytics/health-scores", apiHandler.HandleHealthScores)

			r.Get("/devices", apiHandler.HandleListDevices)
			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Get("/", apiHandler.HandleGetDevice)
				r.Post("/", apiHandler.HandleRegisterDevice)

				r.Get("/config", apiHandler.HandleGetConfig)
				r.Put("/config", apiHandler.HandleUpdateConfig)

				r.Get("/geofence", apiHandler.HandleGetGeofence)
				r.Put("/geofence", apiHandler.HandleSetGeofence)
				r.Post("/geofence", apiHandler.HandleSetGeofence)
				r.Delete("/geofence", apiHandler.HandleDeleteGeofence)

				r.Get("/commands", apiHandler.HandleListCommands)
				r.Post("/commands", apiHandler.HandleIssueCommand)
				r.Get("/commands/archive", apiHandler.HandleCommandArchive)
				r.Get("/commands/{commandID}", apiHandler.HandleGetCommand)
				r.Post("/commands/{commandID}/ack", apiHandler.HandleAckCommand)
				r.Delete("/commands/{commandID}", apiHandler.HandleCancelCommand)

				r.Get("/telemetry", apiHandler.HandleDeviceTelemetry)
				r.Get("/alerts", apiHandler.HandleDeviceAlerts)
				r.Get("/health", apiHandler.HandleDeviceHealth)
				r.Get("/health/history", apiHandler.HandleHealthHistory)
				r.Get("/edge", apiHandler.HandleDeviceEdge)
				r.Get("/maintenance", apiHandler.HandleMaintenance)
				r.Post("/serviced", apiHandler.HandleServiced)
			})
		})
	})

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
	}).Handler(r)
}
