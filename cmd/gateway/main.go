// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/adapter"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/alerting"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/api"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/auth"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/command"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/edge"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/logger"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/registry"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/router"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/websocket"
)

const (
	alertHistory          = 1000
	alertHistoryPerDevice = 100
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Error loading %s: %v", *envFile, err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service)
	if err != nil {
		log.Fatalf("Error building logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	adapters, mqttAdapter, mqttClient, err := buildAdapters(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to build protocol adapters", zap.Error(err))
	}

	reg := registry.New(cfg.Registry, zlog)
	engine := edge.NewEngine(cfg.Edge, zlog)
	hub := websocket.NewHub(zlog)
	alerter := alerting.NewAlerter(alerting.NewStore(alertHistory, alertHistoryPerDevice), zlog, hub)

	rt := router.New(cfg.Router, adapters, reg, engine, alerter, zlog)
	rt.AddSink(hub)
	rt.AddSink(router.TelemetrySinkFunc(func(ev data.TelemetryEvent) {
		if insight, ok := engine.Insight(ev.DeviceID); ok {
			hub.BroadcastInsight(insight)
		}
	}))

	dispatcher := command.New(cfg.Commands, rt, zlog).WithStrict(cfg.Debug)
	rt.SetAckHandler(dispatcher)

	deps := api.Deps{
		Router:     rt,
		Registry:   reg,
		Engine:     engine,
		Dispatcher: dispatcher,
		Alerts:     alerter.Store(),
		Hub:        hub,
		Auth:       auth.NewAuthManager(cfg.Auth),
		Logger:     zlog,
	}
	closers := wireSinks(ctx, cfg, zlog, rt, alerter, dispatcher, &deps)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if mqttAdapter != nil {
		err := mqttAdapter.Start(func(in data.Inbound) error {
			_, err := rt.Dispatch(in)
			return err
		})
		if err != nil {
			zlog.Fatal("Failed to subscribe to MQTT topics", zap.Error(err))
		}
	}

	// --- Start background loops ---
	go hub.Run(ctx)
	go reg.Run(ctx)
	go dispatcher.Run(ctx)
	// cancelled only after rt.Close, so alerts raised by drained events still reach the sinks
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	defer stopAlerts()
	alerter.Start(alertCtx)

	// --- Setup HTTP Servers ---
	apiHandler := api.NewAPIHandler(deps)
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupManagementRouter(apiHandler, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("Starting data ingestion server", zap.Int("port", cfg.Server.DataPort))
		if err := dataServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Data server failed", zap.Error(err))
		}
	}()
	go func() {
		zlog.Info("Starting management & WebSocket server", zap.Int("port", cfg.Server.UIPort))
		if err := uiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Management server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zlog.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := dataServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Data server shutdown", zap.Error(err))
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if err := rt.Drain(shutdownCtx); err != nil {
		zlog.Warn("Router did not drain before the deadline", zap.Error(err))
	}
	rt.Close()
	if err := uiServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Management server shutdown", zap.Error(err))
	}
	stopAlerts()
	alerter.Wait()
	zlog.Info("Gateway stopped", zap.Any("router", rt.Stats()))
}

// buildAdapters creates every enabled transport. MQTT is only returned when the broker
// connection succeeds.
func buildAdapters(cfg *config.Config, zlog *zap.Logger) (*adapter.Set, *adapter.MQTT, *adapter.PahoClient, error) {
	var (
		list        []adapter.Adapter
		mqttAdapter *adapter.MQTT
		mqttClient  *adapter.PahoClient
	)
	ac := cfg.Adapters
	if ac.MQTT.Enabled {
		client, err := adapter.Connect(ac.MQTT, zlog)
		if err != nil {
			return nil, nil, nil, err
		}
		mqttClient = client
		mqttAdapter = adapter.NewMQTT(ac.MQTT, client, zlog)
		list = append(list, mqttAdapter)
	}
	if ac.HTTP.Enabled {
		list = append(list, adapter.NewHTTP(ac.HTTP))
	}
	if ac.CoAP.Enabled {
		list = append(list, adapter.NewCoAP(ac.CoAP))
	}
	if ac.OPCUA.Enabled {
		list = append(list, adapter.NewOPCUA(ac.OPCUA))
	}
	if ac.Modbus.Enabled {
		m, err := adapter.NewModbus(ac.Modbus)
		if err != nil {
			return nil, nil, nil, err
		}
		list = append(list, m)
	}
	if ac.LoRaWAN.Enabled {
		list = append(list, adapter.NewLoRaWAN(ac.LoRaWAN))
	}
	return adapter.NewSet(list...), mqttAdapter, mqttClient, nil
}

// wireSinks connects the optional durable and outbound sinks. A sink that cannot be reached
// at startup is skipped; the gateway runs without it.
func wireSinks(ctx context.Context, cfg *config.Config, zlog *zap.Logger, rt *router.Router,
	alerter *alerting.Alerter, dispatcher *command.Dispatcher, deps *api.Deps) []func() {
	var closers []func()
	sinks := cfg.Sinks

	if sinks.Postgres.Enabled {
		db, err := storage.OpenPostgres(ctx, sinks.Postgres.DSN, sinks.Postgres.MaxConns)
		if err != nil {
			zlog.Error("Postgres unavailable, commands and alerts will not be persisted", zap.Error(err))
		} else {
			repo := storage.NewRepository(db, zlog)
			if err := repo.Migrate(ctx); err != nil {
				zlog.Error("Postgres migration failed", zap.Error(err))
			}
			dispatcher.WithStore(repo)
			alerter.AddSink(repo)
			deps.Archive = repo
			closers = append(closers, func() { db.Close() })
		}
	}

	if sinks.Influx.Enabled {
		influx, err := storage.NewInfluxSink(ctx, sinks.Influx.URL, sinks.Influx.Token, sinks.Influx.Org, sinks.Influx.Bucket, zlog)
		if err != nil {
			zlog.Error("InfluxDB unavailable, telemetry will not be archived", zap.Error(err))
		} else {
			rt.AddSink(influx)
			closers = append(closers, influx.Close)
		}
	}

	if sinks.Redis.Enabled {
		client, err := alerting.NewRedisClient(ctx, sinks.Redis.Addr, sinks.Redis.Password, sinks.Redis.DB)
		if err != nil {
			zlog.Error("Redis unavailable, alerts will not be streamed", zap.Error(err))
		} else {
			alerter.AddSink(alerting.NewRedisSink(client, sinks.Redis.Stream))
			closers = append(closers, func() { client.Close() })
		}
	}

	if sinks.Webhook.Enabled && sinks.Webhook.URL != "" {
		alerter.AddSink(alerting.NewWebhookSink(sinks.Webhook.URL, sinks.Webhook.Timeout))
	}
	return closers
}
