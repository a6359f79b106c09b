// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/auth"
)

type Config struct {
	Debug bool `mapstructure:"debug"` // contract violations panic instead of being logged

	Server struct {
		DataPort        int           `mapstructure:"data_port"`
		UIPort          int           `mapstructure:"ui_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
	} `mapstructure:"server"`

	Log struct {
		Level   string `mapstructure:"level"`
		Format  string `mapstructure:"format"`
		Service string `mapstructure:"service"`
	} `mapstructure:"log"`

	Router   RouterConfig   `mapstructure:"router"`
	Registry RegistryConfig `mapstructure:"registry"`
	Edge     EdgeConfig     `mapstructure:"edge"`
	Geofence GeofenceConfig `mapstructure:"geofence"`
	Commands CommandConfig  `mapstructure:"commands"`
	Adapters AdapterConfig  `mapstructure:"adapters"`
	Sinks    SinkConfig     `mapstructure:"sinks"`
	Auth     auth.Config    `mapstructure:"auth"`
}

type RouterConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`    // per-device pipeline queue
	DedupeWindow time.Duration `mapstructure:"dedupe_window"` // hash dedupe when no sequence number
	SeqMemory    int           `mapstructure:"seq_memory"`    // recent sequence numbers kept per device
	HistorySize  int           `mapstructure:"history_size"`  // telemetry events kept per device
}

type RegistryConfig struct {
	InactiveAfter time.Duration `mapstructure:"inactive_after"`
	OnlineWindow  time.Duration `mapstructure:"online_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type EdgeConfig struct {
	WindowSize  int               `mapstructure:"window_size"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Compression CompressionConfig `mapstructure:"compression"`
	Health      HealthConfig      `mapstructure:"health"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type AnomalyConfig struct {
	Threshold      float64         `mapstructure:"threshold"` // multiples of the rolling stddev
	WarmupSamples  int             `mapstructure:"warmup_samples"`
	MinStdDev      float64         `mapstructure:"min_stddev"`
	ExcludeMetrics []string        `mapstructure:"exclude_metrics"`
	Rules          map[string]Rule `mapstructure:"rules"`
}

type Rule struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type CompressionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Epsilon  float64       `mapstructure:"epsilon"`
	Interval time.Duration `mapstructure:"interval"`
}

type HealthConfig struct {
	AnomalyWeight     float64  `mapstructure:"anomaly_weight"`
	BatteryWeight     float64  `mapstructure:"battery_weight"`
	RegularityWeight  float64  `mapstructure:"regularity_weight"`
	FaultWeight       float64  `mapstructure:"fault_weight"`
	BatteryMetric     string   `mapstructure:"battery_metric"`
	BatterySlopeScale float64  `mapstructure:"battery_slope_scale"` // %/sample drop that zeroes the trend factor
	FaultMetrics      []string `mapstructure:"fault_metrics"`
	CriticalThreshold float64  `mapstructure:"critical_threshold"`
	CriticalMargin    float64  `mapstructure:"critical_margin"`
	HistorySize       int      `mapstructure:"history_size"`
}

type MaintenanceConfig struct {
	Threshold      time.Duration `mapstructure:"threshold"`
	Hysteresis     float64       `mapstructure:"hysteresis"` // fraction above threshold needed to re-arm
	BatteryFloor   float64       `mapstructure:"battery_floor"`
	MinSamples     int           `mapstructure:"min_samples"`
	HealthCritical float64       `mapstructure:"health_critical"`
}

type GeofenceConfig struct {
	AlertOnReturn bool `mapstructure:"alert_on_return"`
}

type CommandConfig struct {
	DefaultTimeout time.Duration            `mapstructure:"default_timeout"`
	KindTimeouts   map[string]time.Duration `mapstructure:"kind_timeouts"`
	SweepInterval  time.Duration            `mapstructure:"sweep_interval"`
}

type AdapterConfig struct {
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	HTTP    OutboxConfig  `mapstructure:"http"`
	CoAP    OutboxConfig  `mapstructure:"coap"`
	OPCUA   OPCUAConfig   `mapstructure:"opcua"`
	Modbus  ModbusConfig  `mapstructure:"modbus"`
	LoRaWAN LoRaWANConfig `mapstructure:"lorawan"`
}

type MQTTConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	QoS             byte          `mapstructure:"qos"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	ReachableWindow time.Duration `mapstructure:"reachable_window"`
}

type OutboxConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	OutboxSize      int           `mapstructure:"outbox_size"`
	ReachableWindow time.Duration `mapstructure:"reachable_window"`
}

type OPCUAConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	Endpoint        string            `mapstructure:"endpoint"`
	NodeMap         map[string]string `mapstructure:"node_map"` // node id -> metric
	ReachableWindow time.Duration     `mapstructure:"reachable_window"`
}

type ModbusConfig struct {
	Enabled         bool                      `mapstructure:"enabled"`
	Endpoint        string                    `mapstructure:"endpoint"`
	Registers       map[string]ModbusRegister `mapstructure:"registers"` // address -> mapping
	ReachableWindow time.Duration             `mapstructure:"reachable_window"`
}

type ModbusRegister struct {
	Metric string  `mapstructure:"metric"`
	Scale  float64 `mapstructure:"scale"`
	Signed bool    `mapstructure:"signed"`
}

type LoRaWANConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	FPort           int           `mapstructure:"f_port"`
	ReachableWindow time.Duration `mapstructure:"reachable_window"`
}

type SinkConfig struct {
	Postgres struct {
		Enabled  bool   `mapstructure:"enabled"`
		DSN      string `mapstructure:"dsn"`
		MaxConns int    `mapstructure:"max_conns"`
	} `mapstructure:"postgres"`
	Influx struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Token   string `mapstructure:"token"`
		Org     string `mapstructure:"org"`
		Bucket  string `mapstructure:"bucket"`
	} `mapstructure:"influx"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Stream   string `mapstructure:"stream"`
	} `mapstructure:"redis"`
	Webhook struct {
		Enabled bool          `mapstructure:"enabled"`
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"webhook"`
}

// LoadConfig reads config.yaml from path (if present), then GATEWAY_* environment variables.
// A missing file is not an error: defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "iot-gateway")

	v.SetDefault("router.queue_size", 256)
	v.SetDefault("router.dedupe_window", "5s")
	v.SetDefault("router.seq_memory", 1024)
	v.SetDefault("router.history_size", 500)

	v.SetDefault("registry.inactive_after", "15m")
	v.SetDefault("registry.online_window", "5m")
	v.SetDefault("registry.sweep_interval", "1m")

	v.SetDefault("edge.window_size", 50)
	v.SetDefault("edge.anomaly.threshold", 3.0)
	v.SetDefault("edge.anomaly.warmup_samples", 10)
	v.SetDefault("edge.anomaly.min_stddev", 0.01)
	v.SetDefault("edge.anomaly.exclude_metrics", []string{"lat", "lon", "latitude", "longitude", "seq"})
	v.SetDefault("edge.compression.enabled", true)
	v.SetDefault("edge.compression.epsilon", 0.5)
	v.SetDefault("edge.compression.interval", "30s")
	v.SetDefault("edge.health.anomaly_weight", 0.25)
	v.SetDefault("edge.health.battery_weight", 0.35)
	v.SetDefault("edge.health.regularity_weight", 0.15)
	v.SetDefault("edge.health.fault_weight", 0.25)
	v.SetDefault("edge.health.battery_metric", "battery")
	v.SetDefault("edge.health.battery_slope_scale", 5.0)
	v.SetDefault("edge.health.fault_metrics", []string{"fault", "error", "status"})
	v.SetDefault("edge.health.critical_threshold", 30.0)
	v.SetDefault("edge.health.critical_margin", 5.0)
	v.SetDefault("edge.health.history_size", 100)
	v.SetDefault("edge.maintenance.threshold", "72h")
	v.SetDefault("edge.maintenance.hysteresis", 0.2)
	v.SetDefault("edge.maintenance.battery_floor", 10.0)
	v.SetDefault("edge.maintenance.min_samples", 5)
	v.SetDefault("edge.maintenance.health_critical", 30.0)

	v.SetDefault("geofence.alert_on_return", true)

	v.SetDefault("commands.default_timeout", "30s")
	v.SetDefault("commands.kind_timeouts", map[string]string{"config_update": "2m", "firmware_update": "30m"})
	v.SetDefault("commands.sweep_interval", "1s")

	v.SetDefault("adapters.mqtt.enabled", false)
	v.SetDefault("adapters.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("adapters.mqtt.client_id", "iot-gateway")
	v.SetDefault("adapters.mqtt.qos", 1)
	v.SetDefault("adapters.mqtt.topic_prefix", "fleet")
	v.SetDefault("adapters.mqtt.reachable_window", "5m")
	v.SetDefault("adapters.http.enabled", true)
	v.SetDefault("adapters.http.outbox_size", 32)
	v.SetDefault("adapters.http.reachable_window", "5m")
	v.SetDefault("adapters.coap.enabled", true)
	v.SetDefault("adapters.coap.outbox_size", 32)
	v.SetDefault("adapters.coap.reachable_window", "5m")
	v.SetDefault("adapters.opcua.enabled", true)
	v.SetDefault("adapters.opcua.endpoint", "opc.tcp://localhost:4840")
	v.SetDefault("adapters.opcua.reachable_window", "5m")
	v.SetDefault("adapters.modbus.enabled", true)
	v.SetDefault("adapters.modbus.endpoint", "localhost:5020")
	v.SetDefault("adapters.modbus.reachable_window", "5m")
	v.SetDefault("adapters.modbus.registers", map[string]any{
		"40001": map[string]any{"metric": "temperature", "scale": 0.1, "signed": true},
		"40002": map[string]any{"metric": "battery", "scale": 1.0},
	})
	v.SetDefault("adapters.lorawan.enabled", true)
	v.SetDefault("adapters.lorawan.f_port", 10)
	v.SetDefault("adapters.lorawan.reachable_window", "1h")

	v.SetDefault("sinks.postgres.max_conns", 10)
	v.SetDefault("sinks.influx.bucket", "telemetry")
	v.SetDefault("sinks.redis.addr", "localhost:6379")
	v.SetDefault("sinks.redis.stream", "gateway:alerts:stream")
	v.SetDefault("sinks.webhook.timeout", "5s")

	v.SetDefault("auth.jwt_expiration", 60)
}
