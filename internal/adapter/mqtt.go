package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// MessageHandler receives raw messages from a subscription.
type MessageHandler func(topic string, payload []byte)

// Broker is the slice of an MQTT client the adapter needs.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	IsConnected() bool
}

// PahoClient wraps an eclipse/paho client.
type PahoClient struct {
	client mqtt.Client
}

// Connect dials the broker and blocks until the first connection attempt completes.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*PahoClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &PahoClient{client: client}, nil
}

func (c *PahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *PahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *PahoClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *PahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// MQTT adapter: telemetry on {prefix}/{id}/telemetry, acknowledgements on {prefix}/{id}/acks,
// commands published to {prefix}/{id}/commands.
type MQTT struct {
	cfg      config.MQTTConfig
	broker   Broker
	presence *presence
	logger   *zap.Logger
}

func NewMQTT(cfg config.MQTTConfig, broker Broker, logger *zap.Logger) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fleet"
	}
	return &MQTT{cfg: cfg, broker: broker, presence: newPresence(cfg.ReachableWindow), logger: logger}
}

// WithClock replaces the presence time source; used by tests.
func (a *MQTT) WithClock(clock func() time.Time) *MQTT {
	a.presence.clock = clock
	return a
}

func (a *MQTT) Protocol() data.Protocol { return data.ProtocolMQTT }

// Decode reads a payload whose envelope names its device.
func (a *MQTT) Decode(raw []byte) (data.Inbound, error) {
	return a.DecodeTopic("", raw)
}

// DecodeTopic reads a payload received on topic; the topic supplies the device id and, for
// the acks topic, forces acknowledgement decoding.
func (a *MQTT) DecodeTopic(topic string, raw []byte) (data.Inbound, error) {
	deviceID, channel := a.parseTopic(topic)

	var (
		in  data.Inbound
		err error
	)
	if channel == "acks" {
		var ack *data.CommandAck
		ack, err = data.ParseAck(raw, deviceID)
		in.Ack = ack
	} else {
		in, err = decodeJSON(raw, data.ProtocolMQTT, deviceID)
	}
	if err != nil {
		return data.Inbound{}, err
	}
	a.presence.heard(deviceOf(in))
	return in, nil
}

func (a *MQTT) parseTopic(topic string) (deviceID, channel string) {
	parts := strings.Split(strings.TrimPrefix(topic, a.cfg.TopicPrefix+"/"), "/")
	if len(parts) != 2 || topic == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

func (a *MQTT) Encode(cmd data.Command) ([]byte, error) {
	return json.Marshal(envelopeOf(cmd))
}

func (a *MQTT) Deliver(ctx context.Context, cmd data.Command, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.broker.Publish(a.CommandTopic(cmd.DeviceID), a.cfg.QoS, false, payload)
}

func (a *MQTT) CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/commands", a.cfg.TopicPrefix, deviceID)
}

func (a *MQTT) Reachable(deviceID string) bool {
	return a.broker != nil && a.broker.IsConnected() && a.presence.recent(deviceID)
}

// Start subscribes to device telemetry and acknowledgements and hands every decoded message
// to sink. Decode failures stay here: they are logged and dropped.
func (a *MQTT) Start(sink func(data.Inbound) error) error {
	handler := func(topic string, payload []byte) {
		in, err := a.DecodeTopic(topic, payload)
		if err != nil {
			a.logger.Warn("Dropping malformed MQTT message", zap.String("topic", topic), zap.Error(err))
			return
		}
		if err := sink(in); err != nil {
			a.logger.Debug("MQTT message not accepted", zap.String("topic", topic), zap.Error(err))
		}
	}
	for _, channel := range []string{"telemetry", "acks"} {
		topic := fmt.Sprintf("%s/+/%s", a.cfg.TopicPrefix, channel)
		if err := a.broker.Subscribe(topic, a.cfg.QoS, handler); err != nil {
			return err
		}
		a.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))
	}
	return nil
}
