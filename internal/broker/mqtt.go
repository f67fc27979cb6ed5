package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker         string // e.g. tcp://broker.example.com:1883
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTT is a Publisher holding one long-lived broker connection. It is
// created at process start, shared by all publishes, and closed on
// shutdown.
type MQTT struct {
	client         mqtt.Client
	publishTimeout time.Duration
	logger         zerolog.Logger
}

func newClientOptions(cfg MQTTConfig, logger zerolog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error().Err(err).Str("broker", cfg.Broker).Msg("broker connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Warn().Str("broker", cfg.Broker).Msg("reconnecting to broker")
	})

	return opts
}

func applyDefaults(cfg MQTTConfig) MQTTConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fax-engine-%d", time.Now().UnixNano())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return cfg
}

// NewMQTT creates the publisher without connecting
func NewMQTT(cfg MQTTConfig, logger zerolog.Logger) *MQTT {
	cfg = applyDefaults(cfg)
	logger = logger.With().Str("component", "mqtt").Logger()

	return &MQTT{
		client:         mqtt.NewClient(newClientOptions(cfg, logger)),
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
	}
}

// Connect starts the connection and waits for it until ctx is done. The
// client keeps retrying in the background after ctx expires; publishes fail
// with ErrNotConnected until it succeeds.
func (m *MQTT) Connect(ctx context.Context) error {
	token := m.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to broker: %w", ctx.Err())
	}
}

// Publish sends payload with QoS 1 and waits for the broker's
// acknowledgement, the publish timeout, or ctx, whichever comes first.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := m.client.Publish(topic, QoSAtLeastOnce, false, payload)

	timer := time.NewTimer(m.publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s failed: %w", topic, err)
		}
	case <-timer.C:
		return fmt.Errorf("publish to %s: %w after %s", topic, ErrPublishTimeout, m.publishTimeout)
	case <-ctx.Done():
		return fmt.Errorf("publish to %s canceled: %w", topic, ctx.Err())
	}

	m.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

// Close disconnects from the broker, allowing in-flight messages 250ms
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
