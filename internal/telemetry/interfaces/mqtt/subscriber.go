// Package mqtt subscribes to device telemetry topics on an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"iot-alerting/internal/observability/metrics"
	telemetry "iot-alerting/internal/telemetry/domain"
)

// DefaultTopic matches tenants/<tenant>/devices/<device>/telemetry.
const DefaultTopic = "tenants/+/devices/+/telemetry"

// Ingestor accepts decoded readings.
type Ingestor interface {
	Ingest(ctx context.Context, readings []telemetry.Reading) error
}

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

// Subscriber forwards MQTT telemetry messages to the ingestor.
type Subscriber struct {
	cfg      Config
	ingestor Ingestor
	logger   *zap.Logger
	client   paho.Client
	now      func() time.Time
	ctx      context.Context
}

// NewSubscriber constructs a subscriber; Start connects it.
func NewSubscriber(cfg Config, ingestor Ingestor, logger *zap.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt subscriber: empty broker")
	}
	if ingestor == nil {
		return nil, errors.New("mqtt subscriber: nil ingestor")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "iot-alerting"
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{cfg: cfg, ingestor: ingestor, logger: logger, now: time.Now, ctx: context.Background()}, nil
}

// Start connects and subscribes. Subscriptions are restored on reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	opts := paho.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(s.cfg.Timeout)
	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
		if token.WaitTimeout(s.cfg.Timeout) && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("mqtt subscribed", zap.String("broker", s.cfg.Broker), zap.String("topic", s.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("mqtt subscriber: connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscriber: connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	if err := s.handle(s.ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warn("mqtt telemetry rejected", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) error {
	readings, err := telemetry.Decode(payload, identityFromTopic(topic), telemetry.SourceMQTT, s.now())
	if err != nil {
		metrics.IncIngestError("decode")
		return err
	}
	return s.ingestor.Ingest(ctx, readings)
}

func identityFromTopic(topic string) telemetry.Identity {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenants" || parts[2] != "devices" || parts[4] != "telemetry" {
		return telemetry.Identity{}
	}
	return telemetry.Identity{TenantID: parts[1], DeviceID: parts[3]}
}
