// Package amqp consumes device telemetry published to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"iot-alerting/internal/observability/metrics"
	telemetry "iot-alerting/internal/telemetry/domain"
)

// Ingestor accepts decoded readings.
type Ingestor interface {
	Ingest(ctx context.Context, readings []telemetry.Reading) error
}

// Config describes the broker topology. Routing keys look like telemetry.<tenant>.<device>.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// Consumer reads telemetry deliveries and hands them to the ingestor.
type Consumer struct {
	cfg      Config
	ingestor Ingestor
	logger   *zap.Logger
	now      func() time.Time
	backoff  time.Duration
}

// NewConsumer constructs a consumer.
func NewConsumer(cfg Config, ingestor Ingestor, logger *zap.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp consumer: empty url")
	}
	if ingestor == nil {
		return nil, errors.New("amqp consumer: nil ingestor")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "telemetry"
	}
	if cfg.Queue == "" {
		cfg.Queue = "iot-alerting.telemetry"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "telemetry.#"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, ingestor: ingestor, logger: logger, now: time.Now, backoff: 5 * time.Second}, nil
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("amqp consumer disconnected, reconnecting", zap.Duration("backoff", c.backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	queue, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "iot-alerting", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("amqp consumer started",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("queue", queue.Name),
		zap.String("routing_key", c.cfg.RoutingKey),
	)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle acks processed deliveries. Undecodable messages are rejected without requeue;
// ingest failures are requeued once and rejected when redelivered.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	readings, err := telemetry.Decode(d.Body, identityFromRoutingKey(d.RoutingKey), telemetry.SourceAMQP, c.now())
	if err != nil {
		metrics.IncIngestError("decode")
		c.logger.Info("dropping invalid telemetry", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := c.ingestor.Ingest(ctx, readings); err != nil {
		requeue := !d.Redelivered
		c.logger.Warn("telemetry ingest failed",
			zap.String("routing_key", d.RoutingKey),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func identityFromRoutingKey(key string) telemetry.Identity {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "telemetry" {
		return telemetry.Identity{}
	}
	return telemetry.Identity{TenantID: parts[1], DeviceID: parts[2]}
}
