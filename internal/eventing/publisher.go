package eventing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"iot-alerting/internal/observability/metrics"
)

// Trigger wakes whatever drains the outbox.
type Trigger interface {
	Trigger()
}

// Publisher writes events to the outbox and wakes the relay.
type Publisher struct {
	outbox  OutboxWriter
	trigger Trigger
	logger  *zap.Logger
}

// NewPublisher constructs a publisher. trigger may be nil.
func NewPublisher(outbox OutboxWriter, trigger Trigger, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{outbox: outbox, trigger: trigger, logger: logger}
}

// Publish writes the event to the outbox.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	return p.PublishWithMeta(ctx, event, Meta{})
}

// PublishWithMeta writes the event using explicit envelope metadata.
func (p *Publisher) PublishWithMeta(ctx context.Context, event any, meta Meta) error {
	start := time.Now()
	if p == nil || p.outbox == nil {
		return nil
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = CorrelationIDFromContext(ctx)
	}
	env, err := BuildEnvelope(event, meta)
	if err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	duration := time.Since(start)
	metrics.ObserveOutboxPublish(metrics.ResultSuccess, duration)
	if duration > 50*time.Millisecond {
		p.logger.Warn("slow outbox publish",
			zap.Duration("duration", duration),
			zap.String("event_type", env.EventType),
		)
	}
	p.Wake()
	return nil
}

// Wake triggers the relay, if any.
func (p *Publisher) Wake() {
	if p != nil && p.trigger != nil {
		p.trigger.Trigger()
	}
}
