package eventing

import (
	"context"
	"time"

	"iot-alerting/internal/observability/metrics"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe wraps handler with idempotency if store is provided.
func Subscribe(bus Bus, eventType, consumerName string, handler Handler, store ProcessedStore) {
	if store == nil {
		bus.Subscribe(eventType, observed(consumerName, handler))
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler runs handler at most once per event id and consumer.
func WrapHandler(consumerName string, handler Handler, store ProcessedStore) Handler {
	inner := observed(consumerName, handler)
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return inner(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := inner(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

func observed(consumerName string, handler Handler) Handler {
	return func(ctx context.Context, event any) error {
		if env, ok := EnvelopeFromContext(ctx); ok && !env.OccurredAt.IsZero() {
			metrics.ObserveConsumerLag(consumerName, time.Since(env.OccurredAt))
		}
		return handler(ctx, event)
	}
}
