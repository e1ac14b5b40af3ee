package eventing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"iot-alerting/internal/observability/metrics"
)

const (
	defaultBatch       = 50
	defaultMaxAttempts = 5
)

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed bumps the attempt counter; retry keeps the record pending.
	MarkFailed(ctx context.Context, id string, retry bool) error
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Attempts int
	Envelope Envelope
}

// DispatchResult captures the outcome of a dispatch run.
type DispatchResult struct {
	Requested int
	Claimed   int
	Sent      int
	Failed    int
	Retried   int
	DLQ       int
}

// Dispatcher sends outbox events to the in-process bus.
type Dispatcher struct {
	bus         Bus
	outbox      OutboxStore
	registry    *Registry
	dlq         DLQStore
	maxAttempts int
	logger      *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets how many handler failures an event may accumulate before it is dead-lettered.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus Bus, outbox OutboxStore, registry *Registry, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		outbox:      outbox,
		registry:    registry,
		dlq:         dlq,
		maxAttempts: defaultMaxAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch pulls pending outbox messages and delivers them.
// Undecodable records are dead-lettered at once; handler failures are retried up to maxAttempts.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	if limit <= 0 {
		limit = defaultBatch
	}
	result := DispatchResult{Requested: limit}
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, nil
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, err
	}
	result.Claimed = len(records)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, record := range records {
		env := record.Envelope
		payload, err := d.registry.DecodePayload(env)
		if err != nil {
			keep(d.outbox.MarkFailed(ctx, record.ID, false))
			d.deadLetter(ctx, env, err, &result)
			result.Failed++
			continue
		}

		if err := d.bus.Publish(WithEnvelope(ctx, env), payload); err != nil {
			retry := record.Attempts+1 < d.maxAttempts
			keep(d.outbox.MarkFailed(ctx, record.ID, retry))
			result.Failed++
			if retry {
				result.Retried++
				d.logger.Warn("outbox event handler failed, will retry",
					zap.String("event_id", env.EventID),
					zap.String("event_type", env.EventType),
					zap.Int("attempts", record.Attempts+1),
					zap.Error(err),
				)
				continue
			}
			d.deadLetter(ctx, env, err, &result)
			continue
		}

		if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
			keep(err)
			result.Failed++
			continue
		}
		result.Sent++
	}

	dispatchResult := metrics.ResultSuccess
	if firstErr != nil || result.Failed > 0 {
		dispatchResult = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(dispatchResult, time.Since(start), result.Sent, result.Failed, result.DLQ)
	return result, firstErr
}

func (d *Dispatcher) deadLetter(ctx context.Context, env Envelope, cause error, result *DispatchResult) {
	d.logger.Error("outbox event dead-lettered",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.Error(cause),
	)
	if d.dlq == nil {
		return
	}
	if err := d.dlq.RecordFailure(ctx, env, cause); err != nil {
		d.logger.Error("dlq write failed", zap.String("event_id", env.EventID), zap.Error(err))
		return
	}
	result.DLQ++
}
