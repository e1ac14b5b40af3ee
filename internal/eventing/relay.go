package eventing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const maxDrainRounds = 20

// Relay runs the Dispatcher on a ticker and whenever Trigger is called.
type Relay struct {
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int
	wake       chan struct{}
	logger     *zap.Logger
}

// NewRelay constructs a relay. interval defaults to one second.
func NewRelay(dispatcher *Dispatcher, interval time.Duration, batch int, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		wake:       make(chan struct{}, 1),
		logger:     logger,
	}
}

// Trigger asks the relay to run as soon as possible. It never blocks.
func (r *Relay) Trigger() {
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	if r == nil || r.dispatcher == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		r.Drain(ctx)
	}
}

// Drain dispatches full batches until the outbox runs dry or a batch makes no clean progress.
func (r *Relay) Drain(ctx context.Context) {
	for round := 0; round < maxDrainRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		result, err := r.dispatcher.Dispatch(ctx, r.batch)
		if err != nil {
			r.logger.Error("outbox dispatch failed", zap.Error(err))
			return
		}
		if result.Claimed < r.batch || result.Failed > 0 {
			return
		}
	}
}
