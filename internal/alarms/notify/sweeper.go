package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/observability/metrics"
)

// Redeliverer sends a claimed notification again. Lease bounds how long one redelivery may
// hold a claimed row.
type Redeliverer interface {
	Redeliver(ctx context.Context, n alarms.Notification) (alarms.Notification, error)
	Lease() time.Duration
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Claimed     int
	Sent        int
	Rescheduled int
	Failed      int
	Errors      int
}

// Sweeper claims due retries and redelivers them with bounded concurrency.
type Sweeper struct {
	store       NotificationStore
	redeliverer Redeliverer
	interval    time.Duration
	batch       int
	workers     int
	clock       Clock
	logger      *zap.Logger
}

// NewSweeper constructs a sweeper. interval defaults to 10s, batch to 100 and workers to 4.
func NewSweeper(store NotificationStore, redeliverer Redeliverer, interval time.Duration, batch, workers int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:       store,
		redeliverer: redeliverer,
		interval:    interval,
		batch:       batch,
		workers:     workers,
		clock:       systemClock{},
		logger:      logger,
	}
}

// SetClock overrides the clock used to pick due rows.
func (s *Sweeper) SetClock(clock Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// Start blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.redeliverer == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("retry sweep failed", zap.Error(err))
			continue
		}
		if result.Claimed > 0 {
			s.logger.Info("retry sweep",
				zap.Int("claimed", result.Claimed),
				zap.Int("sent", result.Sent),
				zap.Int("rescheduled", result.Rescheduled),
				zap.Int("failed", result.Failed),
				zap.Int("errors", result.Errors),
			)
		}
	}
}

// RunOnce claims up to one batch of due notifications and redelivers them. Rows left in
// sending by a worker that never finished are claimed again once their lease has expired.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now().UTC()
	claimed, err := s.store.ClaimDue(ctx, now, now.Add(s.redeliverer.Lease()), s.batch)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, n := range claimed {
		g.Go(func() error {
			updated, err := s.redeliverer.Redeliver(ctx, n)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors++
				s.logger.Warn("redelivery failed", zap.String("notification_id", n.ID), zap.Error(err))
			case updated.Status == alarms.NotificationSent:
				result.Sent++
			case updated.Status == alarms.NotificationPending:
				result.Rescheduled++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.AddRetrySweep("sent", result.Sent)
	metrics.AddRetrySweep("rescheduled", result.Rescheduled)
	metrics.AddRetrySweep("failed", result.Failed)
	metrics.AddRetrySweep("error", result.Errors)
	return result, nil
}
