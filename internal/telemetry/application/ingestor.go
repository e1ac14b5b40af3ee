// Package application routes decoded telemetry into storage and alarm evaluation.
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/observability/metrics"
	telemetry "iot-alerting/internal/telemetry/domain"
)

// SampleSink receives samples for evaluation. The alarm partitioner implements it.
type SampleSink interface {
	Submit(ctx context.Context, sample alarms.Sample) error
}

// Ingestor persists readings and forwards them, in order, to the evaluator.
type Ingestor struct {
	repo   telemetry.Repository
	sink   SampleSink
	logger *zap.Logger
}

// NewIngestor constructs an ingestor. repo may be nil to skip persistence.
func NewIngestor(repo telemetry.Repository, sink SampleSink, logger *zap.Logger) (*Ingestor, error) {
	if sink == nil {
		return nil, errors.New("telemetry ingest: nil sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{repo: repo, sink: sink, logger: logger}, nil
}

// Ingest stores the readings, then submits each one for evaluation.
// A store failure aborts before evaluation so the caller can retry the whole batch.
func (i *Ingestor) Ingest(ctx context.Context, readings []telemetry.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	start := time.Now()
	source := readings[0].Source
	err := i.ingest(ctx, readings)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveIngest(source, result, time.Since(start))
	return err
}

func (i *Ingestor) ingest(ctx context.Context, readings []telemetry.Reading) error {
	if i.repo != nil {
		if err := i.repo.InsertReadings(ctx, readings); err != nil {
			metrics.IncIngestError("store")
			return fmt.Errorf("telemetry ingest: store: %w", err)
		}
	}
	for _, reading := range readings {
		sample := alarms.Sample{
			TenantID: reading.TenantID,
			DeviceID: reading.DeviceID,
			Values:   reading.Values,
			At:       reading.At,
		}
		if err := i.sink.Submit(ctx, sample); err != nil {
			metrics.IncIngestError("evaluate")
			i.logger.Warn("evaluation failed",
				zap.String("tenant_id", reading.TenantID),
				zap.String("device_id", reading.DeviceID),
				zap.String("source", reading.Source),
				zap.Error(err),
			)
			return fmt.Errorf("telemetry ingest: evaluate: %w", err)
		}
	}
	return nil
}
