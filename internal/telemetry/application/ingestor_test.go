package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "iot-alerting/internal/alarms/domain"
	telemetry "iot-alerting/internal/telemetry/domain"
)

type recordingRepo struct {
	stored [][]telemetry.Reading
	err    error
}

func (r *recordingRepo) InsertReadings(_ context.Context, readings []telemetry.Reading) error {
	if r.err != nil {
		return r.err
	}
	r.stored = append(r.stored, readings)
	return nil
}

type recordingSink struct {
	samples []alarms.Sample
	err     error
}

func (s *recordingSink) Submit(_ context.Context, sample alarms.Sample) error {
	s.samples = append(s.samples, sample)
	return s.err
}

func readings() []telemetry.Reading {
	at := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	return []telemetry.Reading{
		{TenantID: "tenant-a", DeviceID: "dev-1", At: at, Values: map[string]float64{"t": 1}, Source: telemetry.SourceHTTP},
		{TenantID: "tenant-a", DeviceID: "dev-1", At: at.Add(time.Minute), Values: map[string]float64{"t": 2}, Source: telemetry.SourceHTTP},
	}
}

func TestIngestStoresThenEvaluatesInOrder(t *testing.T) {
	repo := &recordingRepo{}
	sink := &recordingSink{}
	ingestor, err := NewIngestor(repo, sink, nil)
	require.NoError(t, err)

	require.NoError(t, ingestor.Ingest(context.Background(), readings()))
	require.Len(t, repo.stored, 1)
	require.Len(t, sink.samples, 2)
	assert.Equal(t, 1.0, sink.samples[0].Values["t"])
	assert.Equal(t, 2.0, sink.samples[1].Values["t"])
	assert.Equal(t, "dev-1", sink.samples[1].DeviceID)
}

func TestIngestStoreFailureSkipsEvaluation(t *testing.T) {
	sink := &recordingSink{}
	ingestor, err := NewIngestor(&recordingRepo{err: errors.New("db down")}, sink, nil)
	require.NoError(t, err)

	err = ingestor.Ingest(context.Background(), readings())
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, sink.samples)
}

func TestIngestEvaluationFailureStops(t *testing.T) {
	sink := &recordingSink{err: errors.New("partitioner stopped")}
	ingestor, err := NewIngestor(nil, sink, nil)
	require.NoError(t, err)

	err = ingestor.Ingest(context.Background(), readings())
	assert.ErrorContains(t, err, "partitioner stopped")
	assert.Len(t, sink.samples, 1)
}

func TestNewIngestorRequiresSink(t *testing.T) {
	_, err := NewIngestor(nil, nil, nil)
	assert.Error(t, err)
}
