package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "iot-alerting/internal/alarms/domain"
)

func setupCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *SummaryCache) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewSummaryCache(client, ttl)
}

func TestSummaryCacheRoundTrip(t *testing.T) {
	_, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)

	summary := alarms.NewSummary("tenant-a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	summary.Add(alarms.StatusActive, alarms.SeverityCritical, 3)
	summary.Add(alarms.StatusCleared, alarms.SeverityMinor, 2)
	stored, err := cache.Set(ctx, summary, 0)
	require.NoError(t, err)
	assert.True(t, stored)

	got, ok, err := cache.Get(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, 3, got.ByStatus[alarms.StatusActive])
	assert.Equal(t, 3, got.BySeverity[alarms.SeverityCritical])
	assert.Equal(t, 0, got.BySeverity[alarms.SeverityMinor])

	_, ok, err = cache.Get(ctx, "tenant-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryCacheInvalidateAndExpiry(t *testing.T) {
	mr, cache := setupCache(t, 10*time.Second)
	ctx := context.Background()

	_, err := cache.Set(ctx, alarms.NewSummary("tenant-a", time.Now()), 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists(summaryKey("tenant-a")))

	require.NoError(t, cache.Invalidate(ctx, "tenant-a"))
	_, ok, err := cache.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = cache.Set(ctx, alarms.NewSummary("tenant-a", time.Now()), 1)
	require.NoError(t, err)
	mr.FastForward(11 * time.Second)
	_, ok, err = cache.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryCacheCorruptValueIsMiss(t *testing.T) {
	mr, cache := setupCache(t, time.Minute)
	require.NoError(t, mr.Set(summaryKey("tenant-a"), "{not json"))

	_, ok, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryCacheSetLosesToConcurrentInvalidate(t *testing.T) {
	mr, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	version, err := cache.Version(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	// An alarm event lands while the summary is being rebuilt.
	require.NoError(t, cache.Invalidate(ctx, "tenant-a"))

	stale := alarms.NewSummary("tenant-a", time.Now())
	stale.Add(alarms.StatusActive, alarms.SeverityMajor, 1)
	stored, err := cache.Set(ctx, stale, version)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, mr.Exists(summaryKey("tenant-a")))

	version, err = cache.Version(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	stored, err = cache.Set(ctx, stale, version)
	require.NoError(t, err)
	assert.True(t, stored)

	_, ok, err := cache.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = cache.Get(ctx, "tenant-b")
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err = cache.Set(ctx, alarms.NewSummary("tenant-b", time.Now()), 0)
	require.NoError(t, err)
	assert.True(t, stored, "versions are per tenant")
}
