package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	alarms "iot-alerting/internal/alarms/domain"
)

const (
	defaultSummaryTTL = 30 * time.Second
	summaryKeyPrefix  = "alerting:summary:"
	versionKeyPrefix  = "alerting:summary-version:"
)

// NewClient builds a go-redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// SummaryCache keeps per-tenant alarm summaries in Redis.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache constructs a cache. ttl <= 0 uses 30s.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	return &SummaryCache{client: client, ttl: ttl}
}

// Get returns the cached summary. ok is false on a miss.
func (c *SummaryCache) Get(ctx context.Context, tenantID string) (alarms.Summary, bool, error) {
	if c == nil || c.client == nil {
		return alarms.Summary{}, false, errors.New("summary cache: nil client")
	}
	raw, err := c.client.Get(ctx, summaryKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return alarms.Summary{}, false, nil
	}
	if err != nil {
		return alarms.Summary{}, false, err
	}
	var summary alarms.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		// A value we cannot read is a miss; the next Set overwrites it.
		return alarms.Summary{}, false, nil
	}
	return summary, true, nil
}

// Version returns the tenant's invalidation counter. A tenant never invalidated is at 0.
func (c *SummaryCache) Version(ctx context.Context, tenantID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("summary cache: nil client")
	}
	version, err := c.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return version, err
}

// Set stores the summary under its tenant key if the tenant's version still equals version.
// The check and the write run in one WATCH transaction, so an Invalidate landing in between
// aborts the write and stored is false.
func (c *SummaryCache) Set(ctx context.Context, summary alarms.Summary, version int64) (bool, error) {
	if c == nil || c.client == nil {
		return false, errors.New("summary cache: nil client")
	}
	if summary.TenantID == "" {
		return false, errors.New("summary cache: missing tenant")
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return false, err
	}
	vkey := versionKey(summary.TenantID)
	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, summaryKey(summary.TenantID), raw, c.ttl)
			return nil
		}); err != nil {
			return err
		}
		stored = true
		return nil
	}, vkey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Invalidate drops the tenant's cached summary and bumps its version.
func (c *SummaryCache) Invalidate(ctx context.Context, tenantID string) error {
	if c == nil || c.client == nil {
		return errors.New("summary cache: nil client")
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(tenantID))
		pipe.Del(ctx, summaryKey(tenantID))
		return nil
	})
	return err
}

func summaryKey(tenantID string) string {
	return summaryKeyPrefix + tenantID
}

func versionKey(tenantID string) string {
	return versionKeyPrefix + tenantID
}
