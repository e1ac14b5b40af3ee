package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

const channelColumns = `c.id, c.tenant_id, c.user_id, c.channel_type, c.name, c.config, c.enabled, c.verified, c.created_at, c.updated_at`

// ChannelRepository is a Postgres repository for notification channels.
type ChannelRepository struct {
	db *sql.DB
}

// NewChannelRepository constructs a repository.
func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Create inserts a channel.
func (r *ChannelRepository) Create(ctx context.Context, channel *alarms.Channel) error {
	if r == nil || r.db == nil {
		return errors.New("channel repo: nil db")
	}
	if channel == nil {
		return errors.New("channel repo: nil channel")
	}
	if err := channel.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(channel.Config)
	if err != nil {
		return err
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}
	if channel.UpdatedAt.IsZero() {
		channel.UpdatedAt = channel.CreatedAt
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO notification_channels (
	id, tenant_id, user_id, channel_type, name, config, enabled, verified, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, channel.ID, channel.TenantID, channel.UserID, string(channel.Type), channel.Name, config,
		channel.Enabled, channel.Verified, channel.CreatedAt, channel.UpdatedAt)
	return err
}

// GetByIDs returns the tenant's channels among ids. Unknown ids are omitted.
func (r *ChannelRepository) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]alarms.Channel, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("channel repo: nil db")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	// pgx encodes []string as text[].
	return r.list(ctx, `
SELECT `+channelColumns+`
FROM notification_channels c
WHERE c.tenant_id = $1 AND c.id = ANY($2)
ORDER BY c.created_at ASC`, tenantID, ids)
}

// ListBoundToRule returns the channels bound to the rule, enabled or not.
func (r *ChannelRepository) ListBoundToRule(ctx context.Context, tenantID, ruleID string) ([]alarms.Channel, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("channel repo: nil db")
	}
	return r.list(ctx, `
SELECT `+channelColumns+`
FROM notification_channels c
JOIN rule_channels rc ON rc.channel_id = c.id AND rc.tenant_id = c.tenant_id
WHERE rc.tenant_id = $1 AND rc.rule_id = $2
ORDER BY c.created_at ASC, c.id ASC`, tenantID, ruleID)
}

func (r *ChannelRepository) list(ctx context.Context, query string, args ...any) ([]alarms.Channel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Channel
	for rows.Next() {
		var (
			channel     alarms.Channel
			channelType string
			config      []byte
		)
		if err := rows.Scan(
			&channel.ID,
			&channel.TenantID,
			&channel.UserID,
			&channelType,
			&channel.Name,
			&config,
			&channel.Enabled,
			&channel.Verified,
			&channel.CreatedAt,
			&channel.UpdatedAt,
		); err != nil {
			return nil, err
		}
		channel.Type = alarms.ChannelType(channelType)
		parsed, err := alarms.ParseChannelConfig(channel.Type, config)
		if err != nil {
			return nil, fmt.Errorf("channel repo: channel %s: %w", channel.ID, err)
		}
		channel.Config = parsed
		channel.CreatedAt = channel.CreatedAt.UTC()
		channel.UpdatedAt = channel.UpdatedAt.UTC()
		result = append(result, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
