package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

const ruleColumns = `id, tenant_id, device_id, name, kind, definition, severity,
	cooldown_seconds, enabled, last_fired_at, created_at, updated_at`

// RuleRepository is a Postgres repository for alert rules.
// The rule kind is stored as a discriminator plus a JSON definition.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a rule.
func (r *RuleRepository) Create(ctx context.Context, rule *alarms.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	kind, definition, err := alarms.EncodeKind(rule.Kind)
	if err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alert_rules (
	id, tenant_id, device_id, name, kind, definition, severity,
	cooldown_seconds, enabled, last_fired_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12
)`, rule.ID, rule.TenantID, nullableString(rule.DeviceID), rule.Name, kind, definition, string(rule.Severity),
		int64(rule.Cooldown/time.Second), rule.Enabled, nullableTime(rule.LastFiredAt), rule.CreatedAt, rule.UpdatedAt)
	return err
}

// GetByID loads a rule of the tenant.
func (r *RuleRepository) GetByID(ctx context.Context, tenantID, ruleID string) (*alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if tenantID == "" || ruleID == "" {
		return nil, alarms.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+ruleColumns+`
FROM alert_rules
WHERE tenant_id = $1 AND id = $2`, tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alarms.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListApplicable returns enabled rules of the tenant for the device, fleet-wide rules included.
func (r *RuleRepository) ListApplicable(ctx context.Context, tenantID, deviceID string) ([]alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if tenantID == "" || deviceID == "" {
		return nil, errors.New("alert rule repo: invalid query")
	}
	return r.list(ctx, `
SELECT `+ruleColumns+`
FROM alert_rules
WHERE tenant_id = $1 AND enabled = TRUE AND (device_id IS NULL OR device_id = $2)
ORDER BY created_at ASC, id ASC`, tenantID, deviceID)
}

// ListAll returns every stored rule.
func (r *RuleRepository) ListAll(ctx context.Context) ([]alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	return r.list(ctx, `
SELECT `+ruleColumns+`
FROM alert_rules
ORDER BY tenant_id ASC, created_at ASC, id ASC`)
}

// BindChannels replaces the channel bindings of a rule.
func (r *RuleRepository) BindChannels(ctx context.Context, tenantID, ruleID string, channelIDs []string) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM alert_rules WHERE tenant_id = $1 AND id = $2)`, tenantID, ruleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return alarms.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM rule_channels WHERE tenant_id = $1 AND rule_id = $2`, tenantID, ruleID); err != nil {
			return err
		}
		for _, channelID := range channelIDs {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO rule_channels (tenant_id, rule_id, channel_id)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`, tenantID, ruleID, channelID); err != nil {
				return fmt.Errorf("bind channel %s: %w", channelID, err)
			}
		}
		return nil
	})
}

func (r *RuleRepository) list(ctx context.Context, query string, args ...any) ([]alarms.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scanRule decodes one row. A definition that fails to decode is kept on the rule as DefinitionError
// so evaluation can skip the rule instead of failing the whole listing.
func scanRule(row rowScanner) (alarms.AlertRule, error) {
	var (
		rule       alarms.AlertRule
		deviceID   sql.NullString
		kind       string
		definition []byte
		severity   string
		cooldown   int64
		lastFired  sql.NullTime
	)
	if err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&deviceID,
		&rule.Name,
		&kind,
		&definition,
		&severity,
		&cooldown,
		&rule.Enabled,
		&lastFired,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return alarms.AlertRule{}, err
	}
	rule.DeviceID = deviceID.String
	rule.Severity = alarms.Severity(severity)
	rule.Cooldown = time.Duration(cooldown) * time.Second
	rule.LastFiredAt = timeOf(lastFired)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	decoded, err := alarms.DecodeKind(kind, definition)
	if err != nil {
		rule.DefinitionError = err
	} else {
		rule.Kind = decoded
	}
	return rule, nil
}
