package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/eventing"
)

const alarmColumns = `id, tenant_id, rule_id, device_id, source, severity, status, message,
	metric_snapshot, context, fired_at, acked_by, acked_at, cleared_by, cleared_at, created_at, updated_at`

// AlarmRepository is a Postgres repository for alarms.
type AlarmRepository struct {
	db     *sql.DB
	outbox OutboxWriter
}

// NewAlarmRepository constructs a repository. Envelopes passed to Fire and Transition are
// written through outbox in the same transaction.
func NewAlarmRepository(db *sql.DB, outbox OutboxWriter) *AlarmRepository {
	return &AlarmRepository{db: db, outbox: outbox}
}

// Fire locks the rule row, re-checks the cooldown, bumps last_fired_at and inserts the alarm
// together with its outbox event.
func (r *AlarmRepository) Fire(ctx context.Context, alarm *alarms.Alarm, env eventing.Envelope) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if alarm.ID == "" || alarm.TenantID == "" || alarm.RuleID == "" || alarm.DeviceID == "" {
		return errors.New("alarm repo: missing fields")
	}
	snapshot, err := jsonOrNull(alarm.MetricSnapshot)
	if err != nil {
		return err
	}
	alarmContext, err := jsonOrNull(alarm.Context)
	if err != nil {
		return err
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			cooldown  int64
			lastFired sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
SELECT cooldown_seconds, last_fired_at
FROM alert_rules
WHERE tenant_id = $1 AND id = $2
FOR UPDATE`, alarm.TenantID, alarm.RuleID).Scan(&cooldown, &lastFired)
		if errors.Is(err, sql.ErrNoRows) {
			return alarms.ErrNotFound
		}
		if err != nil {
			return err
		}
		locked := alarms.AlertRule{Cooldown: time.Duration(cooldown) * time.Second, LastFiredAt: timeOf(lastFired)}
		if locked.CooldownActive(alarm.FiredAt) {
			return alarms.ErrCooldownActive
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE alert_rules
SET last_fired_at = $1, updated_at = $1
WHERE tenant_id = $2 AND id = $3`, alarm.FiredAt.UTC(), alarm.TenantID, alarm.RuleID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO alarms (
	id, tenant_id, rule_id, device_id, source, severity, status, message,
	metric_snapshot, context, fired_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13
)`,
			alarm.ID,
			alarm.TenantID,
			alarm.RuleID,
			alarm.DeviceID,
			alarm.Source,
			string(alarm.Severity),
			string(alarm.Status),
			alarm.Message,
			snapshot,
			alarmContext,
			alarm.FiredAt.UTC(),
			alarm.CreatedAt.UTC(),
			alarm.UpdatedAt.UTC(),
		); err != nil {
			return err
		}

		if r.outbox == nil {
			return nil
		}
		_, err = r.outbox.InsertWith(ctx, tx, env)
		return err
	})
}

// GetByID fetches an alarm of the tenant.
func (r *AlarmRepository) GetByID(ctx context.Context, tenantID, id string) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alarmColumns+`
FROM alarms
WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	alarm, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alarms.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alarm, nil
}

// Transition persists the alarm's lifecycle fields if the stored status is still from.
func (r *AlarmRepository) Transition(ctx context.Context, alarm *alarms.Alarm, from alarms.Status, env eventing.Envelope) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE alarms
SET status = $1, acked_by = $2, acked_at = $3, cleared_by = $4, cleared_at = $5, updated_at = $6
WHERE tenant_id = $7 AND id = $8 AND status = $9`,
			string(alarm.Status),
			nullableString(alarm.AckedBy),
			nullableTime(alarm.AckedAt),
			nullableString(alarm.ClearedBy),
			nullableTime(alarm.ClearedAt),
			alarm.UpdatedAt.UTC(),
			alarm.TenantID,
			alarm.ID,
			string(from),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return alarms.ErrStaleState
		}
		if r.outbox == nil {
			return nil
		}
		_, err = r.outbox.InsertWith(ctx, tx, env)
		return err
	})
}

// List returns alarms of the tenant matching filter, newest first.
func (r *AlarmRepository) List(ctx context.Context, tenantID string, filter alarms.AlarmFilter) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("alarm repo: invalid query")
	}
	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if !filter.From.IsZero() {
		add("fired_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("fired_at < $%d", filter.To.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT %s
FROM alarms
WHERE %s
ORDER BY fired_at DESC
LIMIT $%d`, alarmColumns, strings.Join(conditions, " AND "), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Summary counts the tenant's alarms by status and severity.
func (r *AlarmRepository) Summary(ctx context.Context, tenantID string, now time.Time) (alarms.Summary, error) {
	if r == nil || r.db == nil {
		return alarms.Summary{}, errors.New("alarm repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT status, severity, COUNT(*)
FROM alarms
WHERE tenant_id = $1
GROUP BY status, severity`, tenantID)
	if err != nil {
		return alarms.Summary{}, err
	}
	defer rows.Close()

	summary := alarms.NewSummary(tenantID, now)
	for rows.Next() {
		var (
			status   string
			severity string
			count    int
		)
		if err := rows.Scan(&status, &severity, &count); err != nil {
			return alarms.Summary{}, err
		}
		summary.Add(alarms.Status(status), alarms.Severity(severity), count)
	}
	return summary, rows.Err()
}

func scanAlarm(row rowScanner) (*alarms.Alarm, error) {
	var (
		alarm     alarms.Alarm
		ruleID    sql.NullString
		severity  string
		status    string
		snapshot  []byte
		ctxRaw    []byte
		ackedBy   sql.NullString
		ackedAt   sql.NullTime
		clearedBy sql.NullString
		clearedAt sql.NullTime
	)
	if err := row.Scan(
		&alarm.ID,
		&alarm.TenantID,
		&ruleID,
		&alarm.DeviceID,
		&alarm.Source,
		&severity,
		&status,
		&alarm.Message,
		&snapshot,
		&ctxRaw,
		&alarm.FiredAt,
		&ackedBy,
		&ackedAt,
		&clearedBy,
		&clearedAt,
		&alarm.CreatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alarm.RuleID = ruleID.String
	alarm.Severity = alarms.Severity(severity)
	alarm.Status = alarms.Status(status)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &alarm.MetricSnapshot); err != nil {
			return nil, fmt.Errorf("alarm repo: decode metric snapshot: %w", err)
		}
	}
	if len(ctxRaw) > 0 {
		if err := json.Unmarshal(ctxRaw, &alarm.Context); err != nil {
			return nil, fmt.Errorf("alarm repo: decode context: %w", err)
		}
	}
	alarm.AckedBy = ackedBy.String
	alarm.AckedAt = timeOf(ackedAt)
	alarm.ClearedBy = clearedBy.String
	alarm.ClearedAt = timeOf(clearedAt)
	alarm.FiredAt = alarm.FiredAt.UTC()
	alarm.CreatedAt = alarm.CreatedAt.UTC()
	alarm.UpdatedAt = alarm.UpdatedAt.UTC()
	return &alarm, nil
}
