package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

const notificationColumns = `id, tenant_id, alarm_id, channel_id, channel_type, recipient, subject, body,
	status, delivery_status, retry_count, max_retries, next_retry_at, lease_until, last_error, skip_reason,
	sent_at, created_at, updated_at`

// NotificationRepository is a Postgres repository for notifications and their attempts.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository constructs a repository.
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification. It reports false when the alarm already has a row for the channel.
func (r *NotificationRepository) Create(ctx context.Context, n *alarms.Notification) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("notification repo: nil db")
	}
	if n == nil || n.ID == "" || n.AlarmID == "" {
		return false, errors.New("notification repo: missing fields")
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO notifications (
	id, tenant_id, alarm_id, channel_id, channel_type, recipient, subject, body,
	status, delivery_status, retry_count, max_retries, next_retry_at, lease_until, last_error, skip_reason,
	sent_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13, $14, $15, $16,
	$17, $18, $19
)
ON CONFLICT DO NOTHING`, notificationArgs(n)...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Update writes the mutable delivery fields.
func (r *NotificationRepository) Update(ctx context.Context, n *alarms.Notification) error {
	if r == nil || r.db == nil {
		return errors.New("notification repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE notifications
SET status = $1, delivery_status = $2, retry_count = $3, next_retry_at = $4, lease_until = $5,
	last_error = $6, skip_reason = $7, sent_at = $8, updated_at = $9
WHERE id = $10`,
		string(n.Status),
		nullableString(string(n.DeliveryStatus)),
		n.RetryCount,
		nullableTime(n.NextRetryAt),
		nullableTime(n.LeaseUntil),
		nullableString(n.LastError),
		nullableString(n.SkipReason),
		nullableTime(n.SentAt),
		n.UpdatedAt.UTC(),
		n.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alarms.ErrNotFound
	}
	return nil
}

// AddAttempt records one delivery attempt.
func (r *NotificationRepository) AddAttempt(ctx context.Context, attempt alarms.DeliveryAttempt) error {
	if r == nil || r.db == nil {
		return errors.New("notification repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notification_attempts (
	notification_id, attempt, delivery_status, error, duration_ms, attempted_at
) VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.NotificationID,
		attempt.Attempt,
		string(attempt.DeliveryStatus),
		nullableString(attempt.Error),
		attempt.Duration.Milliseconds(),
		attempt.AttemptedAt.UTC(),
	)
	return err
}

// ClaimDue flips up to limit due retries, and in-flight rows whose lease has expired,
// to sending with a fresh lease and returns them.
// SKIP LOCKED lets several sweepers run against the same table.
func (r *NotificationRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]alarms.Notification, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("notification repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
UPDATE notifications
SET status = 'sending', next_retry_at = NULL, lease_until = $2, updated_at = $1
WHERE id IN (
	SELECT id FROM notifications
	WHERE (status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
	   OR (status = 'sending' AND lease_until IS NOT NULL AND lease_until <= $1)
	ORDER BY COALESCE(next_retry_at, lease_until) ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+notificationColumns, now.UTC(), leaseUntil.UTC(), limit)
}

// ListByAlarm returns the notifications of an alarm.
func (r *NotificationRepository) ListByAlarm(ctx context.Context, tenantID, alarmID string) ([]alarms.Notification, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("notification repo: nil db")
	}
	return r.list(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE tenant_id = $1 AND alarm_id = $2
ORDER BY created_at ASC, id ASC`, tenantID, alarmID)
}

// ListForExport returns the tenant's notifications created in [from, to).
func (r *NotificationRepository) ListForExport(ctx context.Context, tenantID string, from, to time.Time) ([]alarms.Notification, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("notification repo: nil db")
	}
	return r.list(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC, id ASC`, tenantID, from.UTC(), to.UTC())
}

func (r *NotificationRepository) list(ctx context.Context, query string, args ...any) ([]alarms.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func notificationArgs(n *alarms.Notification) []any {
	return []any{
		n.ID,
		n.TenantID,
		n.AlarmID,
		nullableString(n.ChannelID),
		nullableString(string(n.ChannelType)),
		nullableString(n.Recipient),
		nullableString(n.Subject),
		nullableString(n.Body),
		string(n.Status),
		nullableString(string(n.DeliveryStatus)),
		n.RetryCount,
		n.MaxRetries,
		nullableTime(n.NextRetryAt),
		nullableTime(n.LeaseUntil),
		nullableString(n.LastError),
		nullableString(n.SkipReason),
		nullableTime(n.SentAt),
		n.CreatedAt.UTC(),
		n.UpdatedAt.UTC(),
	}
}

func scanNotification(row rowScanner) (alarms.Notification, error) {
	var (
		n              alarms.Notification
		channelID      sql.NullString
		channelType    sql.NullString
		recipient      sql.NullString
		subject        sql.NullString
		body           sql.NullString
		status         string
		deliveryStatus sql.NullString
		nextRetryAt    sql.NullTime
		leaseUntil     sql.NullTime
		lastError      sql.NullString
		skipReason     sql.NullString
		sentAt         sql.NullTime
	)
	if err := row.Scan(
		&n.ID,
		&n.TenantID,
		&n.AlarmID,
		&channelID,
		&channelType,
		&recipient,
		&subject,
		&body,
		&status,
		&deliveryStatus,
		&n.RetryCount,
		&n.MaxRetries,
		&nextRetryAt,
		&leaseUntil,
		&lastError,
		&skipReason,
		&sentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return alarms.Notification{}, err
	}
	n.ChannelID = channelID.String
	n.ChannelType = alarms.ChannelType(channelType.String)
	n.Recipient = recipient.String
	n.Subject = subject.String
	n.Body = body.String
	n.Status = alarms.NotificationStatus(status)
	n.DeliveryStatus = alarms.DeliveryStatus(deliveryStatus.String)
	n.NextRetryAt = timeOf(nextRetryAt)
	n.LeaseUntil = timeOf(leaseUntil)
	n.LastError = lastError.String
	n.SkipReason = skipReason.String
	n.SentAt = timeOf(sentAt)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}
