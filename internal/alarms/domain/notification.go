package alarms

import "time"

// NotificationStatus is the delivery lifecycle of one notification row.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSending NotificationStatus = "sending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationBounced NotificationStatus = "bounced"
	NotificationSkipped NotificationStatus = "skipped"
)

// Terminal reports whether no further delivery attempts will be made.
func (s NotificationStatus) Terminal() bool {
	switch s {
	case NotificationSent, NotificationFailed, NotificationBounced, NotificationSkipped:
		return true
	default:
		return false
	}
}

// DeliveryStatus classifies the outcome of a delivery attempt.
type DeliveryStatus string

const (
	DeliverySuccess          DeliveryStatus = "success"
	DeliveryPermanentFailure DeliveryStatus = "permanent_failure"
	DeliveryTemporaryFailure DeliveryStatus = "temporary_failure"
	DeliveryInvalidAddress   DeliveryStatus = "invalid_address"
	DeliveryRateLimited      DeliveryStatus = "rate_limited"
)

// Retryable reports whether the outcome may be retried. Permanent failures never are.
func (d DeliveryStatus) Retryable() bool {
	return d == DeliveryTemporaryFailure || d == DeliveryRateLimited
}

const DefaultMaxRetries = 5

const (
	SkipNoChannels = "no_channels"
	SkipMuted      = "muted"
	SkipQuietHours = "quiet_hours"
)

// Notification is the delivery record of one alarm on one channel.
type Notification struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	AlarmID        string             `json:"alarm_id"`
	ChannelID      string             `json:"channel_id,omitempty"`
	ChannelType    ChannelType        `json:"channel_type,omitempty"`
	Recipient      string             `json:"recipient,omitempty"`
	Subject        string             `json:"subject,omitempty"`
	Body           string             `json:"body,omitempty"`
	Status         NotificationStatus `json:"status"`
	DeliveryStatus DeliveryStatus     `json:"delivery_status,omitempty"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
	NextRetryAt    time.Time          `json:"next_retry_at,omitempty"`
	LeaseUntil     time.Time          `json:"lease_until,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	SkipReason     string             `json:"skip_reason,omitempty"`
	SentAt         time.Time          `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// MarkSending flags the row as in flight until leaseUntil. A row whose lease
// expires while still sending is claimed again by the sweeper.
func (n *Notification) MarkSending(now, leaseUntil time.Time) {
	n.Status = NotificationSending
	n.NextRetryAt = time.Time{}
	n.LeaseUntil = leaseUntil.UTC()
	n.UpdatedAt = now.UTC()
}

// LeaseExpired reports whether an in-flight row has outlived its lease.
func (n Notification) LeaseExpired(now time.Time) bool {
	return n.Status == NotificationSending && !n.LeaseUntil.IsZero() && !n.LeaseUntil.After(now)
}

// RetryDue reports whether a scheduled retry may be claimed.
func (n Notification) RetryDue(now time.Time) bool {
	return n.Status == NotificationPending && !n.NextRetryAt.IsZero() && !n.NextRetryAt.After(now)
}

// MarkSent records a successful delivery.
func (n *Notification) MarkSent(now time.Time) {
	n.Status = NotificationSent
	n.DeliveryStatus = DeliverySuccess
	n.NextRetryAt = time.Time{}
	n.LeaseUntil = time.Time{}
	n.LastError = ""
	n.SentAt = now.UTC()
	n.UpdatedAt = now.UTC()
}

// MarkSkipped records a deliberate non-delivery.
func (n *Notification) MarkSkipped(reason string, now time.Time) {
	n.Status = NotificationSkipped
	n.SkipReason = reason
	n.NextRetryAt = time.Time{}
	n.LeaseUntil = time.Time{}
	n.UpdatedAt = now.UTC()
}

// ScheduleRetry puts a failed row back to pending for another attempt at retryAt.
func (n *Notification) ScheduleRetry(outcome DeliveryStatus, errMsg string, retryAt, now time.Time) {
	n.Status = NotificationPending
	n.DeliveryStatus = outcome
	n.LastError = errMsg
	n.RetryCount++
	n.NextRetryAt = retryAt.UTC()
	n.LeaseUntil = time.Time{}
	n.UpdatedAt = now.UTC()
}

// Fail records a terminal failure. Invalid addresses are reported as bounced.
func (n *Notification) Fail(outcome DeliveryStatus, errMsg string, now time.Time) {
	n.Status = NotificationFailed
	if outcome == DeliveryInvalidAddress {
		n.Status = NotificationBounced
	}
	n.DeliveryStatus = outcome
	n.LastError = errMsg
	n.NextRetryAt = time.Time{}
	n.LeaseUntil = time.Time{}
	n.UpdatedAt = now.UTC()
}

// RetriesLeft reports whether another attempt is allowed after a retryable failure.
func (n Notification) RetriesLeft() bool {
	return n.RetryCount < n.MaxRetries
}

// DeliveryAttempt is one send attempt for a notification.
type DeliveryAttempt struct {
	NotificationID string         `json:"notification_id"`
	Attempt        int            `json:"attempt"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Error          string         `json:"error,omitempty"`
	Duration       time.Duration  `json:"duration_ns"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}
