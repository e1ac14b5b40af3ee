package notify

import (
	"context"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

// ChannelResolver loads notification channels.
type ChannelResolver interface {
	ListBoundToRule(ctx context.Context, tenantID, ruleID string) ([]alarms.Channel, error)
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]alarms.Channel, error)
}

// NotificationStore persists notification rows and their attempts.
type NotificationStore interface {
	Create(ctx context.Context, n *alarms.Notification) (bool, error)
	Update(ctx context.Context, n *alarms.Notification) error
	AddAttempt(ctx context.Context, attempt alarms.DeliveryAttempt) error
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]alarms.Notification, error)
}

// PreferencesReader loads a user's notification preferences.
type PreferencesReader interface {
	Get(ctx context.Context, tenantID, userID string) (alarms.Preferences, bool, error)
}

// Directory resolves display data owned by the device registry.
type Directory interface {
	DeviceName(ctx context.Context, tenantID, deviceID string) (string, error)
	TenantTimezone(ctx context.Context, tenantID string) (string, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
