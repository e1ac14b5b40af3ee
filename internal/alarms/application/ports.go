package application

import (
	"context"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/eventing"
)

// RuleRepository persists alert rules.
type RuleRepository interface {
	// ListApplicable returns enabled rules of the tenant scoped to the device or fleet-wide.
	ListApplicable(ctx context.Context, tenantID, deviceID string) ([]alarms.AlertRule, error)
	ListAll(ctx context.Context) ([]alarms.AlertRule, error)
	GetByID(ctx context.Context, tenantID, id string) (*alarms.AlertRule, error)
	Create(ctx context.Context, rule *alarms.AlertRule) error
	BindChannels(ctx context.Context, tenantID, ruleID string, channelIDs []string) error
}

// AlarmRepository persists alarms. Writes carry the outbox envelope so the event commits with the row.
type AlarmRepository interface {
	// Fire locks the rule, re-checks its cooldown against alarm.FiredAt, bumps last_fired_at,
	// inserts the alarm and the envelope. Returns ErrCooldownActive or ErrNotFound without writing.
	Fire(ctx context.Context, alarm *alarms.Alarm, env eventing.Envelope) error
	GetByID(ctx context.Context, tenantID, id string) (*alarms.Alarm, error)
	// Transition stores the alarm's new status only if the stored status still equals from.
	// Returns ErrStaleState otherwise.
	Transition(ctx context.Context, alarm *alarms.Alarm, from alarms.Status, env eventing.Envelope) error
	List(ctx context.Context, tenantID string, filter alarms.AlarmFilter) ([]alarms.Alarm, error)
	Summary(ctx context.Context, tenantID string, now time.Time) (alarms.Summary, error)
}

// ChannelRepository persists notification channels.
type ChannelRepository interface {
	Create(ctx context.Context, channel *alarms.Channel) error
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]alarms.Channel, error)
}

// PreferencesRepository persists per-user notification preferences.
type PreferencesRepository interface {
	Save(ctx context.Context, prefs alarms.Preferences) error
}

// SummaryCache caches alarm summaries per tenant. Every Invalidate bumps the tenant's version;
// Set stores the summary only while the version still equals the one read before the rebuild.
type SummaryCache interface {
	Get(ctx context.Context, tenantID string) (alarms.Summary, bool, error)
	Version(ctx context.Context, tenantID string) (int64, error)
	Set(ctx context.Context, summary alarms.Summary, version int64) (bool, error)
	Invalidate(ctx context.Context, tenantID string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
