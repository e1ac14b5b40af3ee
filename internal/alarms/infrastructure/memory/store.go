// Package memory is an in-memory alarm store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/eventing"
)

// Store keeps rules, alarms, channels, notifications and preferences in memory.
// It implements the repository ports of the application and notify packages.
type Store struct {
	mu sync.RWMutex

	outbox eventing.OutboxWriter

	rules         map[string]alarms.AlertRule
	bindings      map[string][]string
	alarms        map[string]alarms.Alarm
	channels      map[string]alarms.Channel
	notifications map[string]alarms.Notification
	attempts      []alarms.DeliveryAttempt
	prefs         map[string]alarms.Preferences
	devices       map[string]string
	timezones     map[string]string

	// FailFire makes Fire return the error, for store failure tests.
	FailFire error
}

// NewStore constructs a store. outbox receives envelopes written with alarm changes and may be nil.
func NewStore(outbox eventing.OutboxWriter) *Store {
	return &Store{
		outbox:        outbox,
		rules:         make(map[string]alarms.AlertRule),
		bindings:      make(map[string][]string),
		alarms:        make(map[string]alarms.Alarm),
		channels:      make(map[string]alarms.Channel),
		notifications: make(map[string]alarms.Notification),
		prefs:         make(map[string]alarms.Preferences),
		devices:       make(map[string]string),
		timezones:     make(map[string]string),
	}
}

func key(tenantID, id string) string {
	return tenantID + "|" + id
}

// Rules.

func (s *Store) ListApplicable(_ context.Context, tenantID, deviceID string) ([]alarms.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alarms.AlertRule
	for _, rule := range s.rules {
		if rule.AppliesTo(tenantID, deviceID) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAll(_ context.Context) ([]alarms.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alarms.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRule returns a stored rule for assertions.
func (s *Store) GetRule(tenantID, id string) (alarms.AlertRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok || rule.TenantID != tenantID {
		return alarms.AlertRule{}, false
	}
	return rule, true
}

// GetByID returns a rule of the tenant.
func (s *Store) GetByID(_ context.Context, tenantID, id string) (*alarms.AlertRule, error) {
	rule, ok := s.GetRule(tenantID, id)
	if !ok {
		return nil, alarms.ErrNotFound
	}
	return &rule, nil
}

func (s *Store) Create(_ context.Context, rule *alarms.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *Store) BindChannels(_ context.Context, tenantID, ruleID string, channelIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok || rule.TenantID != tenantID {
		return alarms.ErrNotFound
	}
	s.bindings[ruleID] = append([]string(nil), channelIDs...)
	return nil
}

// Alarms.

// Alarms wraps the store as the application's AlarmRepository.
func (s *Store) Alarms() *AlarmStore { return &AlarmStore{s: s} }

// AlarmStore exposes the alarm half of Store under the AlarmRepository method names.
type AlarmStore struct{ s *Store }

func (a *AlarmStore) Fire(ctx context.Context, alarm *alarms.Alarm, env eventing.Envelope) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFire != nil {
		return s.FailFire
	}
	rule, ok := s.rules[alarm.RuleID]
	if !ok || rule.TenantID != alarm.TenantID {
		return alarms.ErrNotFound
	}
	if rule.CooldownActive(alarm.FiredAt) {
		return alarms.ErrCooldownActive
	}
	if s.outbox != nil {
		if _, err := s.outbox.Insert(ctx, env); err != nil {
			return err
		}
	}
	rule.LastFiredAt = alarm.FiredAt
	s.rules[rule.ID] = rule
	s.alarms[alarm.ID] = *alarm
	return nil
}

func (a *AlarmStore) GetByID(_ context.Context, tenantID, id string) (*alarms.Alarm, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	alarm, ok := a.s.alarms[id]
	if !ok || alarm.TenantID != tenantID {
		return nil, alarms.ErrNotFound
	}
	return &alarm, nil
}

func (a *AlarmStore) Transition(ctx context.Context, alarm *alarms.Alarm, from alarms.Status, env eventing.Envelope) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alarms[alarm.ID]
	if !ok || stored.TenantID != alarm.TenantID {
		return alarms.ErrNotFound
	}
	if stored.Status != from {
		return alarms.ErrStaleState
	}
	if s.outbox != nil {
		if _, err := s.outbox.Insert(ctx, env); err != nil {
			return err
		}
	}
	s.alarms[alarm.ID] = *alarm
	return nil
}

// SetAlarmStatus overwrites a stored alarm's status, simulating a concurrent writer.
func (s *Store) SetAlarmStatus(id string, status alarms.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alarm := s.alarms[id]
	alarm.Status = status
	s.alarms[id] = alarm
}

func (a *AlarmStore) List(_ context.Context, tenantID string, filter alarms.AlarmFilter) ([]alarms.Alarm, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var out []alarms.Alarm
	for _, alarm := range a.s.alarms {
		if alarm.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && alarm.Status != filter.Status {
			continue
		}
		if filter.DeviceID != "" && alarm.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Severity != "" && alarm.Severity != filter.Severity {
			continue
		}
		if !filter.From.IsZero() && alarm.FiredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !alarm.FiredAt.Before(filter.To) {
			continue
		}
		out = append(out, alarm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (a *AlarmStore) Summary(_ context.Context, tenantID string, now time.Time) (alarms.Summary, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	summary := alarms.NewSummary(tenantID, now)
	for _, alarm := range a.s.alarms {
		if alarm.TenantID == tenantID {
			summary.Add(alarm.Status, alarm.Severity, 1)
		}
	}
	return summary, nil
}

// Channels.

// Channels wraps the store as a channel repository.
func (s *Store) Channels() *ChannelStore { return &ChannelStore{s: s} }

type ChannelStore struct{ s *Store }

func (c *ChannelStore) Create(_ context.Context, channel *alarms.Channel) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.channels[channel.ID] = *channel
	return nil
}

func (c *ChannelStore) GetByIDs(_ context.Context, tenantID string, ids []string) ([]alarms.Channel, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []alarms.Channel
	for _, id := range ids {
		if ch, ok := c.s.channels[id]; ok && ch.TenantID == tenantID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *ChannelStore) ListBoundToRule(_ context.Context, tenantID, ruleID string) ([]alarms.Channel, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []alarms.Channel
	for _, id := range c.s.bindings[ruleID] {
		if ch, ok := c.s.channels[id]; ok && ch.TenantID == tenantID {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Notifications.

// Notifications wraps the store as a notification repository.
func (s *Store) Notifications() *NotificationStore { return &NotificationStore{s: s} }

type NotificationStore struct{ s *Store }

func (n *NotificationStore) Create(_ context.Context, notification *alarms.Notification) (bool, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	for _, existing := range n.s.notifications {
		if existing.AlarmID == notification.AlarmID && existing.ChannelID == notification.ChannelID {
			return false, nil
		}
	}
	n.s.notifications[notification.ID] = *notification
	return true, nil
}

func (n *NotificationStore) Update(_ context.Context, notification *alarms.Notification) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	if _, ok := n.s.notifications[notification.ID]; !ok {
		return alarms.ErrNotFound
	}
	n.s.notifications[notification.ID] = *notification
	return nil
}

func (n *NotificationStore) AddAttempt(_ context.Context, attempt alarms.DeliveryAttempt) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	n.s.attempts = append(n.s.attempts, attempt)
	return nil
}

func (n *NotificationStore) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]alarms.Notification, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	var due []alarms.Notification
	for _, notification := range n.s.notifications {
		if notification.RetryDue(now) || notification.LeaseExpired(now) {
			due = append(due, notification)
		}
	}
	sort.Slice(due, func(i, j int) bool { return claimKey(due[i]).Before(claimKey(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].MarkSending(now, leaseUntil)
		n.s.notifications[due[i].ID] = due[i]
	}
	return due, nil
}

func claimKey(n alarms.Notification) time.Time {
	if !n.NextRetryAt.IsZero() {
		return n.NextRetryAt
	}
	return n.LeaseUntil
}

func (n *NotificationStore) ListByAlarm(_ context.Context, tenantID, alarmID string) ([]alarms.Notification, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	var out []alarms.Notification
	for _, notification := range n.s.notifications {
		if notification.TenantID == tenantID && notification.AlarmID == alarmID {
			out = append(out, notification)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (n *NotificationStore) ListForExport(_ context.Context, tenantID string, from, to time.Time) ([]alarms.Notification, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	var out []alarms.Notification
	for _, notification := range n.s.notifications {
		if notification.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && notification.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !notification.CreatedAt.Before(to) {
			continue
		}
		out = append(out, notification)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Attempts returns recorded delivery attempts for a notification.
func (n *NotificationStore) Attempts(notificationID string) []alarms.DeliveryAttempt {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	var out []alarms.DeliveryAttempt
	for _, a := range n.s.attempts {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out
}

// All returns every stored notification.
func (n *NotificationStore) All() []alarms.Notification {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	out := make([]alarms.Notification, 0, len(n.s.notifications))
	for _, notification := range n.s.notifications {
		out = append(out, notification)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Preferences and directory.

func (s *Store) Save(_ context.Context, prefs alarms.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[key(prefs.TenantID, prefs.UserID)] = prefs
	return nil
}

func (s *Store) Get(_ context.Context, tenantID, userID string) (alarms.Preferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[key(tenantID, userID)]
	return prefs, ok, nil
}

// SetDeviceName registers a display name for a device.
func (s *Store) SetDeviceName(tenantID, deviceID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[key(tenantID, deviceID)] = name
}

// SetTenantTimezone registers a tenant's IANA timezone.
func (s *Store) SetTenantTimezone(tenantID, tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timezones[tenantID] = tz
}

func (s *Store) DeviceName(_ context.Context, tenantID, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[key(tenantID, deviceID)], nil
}

func (s *Store) TenantTimezone(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timezones[tenantID], nil
}
