package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/observability/metrics"
)

const (
	defaultSendTimeout = 5 * time.Second
	minLease           = 30 * time.Second
)

// Dispatcher fans an alarm out to the channels bound to its rule and records every delivery.
type Dispatcher struct {
	channels    ChannelResolver
	store       NotificationStore
	prefs       PreferencesReader
	directory   Directory
	templates   *Templates
	sender      Sender
	retry       RetryPolicy
	sendTimeout time.Duration
	maxRetries  int
	defaultTZ   string
	publicURL   string
	clock       Clock
	logger      *zap.Logger
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryPolicy overrides the backoff policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(d *Dispatcher) {
		d.retry = policy.normalized()
	}
}

// WithSendTimeout bounds each channel send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithMaxRetries sets max_retries on new notifications.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithDefaultTimezone is used when the tenant has no timezone.
func WithDefaultTimezone(tz string) Option {
	return func(d *Dispatcher) {
		if tz != "" {
			d.defaultTZ = tz
		}
	}
}

// WithPublicURL makes templates link to the alarm.
func WithPublicURL(url string) Option {
	return func(d *Dispatcher) {
		d.publicURL = strings.TrimRight(url, "/")
	}
}

// WithPreferences enables mute and quiet-hours filtering.
func WithPreferences(prefs PreferencesReader) Option {
	return func(d *Dispatcher) {
		d.prefs = prefs
	}
}

// WithDirectory resolves device names and tenant timezones.
func WithDirectory(directory Directory) Option {
	return func(d *Dispatcher) {
		d.directory = directory
	}
}

// NewDispatcher constructs a dispatcher. A nil templates uses the built-in templates.
func NewDispatcher(channels ChannelResolver, store NotificationStore, templates *Templates, sender Sender, opts ...Option) (*Dispatcher, error) {
	if channels == nil {
		return nil, errors.New("notify: nil channel resolver")
	}
	if store == nil {
		return nil, errors.New("notify: nil notification store")
	}
	if sender == nil {
		return nil, errors.New("notify: nil sender")
	}
	if templates == nil {
		defaults, err := ParseTemplates(nil)
		if err != nil {
			return nil, err
		}
		templates = defaults
	}
	d := &Dispatcher{
		channels:    channels,
		store:       store,
		templates:   templates,
		sender:      sender,
		retry:       DefaultRetryPolicy(),
		sendTimeout: defaultSendTimeout,
		maxRetries:  alarms.DefaultMaxRetries,
		defaultTZ:   "UTC",
		clock:       systemClock{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandleAlarmRaised is the event bus handler for AlarmRaised.
func (d *Dispatcher) HandleAlarmRaised(ctx context.Context, event any) error {
	var alarm alarms.Alarm
	switch e := event.(type) {
	case events.AlarmRaised:
		alarm = e.Alarm
	case *events.AlarmRaised:
		if e == nil {
			return nil
		}
		alarm = e.Alarm
	default:
		return fmt.Errorf("notify: unexpected event %T", event)
	}
	_, err := d.Dispatch(ctx, alarm)
	return err
}

// Dispatch records one notification per bound channel and sends the ones not skipped,
// concurrently across channels. Channels that already have a row for the alarm are left alone,
// so dispatching the same alarm twice does not send twice.
func (d *Dispatcher) Dispatch(ctx context.Context, alarm alarms.Alarm) ([]alarms.Notification, error) {
	now := d.clock.Now().UTC()
	var bound []alarms.Channel
	if alarm.RuleID != "" {
		channels, err := d.channels.ListBoundToRule(ctx, alarm.TenantID, alarm.RuleID)
		if err != nil {
			return nil, fmt.Errorf("notify: resolve channels: %w", err)
		}
		bound = channels
	}
	deliverable := lo.Filter(bound, func(ch alarms.Channel, _ int) bool { return ch.Deliverable() })

	if len(deliverable) == 0 {
		n := d.newNotification(alarm, nil, now)
		n.MarkSkipped(alarms.SkipNoChannels, now)
		created, err := d.store.Create(ctx, &n)
		if err != nil {
			return nil, fmt.Errorf("notify: record skip: %w", err)
		}
		if !created {
			return nil, nil
		}
		d.logger.Info("alarm has no deliverable channels",
			zap.String("tenant_id", alarm.TenantID),
			zap.String("alarm_id", alarm.ID),
			zap.String("rule_id", alarm.RuleID),
			zap.Int("bound", len(bound)),
		)
		return []alarms.Notification{n}, nil
	}

	tz := d.tenantTimezone(ctx, alarm.TenantID)
	data := BuildTemplateData(alarm, d.deviceName(ctx, alarm), location(tz), d.alarmURL(alarm))
	prefs := make(map[string]alarms.Preferences)

	type job struct {
		idx     int
		channel alarms.Channel
	}
	results := make([]alarms.Notification, 0, len(deliverable))
	var jobs []job
	for _, ch := range deliverable {
		n := d.newNotification(alarm, &ch, now)
		if reason := d.skipReason(ctx, prefs, alarm, ch, now, tz); reason != "" {
			n.MarkSkipped(reason, now)
		} else if rendered, err := d.templates.Render(ch.Type, data); err != nil {
			n.Fail(alarms.DeliveryPermanentFailure, err.Error(), now)
		} else {
			n.Subject = rendered.Subject
			n.Body = rendered.Body
			// If this process dies mid-send the sweeper reclaims the row once the lease runs out.
			n.MarkSending(now, now.Add(d.Lease()))
		}
		created, err := d.store.Create(ctx, &n)
		if err != nil {
			return results, fmt.Errorf("notify: record notification: %w", err)
		}
		if !created {
			d.logger.Debug("notification already recorded",
				zap.String("alarm_id", alarm.ID),
				zap.String("channel_id", ch.ID),
			)
			continue
		}
		results = append(results, n)
		if n.Status == alarms.NotificationSending {
			jobs = append(jobs, job{idx: len(results) - 1, channel: ch})
		}
	}

	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			return d.deliver(ctx, &results[j.idx], j.channel)
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Redeliver sends a claimed retry using its stored subject and body.
func (d *Dispatcher) Redeliver(ctx context.Context, n alarms.Notification) (alarms.Notification, error) {
	now := d.clock.Now().UTC()
	var channel *alarms.Channel
	if n.ChannelID != "" {
		channels, err := d.channels.GetByIDs(ctx, n.TenantID, []string{n.ChannelID})
		if err != nil {
			// The row stays leased; a later sweep reclaims it when the lease expires.
			return n, fmt.Errorf("notify: resolve channel: %w", err)
		}
		if len(channels) > 0 {
			channel = &channels[0]
		}
	}
	if channel == nil || !channel.Deliverable() {
		n.Fail(alarms.DeliveryPermanentFailure, "channel removed or disabled", now)
		return n, d.store.Update(ctx, &n)
	}
	err := d.deliver(ctx, &n, *channel)
	return n, err
}

func (d *Dispatcher) deliver(ctx context.Context, n *alarms.Notification, channel alarms.Channel) error {
	attempt := n.RetryCount + 1
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	started := time.Now()
	outcome := d.sender.Send(sendCtx, Message{
		NotificationID: n.ID,
		AlarmID:        n.AlarmID,
		TenantID:       n.TenantID,
		Channel:        channel,
		Subject:        n.Subject,
		Body:           n.Body,
	})
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(started)

	if outcome.Status == "" {
		outcome = temporary(errors.New("notify: sender reported no outcome"))
	}
	if timedOut && outcome.Status != alarms.DeliverySuccess {
		outcome = temporary(fmt.Errorf("notify: send timed out after %s", d.sendTimeout))
	}
	metrics.ObserveDelivery(string(channel.Type), string(outcome.Status), elapsed)

	now := d.clock.Now().UTC()
	d.apply(n, outcome, now)
	if err := d.store.Update(ctx, n); err != nil {
		return fmt.Errorf("notify: update notification %s: %w", n.ID, err)
	}
	if err := d.store.AddAttempt(ctx, alarms.DeliveryAttempt{
		NotificationID: n.ID,
		Attempt:        attempt,
		DeliveryStatus: outcome.Status,
		Error:          outcome.errorText(),
		Duration:       elapsed,
		AttemptedAt:    now,
	}); err != nil {
		return fmt.Errorf("notify: record attempt %s: %w", n.ID, err)
	}

	fields := []zap.Field{
		zap.String("tenant_id", n.TenantID),
		zap.String("alarm_id", n.AlarmID),
		zap.String("notification_id", n.ID),
		zap.String("channel_type", string(channel.Type)),
		zap.String("delivery_status", string(outcome.Status)),
		zap.String("status", string(n.Status)),
		zap.Int("attempt", attempt),
		zap.Duration("duration", elapsed),
	}
	if outcome.Status == alarms.DeliverySuccess {
		d.logger.Info("notification sent", fields...)
	} else {
		d.logger.Warn("notification delivery failed", append(fields, zap.Error(outcome.Err), zap.Time("next_retry_at", n.NextRetryAt))...)
	}
	return nil
}

// apply maps a send outcome onto the notification row.
func (d *Dispatcher) apply(n *alarms.Notification, outcome Outcome, now time.Time) {
	switch {
	case outcome.Status == alarms.DeliverySuccess:
		n.MarkSent(now)
	case outcome.Status.Retryable() && n.RetriesLeft():
		delay := d.retry.Delay(outcome.Status, n.RetryCount, outcome.RetryAfter)
		n.ScheduleRetry(outcome.Status, outcome.errorText(), now.Add(delay), now)
	default:
		n.Fail(outcome.Status, outcome.errorText(), now)
	}
}

func (d *Dispatcher) skipReason(ctx context.Context, cache map[string]alarms.Preferences, alarm alarms.Alarm, ch alarms.Channel, now time.Time, tz string) string {
	if d.prefs == nil || ch.UserID == "" {
		return ""
	}
	prefs, ok := cache[ch.UserID]
	if !ok {
		loaded, found, err := d.prefs.Get(ctx, alarm.TenantID, ch.UserID)
		if err != nil {
			d.logger.Warn("load notification preferences failed",
				zap.String("tenant_id", alarm.TenantID),
				zap.String("user_id", ch.UserID),
				zap.Error(err),
			)
		}
		if found {
			prefs = loaded
		}
		cache[ch.UserID] = prefs
	}
	return prefs.SkipReason(alarm, now, tz)
}

func (d *Dispatcher) newNotification(alarm alarms.Alarm, ch *alarms.Channel, now time.Time) alarms.Notification {
	n := alarms.Notification{
		ID:         uuid.NewString(),
		TenantID:   alarm.TenantID,
		AlarmID:    alarm.ID,
		Status:     alarms.NotificationPending,
		MaxRetries: d.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ch != nil {
		n.ChannelID = ch.ID
		n.ChannelType = ch.Type
		n.Recipient = ch.Recipient()
	}
	return n
}

func (d *Dispatcher) tenantTimezone(ctx context.Context, tenantID string) string {
	if d.directory == nil {
		return d.defaultTZ
	}
	tz, err := d.directory.TenantTimezone(ctx, tenantID)
	if err != nil {
		d.logger.Warn("tenant timezone lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return d.defaultTZ
	}
	if tz == "" {
		return d.defaultTZ
	}
	return tz
}

func (d *Dispatcher) deviceName(ctx context.Context, alarm alarms.Alarm) string {
	if d.directory == nil {
		return ""
	}
	name, err := d.directory.DeviceName(ctx, alarm.TenantID, alarm.DeviceID)
	if err != nil {
		d.logger.Warn("device name lookup failed", zap.String("device_id", alarm.DeviceID), zap.Error(err))
		return ""
	}
	return name
}

func (d *Dispatcher) alarmURL(alarm alarms.Alarm) string {
	if d.publicURL == "" {
		return ""
	}
	return d.publicURL + "/api/v1/alarms/" + alarm.ID
}

// Lease is how long a sending row is owned by one worker before the sweeper may reclaim it.
func (d *Dispatcher) Lease() time.Duration {
	if lease := 2 * d.sendTimeout; lease > minLease {
		return lease
	}
	return minLease
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
