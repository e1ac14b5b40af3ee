package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/alarms/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// scriptedSender returns queued outcomes per channel id; once a queue has one entry left it repeats it.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes map[string][]Outcome
	sent     []Message
	delay    time.Duration
	observe  func(Message)
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{outcomes: make(map[string][]Outcome)}
}

func (s *scriptedSender) script(channelID string, outcomes ...Outcome) {
	s.mu.Lock()
	s.outcomes[channelID] = outcomes
	s.mu.Unlock()
}

func (s *scriptedSender) Send(ctx context.Context, msg Message) Outcome {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return temporary(ctx.Err())
		}
	}
	if s.observe != nil {
		s.observe(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	queue := s.outcomes[msg.Channel.ID]
	if len(queue) == 0 {
		return success()
	}
	out := queue[0]
	if len(queue) > 1 {
		s.outcomes[msg.Channel.ID] = queue[1:]
	}
	return out
}

func (s *scriptedSender) sentTo(channelID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.sent {
		if msg.Channel.ID == channelID {
			out = append(out, msg)
		}
	}
	return out
}

type fixture struct {
	store      *memory.Store
	sender     *scriptedSender
	clock      *fakeClock
	dispatcher *Dispatcher
	bound      []string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore(nil)
	rule := alarms.AlertRule{
		ID:       "rule-1",
		TenantID: "tenant-a",
		Name:     "Overheat",
		Kind:     alarms.ThresholdKind{Metric: "temperature", Operator: alarms.OperatorGreater, Threshold: 80},
		Severity: alarms.SeverityMajor,
		Enabled:  true,
	}
	require.NoError(t, store.Create(context.Background(), &rule))
	store.SetDeviceName("tenant-a", "dev-1", "Boiler 1")

	f := &fixture{
		store:  store,
		sender: newScriptedSender(),
		clock:  &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	base := []Option{WithClock(f.clock), WithPreferences(store), WithDirectory(store)}
	dispatcher, err := NewDispatcher(store.Channels(), store.Notifications(), nil, f.sender, append(base, opts...)...)
	require.NoError(t, err)
	f.dispatcher = dispatcher
	return f
}

func (f *fixture) addChannel(t *testing.T, channel alarms.Channel) {
	t.Helper()
	channel.TenantID = "tenant-a"
	if channel.UserID == "" {
		channel.UserID = "u-1"
	}
	require.NoError(t, channel.Validate())
	require.NoError(t, f.store.Channels().Create(context.Background(), &channel))
	f.bound = append(f.bound, channel.ID)
	require.NoError(t, f.store.BindChannels(context.Background(), "tenant-a", "rule-1", f.bound))
}

func (f *fixture) byChannel(t *testing.T, channelID string) alarms.Notification {
	t.Helper()
	for _, n := range f.store.Notifications().All() {
		if n.ChannelID == channelID {
			return n
		}
	}
	t.Fatalf("no notification for channel %s", channelID)
	return alarms.Notification{}
}

func slackChannel(id string) alarms.Channel {
	return alarms.Channel{
		ID:       id,
		Type:     alarms.ChannelSlack,
		Config:   alarms.SlackConfig{WebhookURL: "https://hooks.slack.com/services/" + id},
		Enabled:  true,
		Verified: true,
	}
}

func raisedAlarm(at time.Time, severity alarms.Severity) alarms.Alarm {
	return alarms.Alarm{
		ID:       "alarm-1",
		TenantID: "tenant-a",
		RuleID:   "rule-1",
		DeviceID: "dev-1",
		Source:   "rule:threshold",
		Severity: severity,
		Status:   alarms.StatusActive,
		Message:  "Overheat: temperature > 80 (value 91)",
		Context: map[string]any{
			"rule_name": "Overheat",
			"metric":    "temperature",
			"operator":  ">",
			"threshold": 80.0,
			"value":     91.0,
		},
		FiredAt: at,
	}
}

func TestDispatchWithoutChannelsRecordsSkip(t *testing.T) {
	f := newFixture(t)
	alarm := raisedAlarm(f.clock.Now(), alarms.SeverityMajor)

	notes, err := f.dispatcher.Dispatch(context.Background(), alarm)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, alarms.NotificationSkipped, notes[0].Status)
	assert.Equal(t, alarms.SkipNoChannels, notes[0].SkipReason)
	assert.Empty(t, notes[0].ChannelID)

	notes, err = f.dispatcher.Dispatch(context.Background(), alarm)
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.Len(t, f.store.Notifications().All(), 1)
	assert.Empty(t, f.sender.sent)
}

func TestDispatchSendsToDeliverableChannelsOnly(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, slackChannel("ch-slack"))
	f.addChannel(t, alarms.Channel{
		ID:       "ch-hook",
		Type:     alarms.ChannelWebhook,
		Config:   alarms.WebhookConfig{URL: "https://hooks.example.com/alerts", Secret: "s3cret"},
		Enabled:  true,
		Verified: true,
	})
	f.addChannel(t, alarms.Channel{
		ID:      "ch-mail",
		Type:    alarms.ChannelEmail,
		Config:  alarms.EmailConfig{Address: "ops@example.com"},
		Enabled: true,
	})
	f.addChannel(t, alarms.Channel{
		ID:       "ch-sms",
		Type:     alarms.ChannelSMS,
		Config:   alarms.SMSConfig{Phone: "+4915112345678"},
		Enabled:  false,
		Verified: true,
	})

	notes, err := f.dispatcher.Dispatch(context.Background(), raisedAlarm(f.clock.Now(), alarms.SeverityMajor))
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, alarms.NotificationSent, n.Status)
		assert.Equal(t, alarms.DeliverySuccess, n.DeliveryStatus)
		assert.Equal(t, f.clock.Now(), n.SentAt)
		assert.Len(t, f.store.Notifications().Attempts(n.ID), 1)
	}

	slack := f.sender.sentTo("ch-slack")
	require.Len(t, slack, 1)
	assert.Contains(t, slack[0].Body, "Overheat")
	assert.Contains(t, slack[0].Body, "Boiler 1")

	hook := f.byChannel(t, "ch-hook")
	assert.True(t, strings.HasPrefix(hook.Body, `{"event":"alarm.raised"`))
	assert.Empty(t, f.sender.sentTo("ch-mail"))
	assert.Empty(t, f.sender.sentTo("ch-sms"))
}

func TestDispatchTwiceDoesNotResend(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, slackChannel("ch-1"))
	alarm := raisedAlarm(f.clock.Now(), alarms.SeverityMajor)

	_, err := f.dispatcher.Dispatch(context.Background(), alarm)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.HandleAlarmRaised(context.Background(), events.AlarmRaised{AlarmID: alarm.ID, Alarm: alarm}))

	assert.Len(t, f.sender.sentTo("ch-1"), 1)
	assert.Len(t, f.store.Notifications().All(), 1)
}

func TestDispatchHonoursPreferences(t *testing.T) {
	f := newFixture(t)
	muted := slackChannel("ch-muted")
	muted.UserID = "u-muted"
	quiet := slackChannel("ch-quiet")
	quiet.UserID = "u-quiet"
	f.addChannel(t, muted)
	f.addChannel(t, quiet)

	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, alarms.Preferences{TenantID: "tenant-a", UserID: "u-muted", MutedRuleIDs: []string{"rule-1"}}))
	require.NoError(t, f.store.Save(ctx, alarms.Preferences{
		TenantID:   "tenant-a",
		UserID:     "u-quiet",
		QuietHours: alarms.QuietHours{Enabled: true, Start: "08:00", End: "18:00", AllowCritical: true},
	}))

	_, err := f.dispatcher.Dispatch(ctx, raisedAlarm(f.clock.Now(), alarms.SeverityMajor))
	require.NoError(t, err)
	assert.Equal(t, alarms.SkipMuted, f.byChannel(t, "ch-muted").SkipReason)
	assert.Equal(t, alarms.SkipQuietHours, f.byChannel(t, "ch-quiet").SkipReason)
	assert.Empty(t, f.sender.sent)
}

func TestDispatchCriticalBreaksThroughQuietHours(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, slackChannel("ch-1"))
	require.NoError(t, f.store.Save(context.Background(), alarms.Preferences{
		TenantID:   "tenant-a",
		UserID:     "u-1",
		QuietHours: alarms.QuietHours{Enabled: true, Start: "08:00", End: "18:00", AllowCritical: true},
	}))

	_, err := f.dispatcher.Dispatch(context.Background(), raisedAlarm(f.clock.Now(), alarms.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, alarms.NotificationSent, f.byChannel(t, "ch-1").Status)
}

func TestDispatchOutcomeMapping(t *testing.T) {
	cases := []struct {
		name       string
		outcome    Outcome
		wantStatus alarms.NotificationStatus
		wantRetry  time.Duration
	}{
		{"temporary", temporary(assert.AnError), alarms.NotificationPending, time.Second},
		{"rate limited", rateLimited(assert.AnError, 0), alarms.NotificationPending, 4 * time.Second},
		{"rate limited with retry-after", rateLimited(assert.AnError, 30*time.Second), alarms.NotificationPending, 30 * time.Second},
		{"permanent", permanent(assert.AnError), alarms.NotificationFailed, 0},
		{"invalid address", invalidAddress(assert.AnError), alarms.NotificationBounced, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.addChannel(t, slackChannel("ch-1"))
			f.sender.script("ch-1", tc.outcome)

			_, err := f.dispatcher.Dispatch(context.Background(), raisedAlarm(f.clock.Now(), alarms.SeverityMajor))
			require.NoError(t, err)

			n := f.byChannel(t, "ch-1")
			assert.Equal(t, tc.wantStatus, n.Status)
			assert.Equal(t, tc.outcome.Status, n.DeliveryStatus)
			assert.Equal(t, assert.AnError.Error(), n.LastError)
			assert.True(t, n.LeaseUntil.IsZero())
			if tc.wantRetry > 0 {
				assert.Equal(t, 1, n.RetryCount)
				assert.Equal(t, f.clock.Now().Add(tc.wantRetry), n.NextRetryAt)
			} else {
				assert.Equal(t, 0, n.RetryCount)
				assert.True(t, n.NextRetryAt.IsZero())
			}
		})
	}
}

func TestDispatchLeasesInFlightRows(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, slackChannel("ch-1"))
	f.sender.script("ch-1", temporary(assert.AnError), success())

	var inFlight []alarms.Notification
	f.sender.observe = func(msg Message) {
		inFlight = append(inFlight, f.byChannel(t, msg.Channel.ID))
	}

	_, err := f.dispatcher.Dispatch(context.Background(), raisedAlarm(f.clock.Now(), alarms.SeverityMajor))
	require.NoError(t, err)

	sweeper := NewSweeper(f.store.Notifications(), f.dispatcher, time.Second, 10, 1, nil)
	sweeper.SetClock(f.clock)
	f.clock.Add(time.Second)
	_, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, inFlight, 2)
	for i, n := range inFlight {
		assert.Equal(t, alarms.NotificationSending, n.Status, "attempt %d", i+1)
		assert.Equal(t, i, n.RetryCount, "attempt %d", i+1)
		assert.True(t, n.NextRetryAt.IsZero(), "next_retry_at is only set on scheduled retries")
		assert.False(t, n.LeaseUntil.IsZero(), "attempt %d", i+1)
	}
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(f.dispatcher.Lease()), inFlight[0].LeaseUntil)
	assert.Equal(t, start.Add(time.Second).Add(f.dispatcher.Lease()), inFlight[1].LeaseUntil)

	n := f.byChannel(t, "ch-1")
	assert.Equal(t, alarms.NotificationSent, n.Status)
	assert.True(t, n.LeaseUntil.IsZero())
}

func TestDispatcherLease(t *testing.T) {
	assert.Equal(t, 30*time.Second, newFixture(t).dispatcher.Lease())
	assert.Equal(t, 40*time.Second, newFixture(t, WithSendTimeout(20*time.Second)).dispatcher.Lease())
}

func TestDispatchSendTimeoutIsTemporary(t *testing.T) {
	f := newFixture(t, WithSendTimeout(20*time.Millisecond))
	f.sender.delay = time.Second
	f.addChannel(t, slackChannel("ch-1"))

	_, err := f.dispatcher.Dispatch(context.Background(), raisedAlarm(f.clock.Now(), alarms.SeverityMajor))
	require.NoError(t, err)

	n := f.byChannel(t, "ch-1")
	assert.Equal(t, alarms.NotificationPending, n.Status)
	assert.Equal(t, alarms.DeliveryTemporaryFailure, n.DeliveryStatus)
	assert.Contains(t, n.LastError, "timed out")
}

func TestDispatchUnknownSenderFailsPermanently(t *testing.T) {
	store := memory.NewStore(nil)
	rule := alarms.AlertRule{ID: "rule-1", TenantID: "tenant-a", Name: "r", Enabled: true, Severity: alarms.SeverityInfo,
		Kind: alarms.ThresholdKind{Metric: "m", Operator: alarms.OperatorGreater, Threshold: 1}}
	require.NoError(t, store.Create(context.Background(), &rule))
	channel := slackChannel("ch-1")
	channel.TenantID = "tenant-a"
	require.NoError(t, store.Channels().Create(context.Background(), &channel))
	require.NoError(t, store.BindChannels(context.Background(), "tenant-a", "rule-1", []string{"ch-1"}))

	dispatcher, err := NewDispatcher(store.Channels(), store.Notifications(), nil, NewMultiSender())
	require.NoError(t, err)
	notes, err := dispatcher.Dispatch(context.Background(), raisedAlarm(time.Now(), alarms.SeverityInfo))
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, alarms.NotificationFailed, notes[0].Status)
	assert.Equal(t, alarms.DeliveryPermanentFailure, notes[0].DeliveryStatus)
}

func TestHandleAlarmRaisedRejectsOtherEvents(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.dispatcher.HandleAlarmRaised(context.Background(), events.AlarmCleared{}))
	assert.NoError(t, f.dispatcher.HandleAlarmRaised(context.Background(), (*events.AlarmRaised)(nil)))
}
