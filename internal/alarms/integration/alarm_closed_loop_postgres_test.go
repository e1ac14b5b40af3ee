package integration_test

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	alarmapp "iot-alerting/internal/alarms/application"
	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
	alarmrepo "iot-alerting/internal/alarms/infrastructure/postgres"
	"iot-alerting/internal/alarms/notify"
	"iot-alerting/internal/eventing"
	eventingrepo "iot-alerting/internal/eventing/infrastructure/postgres"
)

func TestAlarmClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"tenants", "devices", "alert_rules", "notification_channels", "rule_channels",
		"alarms", "notifications", "notification_attempts", "event_outbox", "processed_events", "dead_letter_events"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}

	ctx := context.Background()
	tenantID := "tenant-it-alarm"
	deviceID := "device-it-alarm"

	for _, stmt := range []string{
		"DELETE FROM notifications WHERE tenant_id = $1",
		"DELETE FROM alarms WHERE tenant_id = $1",
		"DELETE FROM rule_channels WHERE tenant_id = $1",
		"DELETE FROM notification_channels WHERE tenant_id = $1",
		"DELETE FROM alert_rules WHERE tenant_id = $1",
		"DELETE FROM devices WHERE tenant_id = $1",
		"DELETE FROM tenants WHERE id = $1",
	} {
		_, _ = db.ExecContext(ctx, stmt, tenantID)
	}
	_, _ = db.ExecContext(ctx, "DELETE FROM event_outbox")
	_, _ = db.ExecContext(ctx, "DELETE FROM processed_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM dead_letter_events")

	_, err = db.ExecContext(ctx, `INSERT INTO tenants (id, name, timezone) VALUES ($1, $2, $3)`, tenantID, "Integration", "Europe/Berlin")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO devices (tenant_id, id, name) VALUES ($1, $2, $3)`, tenantID, deviceID, "Boiler 7")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ruleRepo := alarmrepo.NewRuleRepository(db)
	channelRepo := alarmrepo.NewChannelRepository(db)
	notificationRepo := alarmrepo.NewNotificationRepository(db)

	rule := &alarms.AlertRule{
		ID:       "rule-it-1",
		TenantID: tenantID,
		DeviceID: deviceID,
		Name:     "Boiler overheating",
		Kind:     alarms.ThresholdKind{Metric: "temperature", Operator: alarms.OperatorGreater, Threshold: 80},
		Severity: alarms.SeverityCritical,
		Cooldown: time.Minute,
		Enabled:  true,
	}
	require.NoError(t, ruleRepo.Create(ctx, rule))
	channel := &alarms.Channel{
		ID:       "channel-it-1",
		TenantID: tenantID,
		Type:     alarms.ChannelWebhook,
		Name:     "ops hook",
		Config:   alarms.WebhookConfig{URL: receiver.URL, Secret: "s3cret"},
		Enabled:  true,
		Verified: true,
	}
	require.NoError(t, channelRepo.Create(ctx, channel))
	require.NoError(t, ruleRepo.BindChannels(ctx, tenantID, rule.ID, []string{channel.ID}))

	bus := eventing.NewInMemoryBus()
	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db, "processed_events")
	dispatcher := eventing.NewDispatcher(bus, outboxStore, eventing.NewRegistry(events.Samples()...),
		eventingrepo.NewDLQStore(db, "dead_letter_events"))

	service, err := alarmapp.NewService(ruleRepo, alarmrepo.NewAlarmRepository(db, outboxStore))
	require.NoError(t, err)

	sender := notify.NewMultiSender().Register(notify.NewWebhookSender(), alarms.ChannelWebhook)
	notifier, err := notify.NewDispatcher(channelRepo, notificationRepo, nil, sender,
		notify.WithDirectory(alarmrepo.NewDirectory(db)))
	require.NoError(t, err)
	eventing.Subscribe(bus, eventing.EventTypeOf[events.AlarmRaised](), "notify.dispatch", notifier.HandleAlarmRaised, processedStore)

	at := time.Now().UTC().Truncate(time.Second)
	fired, err := service.Evaluate(ctx, alarms.Sample{
		TenantID: tenantID,
		DeviceID: deviceID,
		Values:   map[string]float64{"temperature": 91.5},
		At:       at,
	})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	alarm := fired[0]
	require.Equal(t, alarms.StatusActive, alarm.Status)

	// A second breach inside the cooldown is suppressed.
	again, err := service.Evaluate(ctx, alarms.Sample{
		TenantID: tenantID,
		DeviceID: deviceID,
		Values:   map[string]float64{"temperature": 95},
		At:       at.Add(10 * time.Second),
	})
	require.NoError(t, err)
	require.Empty(t, again)

	result, err := dispatcher.Dispatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)

	notifications, err := notificationRepo.ListByAlarm(ctx, tenantID, alarm.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, alarms.NotificationSent, notifications[0].Status)
	require.Equal(t, alarms.DeliverySuccess, notifications[0].DeliveryStatus)

	mu.Lock()
	require.Len(t, received, 1)
	require.Contains(t, received[0], "Boiler 7")
	mu.Unlock()

	// The outbox row is marked sent, so a second pass delivers nothing.
	_, err = dispatcher.Dispatch(ctx, 10)
	require.NoError(t, err)
	notifications, err = notificationRepo.ListByAlarm(ctx, tenantID, alarm.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	acked, err := service.Acknowledge(ctx, tenantID, alarm.ID, "operator-1")
	require.NoError(t, err)
	require.Equal(t, alarms.StatusAcknowledged, acked.Status)
	cleared, err := service.Clear(ctx, tenantID, alarm.ID, "operator-1")
	require.NoError(t, err)
	require.Equal(t, alarms.StatusCleared, cleared.Status)

	_, err = service.Acknowledge(ctx, tenantID, alarm.ID, "operator-1")
	require.ErrorIs(t, err, alarms.ErrInvalidTransition)
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	return err == nil && exists
}
