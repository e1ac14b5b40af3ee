package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	alarms "iot-alerting/internal/alarms/domain"
	alarmrepo "iot-alerting/internal/alarms/infrastructure/postgres"
)

const notifyTenant = "tenant-it-notify"

func openNotifyDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range []string{"alarms", "notification_channels", "notifications"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}

	ctx := context.Background()
	for _, stmt := range []string{
		"DELETE FROM notifications WHERE tenant_id = $1",
		"DELETE FROM alarms WHERE tenant_id = $1",
		"DELETE FROM notification_channels WHERE tenant_id = $1",
	} {
		_, err := db.ExecContext(ctx, stmt, notifyTenant)
		require.NoError(t, err)
	}
	return db
}

func seedNotifyAlarm(t *testing.T, db *sql.DB, alarmID string, at time.Time) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
INSERT INTO alarms (id, tenant_id, device_id, source, severity, status, message, fired_at)
VALUES ($1, $2, 'dev-1', 'rule:threshold', 'major', 'ACTIVE', 'overheat', $3)`, alarmID, notifyTenant, at)
	require.NoError(t, err)
}

func seedNotifyChannel(t *testing.T, repo *alarmrepo.ChannelRepository, id string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &alarms.Channel{
		ID:       id,
		TenantID: notifyTenant,
		UserID:   "u-1",
		Type:     alarms.ChannelWebhook,
		Name:     id,
		Config:   alarms.WebhookConfig{URL: "https://hooks.example.com/" + id},
		Enabled:  true,
		Verified: true,
	}))
}

func TestDeletingChannelsKeepsNotificationHistory_Postgres(t *testing.T) {
	db := openNotifyDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	channels := alarmrepo.NewChannelRepository(db)
	notifications := alarmrepo.NewNotificationRepository(db)
	seedNotifyAlarm(t, db, "alarm-it-notify-1", now)
	for _, id := range []string{"channel-it-notify-1", "channel-it-notify-2"} {
		seedNotifyChannel(t, channels, id)
		created, err := notifications.Create(ctx, &alarms.Notification{
			ID:         "n-" + id,
			TenantID:   notifyTenant,
			AlarmID:    "alarm-it-notify-1",
			ChannelID:  id,
			Status:     alarms.NotificationSent,
			MaxRetries: alarms.DefaultMaxRetries,
			SentAt:     now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	// Each delete nulls channel_id on the alarm's row; the second must not collide with the first.
	for _, id := range []string{"channel-it-notify-1", "channel-it-notify-2"} {
		_, err := db.ExecContext(ctx, "DELETE FROM notification_channels WHERE id = $1", id)
		require.NoError(t, err)
	}

	rows, err := notifications.ListByAlarm(ctx, notifyTenant, "alarm-it-notify-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, n := range rows {
		require.Empty(t, n.ChannelID)
		require.Equal(t, alarms.NotificationSent, n.Status)
	}

	// The no-channel skip row is still recorded at most once per alarm.
	seedNotifyAlarm(t, db, "alarm-it-notify-2", now)
	for i, id := range []string{"n-skip-1", "n-skip-2"} {
		skip := alarms.Notification{ID: id, TenantID: notifyTenant, AlarmID: "alarm-it-notify-2", CreatedAt: now}
		skip.MarkSkipped(alarms.SkipNoChannels, now)
		created, err := notifications.Create(ctx, &skip)
		require.NoError(t, err)
		require.Equal(t, i == 0, created)
	}
}

func TestClaimDueReclaimsExpiredLease_Postgres(t *testing.T) {
	db := openNotifyDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	channels := alarmrepo.NewChannelRepository(db)
	notifications := alarmrepo.NewNotificationRepository(db)
	seedNotifyAlarm(t, db, "alarm-it-lease", now)
	seedNotifyChannel(t, channels, "channel-it-lease")

	n := alarms.Notification{
		ID:         "n-it-lease",
		TenantID:   notifyTenant,
		AlarmID:    "alarm-it-lease",
		ChannelID:  "channel-it-lease",
		MaxRetries: alarms.DefaultMaxRetries,
		CreatedAt:  now,
	}
	n.MarkSending(now, now.Add(30*time.Second))
	created, err := notifications.Create(ctx, &n)
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := notifications.ClaimDue(ctx, now.Add(29*time.Second), now.Add(59*time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	later := now.Add(30 * time.Second)
	claimed, err = notifications.ClaimDue(ctx, later, later.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, alarms.NotificationSending, claimed[0].Status)
	require.True(t, claimed[0].NextRetryAt.IsZero())
	require.True(t, claimed[0].LeaseUntil.Equal(later.Add(30*time.Second)))

	// The fresh lease hides the row from a concurrent sweep.
	claimed, err = notifications.ClaimDue(ctx, later, later.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}
