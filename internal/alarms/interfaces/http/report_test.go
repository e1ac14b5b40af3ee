package http

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	alarms "iot-alerting/internal/alarms/domain"
)

func TestBuildDeliveryExportXLSXSummarySheet(t *testing.T) {
	from := time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)
	notifications := []alarms.Notification{
		{ID: "n-1", AlarmID: "a-1", Status: alarms.NotificationSent, RetryCount: 2, CreatedAt: from},
		{ID: "n-2", AlarmID: "a-1", Status: alarms.NotificationBounced, CreatedAt: from},
		{ID: "n-3", AlarmID: "a-2", Status: alarms.NotificationSkipped, SkipReason: alarms.SkipMuted, CreatedAt: from},
	}

	raw, err := BuildDeliveryExportXLSX("tenant-a", notifications, from, to)
	require.NoError(t, err)
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows("summary")
	require.NoError(t, err)
	require.Len(t, rows, 15)
	assert.Equal(t, []string{"Notification Delivery Export"}, rows[0])
	assert.Empty(t, rows[1])
	assert.Equal(t, []string{"Tenant", "tenant-a"}, rows[2])
	assert.Equal(t, "From", rows[3][0])
	assert.Equal(t, []string{"Total", "3"}, rows[5])
	assert.Equal(t, []string{"Retries", "2"}, rows[6])
	assert.Equal(t, []string{"Status", "Count"}, rows[8])
	assert.Equal(t, [][]string{
		{"pending", "0"},
		{"sending", "0"},
		{"sent", "1"},
		{"failed", "0"},
		{"bounced", "1"},
		{"skipped", "1"},
	}, rows[9:])

	detail, err := book.GetRows("notifications")
	require.NoError(t, err)
	require.Len(t, detail, 4)
	assert.Equal(t, "muted", detail[3][10])
}
