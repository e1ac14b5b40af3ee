package alarms

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuietHoursOvernightWindow(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}
	day := func(h, m int) time.Time { return time.Date(2026, 10, 16, h, m, 0, 0, time.UTC) }

	assert.True(t, q.Contains(day(23, 30), ""))
	assert.True(t, q.Contains(day(2, 0), ""))
	assert.False(t, q.Contains(day(7, 0), ""))
	assert.False(t, q.Contains(day(12, 0), ""))
	assert.True(t, q.Contains(day(22, 0), ""))
}

func TestQuietHoursUsesFallbackTimezone(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "09:00", End: "17:00"}
	// 14:00 UTC is 10:00 in New York and 23:00 in Tokyo.
	at := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)
	assert.True(t, q.Contains(at, "America/New_York"))
	assert.False(t, q.Contains(at, "Asia/Tokyo"))
}

func TestQuietHoursOvernightBelongsToStartDay(t *testing.T) {
	friday := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Friday, friday.Weekday())
	q := QuietHours{Enabled: true, Start: "22:00", End: "07:00", DaysOfWeek: []int{int(time.Friday)}}

	assert.True(t, q.Contains(friday, ""))
	assert.True(t, q.Contains(friday.Add(4*time.Hour), ""), "Saturday 03:00 is Friday night")
	assert.False(t, q.Contains(friday.Add(-24*time.Hour+4*time.Hour), ""), "Friday 03:00 is Thursday night")
}

func TestQuietHoursValidate(t *testing.T) {
	assert.NoError(t, QuietHours{}.Validate())
	assert.Error(t, QuietHours{Enabled: true, Start: "25:00", End: "07:00"}.Validate())
	assert.Error(t, QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Mars/Base"}.Validate())
}

func TestPreferencesSkipReason(t *testing.T) {
	night := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	prefs := Preferences{
		MutedRuleIDs: []string{"r-muted"},
		QuietHours:   QuietHours{Enabled: true, Start: "22:00", End: "07:00", AllowCritical: true},
	}

	assert.Equal(t, SkipMuted, prefs.SkipReason(Alarm{RuleID: "r-muted", Severity: SeverityCritical}, noon, "UTC"))
	assert.Equal(t, SkipQuietHours, prefs.SkipReason(Alarm{RuleID: "r1", Severity: SeverityMinor}, night, "UTC"))
	assert.Empty(t, prefs.SkipReason(Alarm{RuleID: "r1", Severity: SeverityCritical}, night, "UTC"))
	assert.Empty(t, prefs.SkipReason(Alarm{RuleID: "r1", Severity: SeverityMinor}, noon, "UTC"))
}
