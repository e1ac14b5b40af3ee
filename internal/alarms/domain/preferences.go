package alarms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours suppresses notifications during a daily window in a local timezone.
// A window whose start is after its end wraps midnight (22:00-07:00).
type QuietHours struct {
	Enabled       bool   `json:"enabled"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Timezone      string `json:"timezone,omitempty"`
	DaysOfWeek    []int  `json:"days_of_week,omitempty"`
	AllowCritical bool   `json:"allow_critical"`
}

// Validate checks the HH:MM window and timezone.
func (q QuietHours) Validate() error {
	if !q.Enabled {
		return nil
	}
	if _, err := parseClock(q.Start); err != nil {
		return configErr("quiet_hours.start", err.Error())
	}
	if _, err := parseClock(q.End); err != nil {
		return configErr("quiet_hours.end", err.Error())
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return configErr("quiet_hours.timezone", err.Error())
		}
	}
	for _, d := range q.DaysOfWeek {
		if d < 0 || d > 6 {
			return configErr("quiet_hours.days_of_week", "days are 0 (Sunday) to 6")
		}
	}
	return nil
}

// Contains reports whether t falls inside the window. fallbackTZ is used when the window has no timezone.
func (q QuietHours) Contains(t time.Time, fallbackTZ string) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	local := t.In(resolveLocation(q.Timezone, fallbackTZ))
	minutes := local.Hour()*60 + local.Minute()
	day := int(local.Weekday())

	if start < end {
		return minutes >= start && minutes < end && q.onDay(day)
	}
	// Overnight: the part after midnight belongs to the previous day's window.
	if minutes >= start {
		return q.onDay(day)
	}
	if minutes < end {
		return q.onDay((day + 6) % 7)
	}
	return false
}

func (q QuietHours) onDay(day int) bool {
	if len(q.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range q.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}

func resolveLocation(names ...string) *time.Location {
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}

// Preferences are a user's notification settings within a tenant.
type Preferences struct {
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id"`
	MutedRuleIDs []string   `json:"muted_rule_ids"`
	QuietHours   QuietHours `json:"quiet_hours"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Mutes reports whether the user muted the rule.
func (p Preferences) Mutes(ruleID string) bool {
	if ruleID == "" {
		return false
	}
	for _, id := range p.MutedRuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// SkipReason returns the reason a notification for the alarm must be skipped, or "".
func (p Preferences) SkipReason(alarm Alarm, now time.Time, tenantTZ string) string {
	if p.Mutes(alarm.RuleID) {
		return SkipMuted
	}
	if p.QuietHours.Contains(now, tenantTZ) {
		if alarm.Severity == SeverityCritical && p.QuietHours.AllowCritical {
			return ""
		}
		return SkipQuietHours
	}
	return ""
}
