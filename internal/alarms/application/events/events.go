// Package events holds the alarm lifecycle events carried through the outbox.
package events

import (
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

// AlarmRaised is emitted in the same transaction that creates an ACTIVE alarm.
type AlarmRaised struct {
	AlarmID    string       `json:"alarm_id"`
	TenantID   string       `json:"tenant_id"`
	DeviceID   string       `json:"device_id"`
	RuleID     string       `json:"rule_id"`
	RuleName   string       `json:"rule_name"`
	Alarm      alarms.Alarm `json:"alarm"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// AlarmAcknowledged is emitted when an operator acknowledges an alarm.
type AlarmAcknowledged struct {
	AlarmID    string       `json:"alarm_id"`
	TenantID   string       `json:"tenant_id"`
	DeviceID   string       `json:"device_id"`
	Actor      string       `json:"actor"`
	Alarm      alarms.Alarm `json:"alarm"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// AlarmCleared is emitted when an alarm is cleared.
type AlarmCleared struct {
	AlarmID    string       `json:"alarm_id"`
	TenantID   string       `json:"tenant_id"`
	DeviceID   string       `json:"device_id"`
	Actor      string       `json:"actor,omitempty"`
	Alarm      alarms.Alarm `json:"alarm"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Samples returns one zero value of every alarm event for registry registration.
func Samples() []any {
	return []any{AlarmRaised{}, AlarmAcknowledged{}, AlarmCleared{}}
}

// AlarmOf extracts the alarm snapshot from any alarm event.
func AlarmOf(event any) (alarms.Alarm, bool) {
	switch e := event.(type) {
	case AlarmRaised:
		return e.Alarm, true
	case AlarmAcknowledged:
		return e.Alarm, true
	case AlarmCleared:
		return e.Alarm, true
	case *AlarmRaised:
		return e.Alarm, e != nil
	case *AlarmAcknowledged:
		return e.Alarm, e != nil
	case *AlarmCleared:
		return e.Alarm, e != nil
	default:
		return alarms.Alarm{}, false
	}
}

// Name is the short lifecycle label used by SSE clients.
func Name(event any) string {
	switch event.(type) {
	case AlarmRaised, *AlarmRaised:
		return "raised"
	case AlarmAcknowledged, *AlarmAcknowledged:
		return "acknowledged"
	case AlarmCleared, *AlarmCleared:
		return "cleared"
	default:
		return ""
	}
}
