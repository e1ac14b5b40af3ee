package alarms

import "time"

// Status is the lifecycle state of an alarm.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusCleared      Status = "CLEARED"
)

// Valid returns true for known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusCleared:
		return true
	default:
		return false
	}
}

// Alarm is one fired instance of a rule. It keeps the severity the rule had when it fired.
type Alarm struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	RuleID         string             `json:"rule_id,omitempty"`
	DeviceID       string             `json:"device_id"`
	Source         string             `json:"source"`
	Severity       Severity           `json:"severity"`
	Status         Status             `json:"status"`
	Message        string             `json:"message"`
	MetricSnapshot map[string]float64 `json:"metric_snapshot,omitempty"`
	Context        map[string]any     `json:"context,omitempty"`
	FiredAt        time.Time          `json:"fired_at"`
	AckedBy        string             `json:"acked_by,omitempty"`
	AckedAt        time.Time          `json:"acked_at,omitempty"`
	ClearedBy      string             `json:"cleared_by,omitempty"`
	ClearedAt      time.Time          `json:"cleared_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Acknowledge moves an ACTIVE alarm to ACKNOWLEDGED.
// Acknowledging an already acknowledged alarm is a no-op and reports changed=false.
func (a *Alarm) Acknowledge(userID string, now time.Time) (bool, error) {
	switch a.Status {
	case StatusActive:
		a.Status = StatusAcknowledged
		a.AckedBy = userID
		a.AckedAt = now.UTC()
		a.UpdatedAt = now.UTC()
		return true, nil
	case StatusAcknowledged:
		return false, nil
	default:
		return false, ErrInvalidTransition
	}
}

// Clear moves an ACTIVE or ACKNOWLEDGED alarm to CLEARED. userID may be empty.
func (a *Alarm) Clear(userID string, now time.Time) error {
	switch a.Status {
	case StatusActive, StatusAcknowledged:
		a.Status = StatusCleared
		a.ClearedBy = userID
		a.ClearedAt = now.UTC()
		a.UpdatedAt = now.UTC()
		return nil
	default:
		return ErrInvalidTransition
	}
}

// AlarmFilter narrows alarm listings.
type AlarmFilter struct {
	Status   Status
	DeviceID string
	Severity Severity
	From     time.Time
	To       time.Time
	Limit    int
}

// Summary counts a tenant's alarms by status and severity.
type Summary struct {
	TenantID   string           `json:"tenant_id"`
	ByStatus   map[Status]int   `json:"by_status"`
	BySeverity map[Severity]int `json:"by_severity_open"`
	Total      int              `json:"total"`
	BuiltAt    time.Time        `json:"built_at"`
}

// NewSummary returns an empty summary with zeroed buckets.
func NewSummary(tenantID string, now time.Time) Summary {
	s := Summary{
		TenantID:   tenantID,
		ByStatus:   map[Status]int{StatusActive: 0, StatusAcknowledged: 0, StatusCleared: 0},
		BySeverity: make(map[Severity]int, 5),
		BuiltAt:    now.UTC(),
	}
	for _, sev := range AllSeverities() {
		s.BySeverity[sev] = 0
	}
	return s
}

// Add counts one alarm. Only alarms that are not cleared count towards severity buckets.
func (s *Summary) Add(status Status, severity Severity, count int) {
	s.ByStatus[status] += count
	s.Total += count
	if status != StatusCleared {
		s.BySeverity[severity] += count
	}
}
