package alarms

import "strings"

// Severity classifies how urgent an alarm is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ParseSeverity normalizes a severity label.
func ParseSeverity(value string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(value)))
	if sev.Valid() {
		return sev, true
	}
	return "", false
}

// Valid returns true for known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities, higher is more urgent. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityMajor:
		return 4
	case SeverityMinor:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AllSeverities lists severities from most to least urgent.
func AllSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityMajor, SeverityMinor, SeverityWarning, SeverityInfo}
}
