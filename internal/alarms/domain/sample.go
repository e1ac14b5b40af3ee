package alarms

import "time"

// Sample is one telemetry write for a device.
type Sample struct {
	TenantID string
	DeviceID string
	Values   map[string]float64
	At       time.Time
}

// Value returns the metric value and whether it was present.
func (s Sample) Value(metric string) (float64, bool) {
	if s.Values == nil {
		return 0, false
	}
	v, ok := s.Values[metric]
	return v, ok
}
