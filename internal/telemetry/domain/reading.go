package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sources label where a reading entered the system.
const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"
	SourceMQTT = "mqtt"
)

var (
	// ErrInvalidPayload is returned for telemetry that cannot be decoded or lacks identity.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")
)

// Reading is one timestamped set of metric values from a device.
type Reading struct {
	TenantID   string
	DeviceID   string
	At         time.Time
	Values     map[string]float64
	Source     string
	ReceivedAt time.Time
}

// Repository persists readings.
type Repository interface {
	InsertReadings(ctx context.Context, readings []Reading) error
}

// Payload is the wire shape shared by the HTTP, AMQP and MQTT ingest paths.
// A payload carries either a single ts/values pair or a list of points.
type Payload struct {
	TenantID string             `json:"tenant_id"`
	DeviceID string             `json:"device_id"`
	TS       int64              `json:"ts"`
	Values   map[string]float64 `json:"values"`
	Points   []Point            `json:"points"`
}

// Point is one entry of a batched payload.
type Point struct {
	TS     int64              `json:"ts"`
	Values map[string]float64 `json:"values"`
}

// Identity fills tenant and device ids the transport already knows.
// Transport values win over ids in the body.
type Identity struct {
	TenantID string
	DeviceID string
}

// Decode parses body into readings for the given source.
func Decode(body []byte, identity Identity, source string, receivedAt time.Time) ([]Reading, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload.Readings(identity, source, receivedAt)
}

// Readings converts the payload. Non-finite values are dropped.
func (p Payload) Readings(identity Identity, source string, receivedAt time.Time) ([]Reading, error) {
	tenantID := firstNonEmpty(identity.TenantID, p.TenantID)
	deviceID := firstNonEmpty(identity.DeviceID, p.DeviceID)
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id/device_id", ErrInvalidPayload)
	}

	points := p.Points
	if len(points) == 0 && len(p.Values) > 0 {
		points = []Point{{TS: p.TS, Values: p.Values}}
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no telemetry points", ErrInvalidPayload)
	}

	receivedAt = receivedAt.UTC()
	readings := make([]Reading, 0, len(points))
	for _, point := range points {
		at := receivedAt
		if point.TS != 0 {
			parsed, err := parseTimestamp(point.TS)
			if err != nil {
				return nil, err
			}
			at = parsed
		}
		values := make(map[string]float64, len(point.Values))
		for key, value := range point.Values {
			key = strings.TrimSpace(key)
			if key == "" || math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			values[key] = value
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: empty values", ErrInvalidPayload)
		}
		readings = append(readings, Reading{
			TenantID:   tenantID,
			DeviceID:   deviceID,
			At:         at,
			Values:     values,
			Source:     source,
			ReceivedAt: receivedAt,
		})
	}
	return readings, nil
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, fmt.Errorf("%w: invalid ts", ErrInvalidPayload)
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
