package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ActionAlarmAcknowledge = "alarm.acknowledge"
	ActionAlarmClear       = "alarm.clear"
	ActionRuleCreate       = "rule.create"
	ActionRuleBindChannels = "rule.bind_channels"
	ActionChannelCreate    = "channel.create"
	ActionPreferencesSave  = "preferences.save"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	TenantID      string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NopLogger drops entries.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Entry) error { return nil }

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustMetadata marshals v, returning nil when it cannot be encoded.
func MustMetadata(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
