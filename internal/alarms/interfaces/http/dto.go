package http

import (
	"encoding/json"
	"time"

	alarms "iot-alerting/internal/alarms/domain"
)

const redacted = "********"

type ruleResponse struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	DeviceID        string          `json:"device_id,omitempty"`
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	Definition      json.RawMessage `json:"definition"`
	Severity        alarms.Severity `json:"severity"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newRuleResponse(rule alarms.AlertRule) (ruleResponse, error) {
	kind, definition, err := alarms.EncodeKind(rule.Kind)
	if err != nil {
		return ruleResponse{}, err
	}
	return ruleResponse{
		ID:              rule.ID,
		TenantID:        rule.TenantID,
		DeviceID:        rule.DeviceID,
		Name:            rule.Name,
		Kind:            kind,
		Definition:      definition,
		Severity:        rule.Severity,
		CooldownSeconds: int(rule.Cooldown / time.Second),
		Enabled:         rule.Enabled,
		CreatedAt:       rule.CreatedAt,
	}, nil
}

type channelResponse struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	UserID    string             `json:"user_id"`
	Type      alarms.ChannelType `json:"type"`
	Name      string             `json:"name,omitempty"`
	Config    any                `json:"config"`
	Enabled   bool               `json:"enabled"`
	Verified  bool               `json:"verified"`
	CreatedAt time.Time          `json:"created_at"`
}

// newChannelResponse hides webhook secrets.
func newChannelResponse(channel alarms.Channel) channelResponse {
	var cfg any = channel.Config
	if hook, ok := channel.Config.(alarms.WebhookConfig); ok && hook.Secret != "" {
		hook.Secret = redacted
		cfg = hook
	}
	return channelResponse{
		ID:        channel.ID,
		TenantID:  channel.TenantID,
		UserID:    channel.UserID,
		Type:      channel.Type,
		Name:      channel.Name,
		Config:    cfg,
		Enabled:   channel.Enabled,
		Verified:  channel.Verified,
		CreatedAt: channel.CreatedAt,
	}
}

type validationResponse struct {
	Valid bool   `json:"valid"`
	Field string `json:"field,omitempty"`
	Error string `json:"error,omitempty"`
}
