package alarms

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ChannelType names a notification destination kind.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
	ChannelSMS     ChannelType = "sms"
	ChannelAPNs    ChannelType = "apns"
	ChannelFCM     ChannelType = "fcm"
)

// Valid returns true for known channel types.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelEmail, ChannelSlack, ChannelWebhook, ChannelSMS, ChannelAPNs, ChannelFCM:
		return true
	default:
		return false
	}
}

// ChannelConfig is the typed configuration of a channel.
// Implementations are EmailConfig, SlackConfig, WebhookConfig, SMSConfig and PushConfig.
type ChannelConfig interface {
	Recipient() string
	validate() error
}

type EmailConfig struct {
	Address string `json:"address"`
}

func (c EmailConfig) Recipient() string { return c.Address }

func (c EmailConfig) validate() error {
	if _, err := mail.ParseAddress(c.Address); err != nil {
		return configErr("address", "invalid email address")
	}
	return nil
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func (c SlackConfig) Recipient() string { return c.WebhookURL }

func (c SlackConfig) validate() error {
	return validateURL("webhook_url", c.WebhookURL)
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

func (c WebhookConfig) Recipient() string { return c.URL }

func (c WebhookConfig) validate() error {
	return validateURL("url", c.URL)
}

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type SMSConfig struct {
	Phone string `json:"phone"`
}

func (c SMSConfig) Recipient() string { return c.Phone }

func (c SMSConfig) validate() error {
	if !phonePattern.MatchString(c.Phone) {
		return configErr("phone", "expected E.164 phone number")
	}
	return nil
}

// PushConfig serves both APNs and FCM channels.
type PushConfig struct {
	DeviceToken string `json:"device_token"`
}

func (c PushConfig) Recipient() string { return c.DeviceToken }

func (c PushConfig) validate() error {
	if strings.TrimSpace(c.DeviceToken) == "" {
		return configErr("device_token", "required")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return configErr(field, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return configErr(field, "url must be http or https")
	}
	return nil
}

// ParseChannelConfig decodes and validates the raw config for a channel type.
func ParseChannelConfig(channelType ChannelType, raw []byte) (ChannelConfig, error) {
	var cfg ChannelConfig
	switch channelType {
	case ChannelEmail:
		var c EmailConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, configErr("config", err.Error())
		}
		c.Address = strings.TrimSpace(c.Address)
		cfg = c
	case ChannelSlack:
		var c SlackConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, configErr("config", err.Error())
		}
		cfg = c
	case ChannelWebhook:
		var c WebhookConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, configErr("config", err.Error())
		}
		cfg = c
	case ChannelSMS:
		var c SMSConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, configErr("config", err.Error())
		}
		cfg = c
	case ChannelAPNs, ChannelFCM:
		var c PushConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, configErr("config", err.Error())
		}
		cfg = c
	default:
		return nil, configErr("channel_type", fmt.Sprintf("unsupported channel type %q", channelType))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Channel is a configured notification destination owned by a user.
type Channel struct {
	ID        string
	TenantID  string
	UserID    string
	Type      ChannelType
	Name      string
	Config    ChannelConfig
	Enabled   bool
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that the channel carries a config matching its type.
func (c Channel) Validate() error {
	if c.TenantID == "" {
		return configErr("tenant_id", "required")
	}
	if !c.Type.Valid() {
		return configErr("channel_type", fmt.Sprintf("unsupported channel type %q", c.Type))
	}
	if c.Config == nil {
		return configErr("config", "required")
	}
	if !configMatchesType(c.Type, c.Config) {
		return configErr("config", fmt.Sprintf("config does not match channel type %q", c.Type))
	}
	return c.Config.validate()
}

// Deliverable reports whether the dispatcher may send to this channel.
// Email channels additionally require a verified address.
func (c Channel) Deliverable() bool {
	if !c.Enabled {
		return false
	}
	if c.Type == ChannelEmail && !c.Verified {
		return false
	}
	return true
}

// Recipient returns the denormalized recipient string.
func (c Channel) Recipient() string {
	if c.Config == nil {
		return ""
	}
	return c.Config.Recipient()
}

func configMatchesType(t ChannelType, cfg ChannelConfig) bool {
	switch cfg.(type) {
	case EmailConfig:
		return t == ChannelEmail
	case SlackConfig:
		return t == ChannelSlack
	case WebhookConfig:
		return t == ChannelWebhook
	case SMSConfig:
		return t == ChannelSMS
	case PushConfig:
		return t == ChannelAPNs || t == ChannelFCM
	default:
		return false
	}
}
