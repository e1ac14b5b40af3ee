package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/audit"
	"iot-alerting/internal/auth"
)

// RuleInput is the API shape of a rule definition.
type RuleInput struct {
	Name            string          `json:"name"`
	DeviceID        string          `json:"device_id,omitempty"`
	Kind            string          `json:"kind"`
	Definition      json.RawMessage `json:"definition"`
	Severity        string          `json:"severity"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

// ToRule builds and validates a rule for the tenant. The returned rule has no ID.
func (in RuleInput) ToRule(tenantID string) (alarms.AlertRule, error) {
	kind, err := alarms.DecodeKind(in.Kind, in.Definition)
	if err != nil {
		return alarms.AlertRule{}, err
	}
	severity, ok := alarms.ParseSeverity(in.Severity)
	if !ok {
		return alarms.AlertRule{}, &alarms.ConfigurationError{Field: "severity", Reason: fmt.Sprintf("unsupported severity %q", in.Severity)}
	}
	rule := alarms.AlertRule{
		TenantID: tenantID,
		DeviceID: strings.TrimSpace(in.DeviceID),
		Name:     strings.TrimSpace(in.Name),
		Kind:     kind,
		Severity: severity,
		Cooldown: time.Duration(in.CooldownSeconds) * time.Second,
		Enabled:  in.Enabled == nil || *in.Enabled,
	}
	if rule.Name == "" {
		return alarms.AlertRule{}, &alarms.ConfigurationError{Field: "name", Reason: "required"}
	}
	if err := rule.Validate(); err != nil {
		return alarms.AlertRule{}, err
	}
	return rule, nil
}

// ChannelInput is the API shape of a channel.
type ChannelInput struct {
	UserID  string          `json:"user_id"`
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// RuleProblem describes a stored rule that fails validation.
type RuleProblem struct {
	TenantID string
	RuleID   string
	Name     string
	Err      error
}

// ConfigService manages rules, channels and preferences.
type ConfigService struct {
	rules    RuleRepository
	channels ChannelRepository
	prefs    PreferencesRepository
	audit    audit.Logger
	clock    Clock
	logger   *zap.Logger
}

// NewConfigService constructs a ConfigService. prefs may be nil when preferences are not served.
func NewConfigService(rules RuleRepository, channels ChannelRepository, prefs PreferencesRepository, auditLogger audit.Logger, logger *zap.Logger) (*ConfigService, error) {
	if rules == nil || channels == nil {
		return nil, errors.New("alarm config: nil repository")
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigService{
		rules:    rules,
		channels: channels,
		prefs:    prefs,
		audit:    auditLogger,
		clock:    systemClock{},
		logger:   logger,
	}, nil
}

// ValidateRule checks a definition without storing it.
func (s *ConfigService) ValidateRule(tenantID string, in RuleInput) error {
	_, err := in.ToRule(tenantID)
	return err
}

// CreateRule validates and stores a rule.
func (s *ConfigService) CreateRule(ctx context.Context, tenantID string, in RuleInput) (*alarms.AlertRule, error) {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	rule, err := in.ToRule(tenantID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := s.rules.Create(ctx, &rule); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, audit.ActionRuleCreate, "rule", rule.ID, map[string]any{
		"kind":     rule.KindName(),
		"severity": rule.Severity,
		"device":   rule.DeviceID,
	})
	return &rule, nil
}

// BindChannels replaces the set of channels notified when the rule fires.
// Every channel must belong to the rule's tenant.
func (s *ConfigService) BindChannels(ctx context.Context, tenantID, ruleID string, channelIDs []string) error {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	if _, err := s.rules.GetByID(ctx, tenantID, ruleID); err != nil {
		return err
	}
	channelIDs = lo.Uniq(lo.Without(channelIDs, ""))
	if len(channelIDs) > 0 {
		found, err := s.channels.GetByIDs(ctx, tenantID, channelIDs)
		if err != nil {
			return err
		}
		known := lo.Associate(found, func(c alarms.Channel) (string, struct{}) { return c.ID, struct{}{} })
		for _, id := range channelIDs {
			if _, ok := known[id]; !ok {
				return fmt.Errorf("channel %s: %w", id, alarms.ErrNotFound)
			}
		}
	}
	if err := s.rules.BindChannels(ctx, tenantID, ruleID, channelIDs); err != nil {
		return err
	}
	s.record(ctx, tenantID, audit.ActionRuleBindChannels, "rule", ruleID, map[string]any{"channel_ids": channelIDs})
	return nil
}

// CreateChannel validates the typed config and stores the channel. Email channels start unverified.
func (s *ConfigService) CreateChannel(ctx context.Context, tenantID string, in ChannelInput) (*alarms.Channel, error) {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	channelType := alarms.ChannelType(strings.ToLower(strings.TrimSpace(in.Type)))
	cfg, err := alarms.ParseChannelConfig(channelType, in.Config)
	if err != nil {
		return nil, err
	}
	userID := in.UserID
	if userID == "" {
		userID = auth.SubjectFromContext(ctx)
	}
	now := s.clock.Now().UTC()
	channel := alarms.Channel{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Type:      channelType,
		Name:      strings.TrimSpace(in.Name),
		Config:    cfg,
		Enabled:   in.Enabled == nil || *in.Enabled,
		Verified:  channelType != alarms.ChannelEmail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	if err := s.channels.Create(ctx, &channel); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, audit.ActionChannelCreate, "channel", channel.ID, map[string]any{"type": channelType})
	return &channel, nil
}

// SavePreferences stores mutes and quiet hours for the calling user.
func (s *ConfigService) SavePreferences(ctx context.Context, prefs alarms.Preferences) (*alarms.Preferences, error) {
	if s.prefs == nil {
		return nil, errors.New("alarm config: preferences not configured")
	}
	if err := auth.EnsureTenant(ctx, prefs.TenantID); err != nil {
		return nil, err
	}
	if prefs.TenantID == "" || prefs.UserID == "" {
		return nil, &alarms.ConfigurationError{Field: "user_id", Reason: "required"}
	}
	if err := prefs.QuietHours.Validate(); err != nil {
		return nil, err
	}
	prefs.MutedRuleIDs = lo.Uniq(lo.Without(prefs.MutedRuleIDs, ""))
	prefs.UpdatedAt = s.clock.Now().UTC()
	if err := s.prefs.Save(ctx, prefs); err != nil {
		return nil, err
	}
	s.record(ctx, prefs.TenantID, audit.ActionPreferencesSave, "preferences", prefs.UserID, map[string]any{
		"muted":       len(prefs.MutedRuleIDs),
		"quiet_hours": prefs.QuietHours.Enabled,
	})
	return &prefs, nil
}

// ValidateStoredRules checks every stored rule and reports the ones that would be skipped at evaluation.
func (s *ConfigService) ValidateStoredRules(ctx context.Context) ([]RuleProblem, int, error) {
	rules, err := s.rules.ListAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	var problems []RuleProblem
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			problems = append(problems, RuleProblem{TenantID: rule.TenantID, RuleID: rule.ID, Name: rule.Name, Err: err})
		}
	}
	return problems, len(rules), nil
}

func (s *ConfigService) record(ctx context.Context, tenantID, action, resourceType, resourceID string, metadata any) {
	identity, _ := auth.IdentityFromContext(ctx)
	err := s.audit.Log(ctx, audit.Entry{
		TenantID:     tenantID,
		Actor:        identity.Subject,
		Role:         string(identity.Role),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     audit.MustMetadata(metadata),
		CreatedAt:    s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
