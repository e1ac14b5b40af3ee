package alarms

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	KindThreshold = "THRESHOLD"
	KindComposite = "COMPOSITE"
)

// Logic combines composite conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// RuleKind is the predicate of a rule. Implementations are ThresholdKind and CompositeKind.
type RuleKind interface {
	kindName() string
	validate() error
}

// ThresholdKind compares one metric against a threshold.
type ThresholdKind struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

func (ThresholdKind) kindName() string { return KindThreshold }

func (k ThresholdKind) validate() error {
	if strings.TrimSpace(k.Metric) == "" {
		return configErr("metric", "required for threshold rules")
	}
	if !k.Operator.Valid() {
		return configErr("operator", fmt.Sprintf("unsupported operator %q", k.Operator))
	}
	return nil
}

// Condition is one comparison inside a composite rule.
type Condition struct {
	Field     string   `json:"field"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Weight    float64  `json:"weight,omitempty"`
}

// CompositeKind combines several conditions with AND/OR.
type CompositeKind struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

func (CompositeKind) kindName() string { return KindComposite }

func (k CompositeKind) validate() error {
	if len(k.Conditions) == 0 {
		return configErr("conditions", "composite rules need at least one condition")
	}
	if k.Logic != LogicAnd && k.Logic != LogicOr {
		return configErr("logic", fmt.Sprintf("unsupported logic %q", k.Logic))
	}
	for i, cond := range k.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return configErr(fmt.Sprintf("conditions[%d].field", i), "required")
		}
		if !cond.Operator.Valid() {
			return configErr(fmt.Sprintf("conditions[%d].operator", i), fmt.Sprintf("unsupported operator %q", cond.Operator))
		}
	}
	return nil
}

// AlertRule is a tenant-owned alert definition. An empty DeviceID applies to the whole fleet.
type AlertRule struct {
	ID          string
	TenantID    string
	DeviceID    string
	Name        string
	Kind        RuleKind
	Severity    Severity
	Cooldown    time.Duration
	Enabled     bool
	LastFiredAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// DefinitionError is set by stores when the persisted definition could not be decoded.
	DefinitionError error
}

// Validate checks rule invariants and returns a *ConfigurationError when they do not hold.
func (r AlertRule) Validate() error {
	if r.DefinitionError != nil {
		return r.DefinitionError
	}
	if r.TenantID == "" {
		return configErr("tenant_id", "required")
	}
	if r.Kind == nil {
		return configErr("kind", "missing rule kind")
	}
	if !r.Severity.Valid() {
		return configErr("severity", fmt.Sprintf("unsupported severity %q", r.Severity))
	}
	if r.Cooldown < 0 {
		return configErr("cooldown", "must not be negative")
	}
	return r.Kind.validate()
}

// KindName returns THRESHOLD or COMPOSITE, or "" when the kind is missing.
func (r AlertRule) KindName() string {
	if r.Kind == nil {
		return ""
	}
	return r.Kind.kindName()
}

// FleetWide reports whether the rule applies to every device of the tenant.
func (r AlertRule) FleetWide() bool {
	return r.DeviceID == ""
}

// AppliesTo reports whether the rule should be evaluated for the device.
func (r AlertRule) AppliesTo(tenantID, deviceID string) bool {
	return r.Enabled && r.TenantID == tenantID && (r.FleetWide() || r.DeviceID == deviceID)
}

// CooldownActive reports whether a fire at now would fall inside the cooldown window.
func (r AlertRule) CooldownActive(now time.Time) bool {
	if r.LastFiredAt.IsZero() || r.Cooldown <= 0 {
		return false
	}
	return now.Sub(r.LastFiredAt) < r.Cooldown
}

// Source is the alarm source label for alarms raised by this rule.
func (r AlertRule) Source() string {
	return "rule:" + strings.ToLower(r.KindName())
}

// EncodeKind serializes a rule kind into its discriminator and JSON definition.
func EncodeKind(kind RuleKind) (string, []byte, error) {
	if kind == nil {
		return "", nil, configErr("kind", "missing rule kind")
	}
	raw, err := json.Marshal(kind)
	if err != nil {
		return "", nil, err
	}
	return kind.kindName(), raw, nil
}

// DecodeKind parses a stored definition for the given discriminator.
func DecodeKind(name string, raw []byte) (RuleKind, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case KindThreshold:
		var kind ThresholdKind
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, configErr("definition", err.Error())
		}
		return kind, nil
	case KindComposite:
		var kind CompositeKind
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, configErr("definition", err.Error())
		}
		kind.Logic = Logic(strings.ToUpper(string(kind.Logic)))
		return kind, nil
	default:
		return nil, configErr("kind", fmt.Sprintf("unknown rule kind %q", name))
	}
}
