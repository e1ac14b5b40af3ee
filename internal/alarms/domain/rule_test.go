package alarms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertRuleValidate(t *testing.T) {
	valid := AlertRule{
		TenantID: "t1",
		Name:     "hot",
		Kind:     ThresholdKind{Metric: "temperature", Operator: OperatorGreater, Threshold: 30},
		Severity: SeverityMajor,
		Cooldown: 5 * time.Minute,
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(r *AlertRule){
		"missing kind":      func(r *AlertRule) { r.Kind = nil },
		"missing metric":    func(r *AlertRule) { r.Kind = ThresholdKind{Operator: OperatorGreater} },
		"bad operator":      func(r *AlertRule) { r.Kind = ThresholdKind{Metric: "x", Operator: "=~"} },
		"empty composite":   func(r *AlertRule) { r.Kind = CompositeKind{Logic: LogicAnd} },
		"bad logic":         func(r *AlertRule) { r.Kind = CompositeKind{Logic: "XOR", Conditions: []Condition{{Field: "a", Operator: OperatorLess}}} },
		"condition field":   func(r *AlertRule) { r.Kind = CompositeKind{Logic: LogicOr, Conditions: []Condition{{Operator: OperatorLess}}} },
		"unknown severity":  func(r *AlertRule) { r.Severity = "loud" },
		"negative cooldown": func(r *AlertRule) { r.Cooldown = -time.Second },
		"missing tenant":    func(r *AlertRule) { r.TenantID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rule := valid
			mutate(&rule)
			err := rule.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

func TestAlertRuleCooldownActive(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rule := AlertRule{Cooldown: 5 * time.Minute}
	assert.False(t, rule.CooldownActive(base), "never fired")

	rule.LastFiredAt = base
	assert.True(t, rule.CooldownActive(base.Add(2*time.Minute)))
	assert.False(t, rule.CooldownActive(base.Add(5*time.Minute)))
	assert.False(t, rule.CooldownActive(base.Add(6*time.Minute)))

	rule.Cooldown = 0
	assert.False(t, rule.CooldownActive(base))
}

func TestAlertRuleAppliesTo(t *testing.T) {
	fleet := AlertRule{TenantID: "t1", Enabled: true}
	scoped := AlertRule{TenantID: "t1", DeviceID: "d1", Enabled: true}

	assert.True(t, fleet.AppliesTo("t1", "d9"))
	assert.False(t, fleet.AppliesTo("t2", "d9"))
	assert.True(t, scoped.AppliesTo("t1", "d1"))
	assert.False(t, scoped.AppliesTo("t1", "d2"))

	scoped.Enabled = false
	assert.False(t, scoped.AppliesTo("t1", "d1"))
}

func TestKindRoundTripThroughDefinition(t *testing.T) {
	composite := CompositeKind{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Field: "humidity", Operator: OperatorGreater, Threshold: 80, Weight: 2},
			{Field: "temperature", Operator: OperatorGreater, Threshold: 25},
		},
	}
	name, raw, err := EncodeKind(composite)
	require.NoError(t, err)
	assert.Equal(t, KindComposite, name)

	decoded, err := DecodeKind(name, raw)
	require.NoError(t, err)
	assert.Equal(t, composite, decoded)
}

func TestDecodeKindRejectsUnknown(t *testing.T) {
	_, err := DecodeKind("RATE", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	_, err = DecodeKind(KindThreshold, []byte(`{"metric":`))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}
