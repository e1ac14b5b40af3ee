package application

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	alarms "iot-alerting/internal/alarms/domain"
)

// FireDecision is a rule that matched a sample.
type FireDecision struct {
	RuleID         string
	RuleName       string
	Kind           string
	Severity       alarms.Severity
	Source         string
	Message        string
	MetricSnapshot map[string]float64
	Context        map[string]any
}

// EvaluateRule applies the rule predicate to the sample. It ignores enablement and cooldown.
// A metric missing from the sample never matches.
func EvaluateRule(rule alarms.AlertRule, sample alarms.Sample) (FireDecision, bool) {
	decision := FireDecision{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Kind:     rule.KindName(),
		Severity: rule.Severity,
		Source:   rule.Source(),
	}

	switch kind := rule.Kind.(type) {
	case alarms.ThresholdKind:
		value, ok := sample.Value(kind.Metric)
		if !ok || !kind.Operator.Compare(value, kind.Threshold) {
			return FireDecision{}, false
		}
		decision.MetricSnapshot = map[string]float64{kind.Metric: value}
		decision.Message = fmt.Sprintf("%s: %s", rule.Name, describe(kind.Metric, kind.Operator, kind.Threshold, value))
		decision.Context = map[string]any{
			"metric":    kind.Metric,
			"operator":  string(kind.Operator),
			"threshold": kind.Threshold,
			"value":     value,
		}
		return decision, true

	case alarms.CompositeKind:
		matched := make([]alarms.Condition, 0, len(kind.Conditions))
		snapshot := make(map[string]float64, len(kind.Conditions))
		for _, cond := range kind.Conditions {
			value, ok := sample.Value(cond.Field)
			if !ok {
				continue
			}
			snapshot[cond.Field] = value
			if cond.Operator.Compare(value, cond.Threshold) {
				matched = append(matched, cond)
			}
		}
		switch kind.Logic {
		case alarms.LogicAnd:
			if len(matched) != len(kind.Conditions) {
				return FireDecision{}, false
			}
		case alarms.LogicOr:
			if len(matched) == 0 {
				return FireDecision{}, false
			}
		default:
			return FireDecision{}, false
		}

		parts := lo.Map(matched, func(c alarms.Condition, _ int) string {
			return describe(c.Field, c.Operator, c.Threshold, snapshot[c.Field])
		})
		score := lo.SumBy(matched, func(c alarms.Condition) float64 { return c.Weight })
		first := matched[0]
		decision.MetricSnapshot = snapshot
		decision.Message = fmt.Sprintf("%s: %s", rule.Name, strings.Join(parts, " "+string(kind.Logic)+" "))
		decision.Context = map[string]any{
			"logic":     string(kind.Logic),
			"score":     score,
			"matched":   lo.Map(matched, func(c alarms.Condition, _ int) string { return c.Field }),
			"metric":    first.Field,
			"operator":  string(first.Operator),
			"threshold": first.Threshold,
			"value":     snapshot[first.Field],
		}
		return decision, true
	}
	return FireDecision{}, false
}

// Evaluate returns the fire decisions for the sample: applicable, valid rules whose predicate
// holds and whose cooldown has elapsed at now. Invalid rules are returned separately.
func Evaluate(rules []alarms.AlertRule, sample alarms.Sample, now time.Time) (decisions []FireDecision, invalid []alarms.AlertRule) {
	applicable := lo.Filter(rules, func(r alarms.AlertRule, _ int) bool {
		return r.AppliesTo(sample.TenantID, sample.DeviceID)
	})
	for _, rule := range applicable {
		if err := rule.Validate(); err != nil {
			invalid = append(invalid, rule)
			continue
		}
		decision, ok := EvaluateRule(rule, sample)
		if !ok || rule.CooldownActive(now) {
			continue
		}
		decisions = append(decisions, decision)
	}
	return decisions, invalid
}

func describe(metric string, op alarms.Operator, threshold, value float64) string {
	return fmt.Sprintf("%s %s %s (value %s)", metric, op, formatFloat(threshold), formatFloat(value))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
