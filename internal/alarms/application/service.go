package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/audit"
	"iot-alerting/internal/auth"
	"iot-alerting/internal/eventing"
	"iot-alerting/internal/observability/metrics"
)

// ErrInvalidSample is returned for samples without tenant or device.
var ErrInvalidSample = errors.New("alarms: sample missing tenant or device")

// Service evaluates samples against rules and manages the alarm lifecycle.
type Service struct {
	rules   RuleRepository
	alarms  AlarmRepository
	cache   SummaryCache
	audit   audit.Logger
	trigger eventing.Trigger
	clock   Clock
	logger  *zap.Logger
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSummaryCache enables summary caching.
func WithSummaryCache(cache SummaryCache) ServiceOption {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithAuditLogger records ack/clear in the audit log.
func WithAuditLogger(logger audit.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// WithTrigger wakes the outbox relay after alarm writes commit.
func WithTrigger(trigger eventing.Trigger) ServiceOption {
	return func(s *Service) {
		s.trigger = trigger
	}
}

// NewService constructs an alarm service.
func NewService(rules RuleRepository, alarmRepo AlarmRepository, opts ...ServiceOption) (*Service, error) {
	if rules == nil || alarmRepo == nil {
		return nil, errors.New("alarms: nil repository")
	}
	service := &Service{
		rules:  rules,
		alarms: alarmRepo,
		audit:  audit.NopLogger{},
		clock:  systemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Evaluate runs every applicable rule against the sample and returns the alarms it created.
// A store failure is returned to the caller; alarms committed before it stay committed.
func (s *Service) Evaluate(ctx context.Context, sample alarms.Sample) ([]alarms.Alarm, error) {
	start := time.Now()
	fired, err := s.evaluate(ctx, sample)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveEvaluation(result, time.Since(start))
	return fired, err
}

func (s *Service) evaluate(ctx context.Context, sample alarms.Sample) ([]alarms.Alarm, error) {
	if sample.TenantID == "" || sample.DeviceID == "" {
		return nil, ErrInvalidSample
	}
	if len(sample.Values) == 0 {
		return nil, nil
	}

	rules, err := s.rules.ListApplicable(ctx, sample.TenantID, sample.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("alarms: load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	decisions, invalid := Evaluate(rules, sample, now)
	for _, rule := range invalid {
		metrics.IncRuleOutcome(rule.KindName(), "invalid")
		s.logger.Warn("skipping invalid rule",
			zap.String("tenant_id", rule.TenantID),
			zap.String("rule_id", rule.ID),
			zap.Error(rule.Validate()),
		)
	}

	var fired []alarms.Alarm
	for _, decision := range decisions {
		alarm := s.newAlarm(sample, decision, now)
		env, err := eventing.BuildEnvelope(events.AlarmRaised{
			AlarmID:    alarm.ID,
			TenantID:   alarm.TenantID,
			DeviceID:   alarm.DeviceID,
			RuleID:     alarm.RuleID,
			RuleName:   decision.RuleName,
			Alarm:      *alarm,
			OccurredAt: now,
		}, eventing.Meta{CorrelationID: eventing.CorrelationIDFromContext(ctx)})
		if err != nil {
			return fired, err
		}

		err = s.alarms.Fire(ctx, alarm, env)
		switch {
		case errors.Is(err, alarms.ErrCooldownActive):
			// Another evaluator fired the rule after our rule snapshot was read.
			metrics.IncRuleOutcome(decision.Kind, "suppressed")
			continue
		case errors.Is(err, alarms.ErrNotFound):
			metrics.IncRuleOutcome(decision.Kind, "deleted")
			s.logger.Info("rule disappeared before firing", zap.String("rule_id", decision.RuleID))
			continue
		case err != nil:
			return fired, fmt.Errorf("alarms: fire rule %s: %w", decision.RuleID, err)
		}

		metrics.IncRuleOutcome(decision.Kind, "fired")
		metrics.IncAlarmEvent("raised")
		s.logger.Info("alarm raised",
			zap.String("tenant_id", alarm.TenantID),
			zap.String("alarm_id", alarm.ID),
			zap.String("rule_id", alarm.RuleID),
			zap.String("device_id", alarm.DeviceID),
			zap.String("severity", string(alarm.Severity)),
		)
		fired = append(fired, *alarm)
	}
	if len(fired) > 0 {
		s.wake()
	}
	return fired, nil
}

func (s *Service) newAlarm(sample alarms.Sample, decision FireDecision, now time.Time) *alarms.Alarm {
	ctx := make(map[string]any, len(decision.Context)+2)
	for k, v := range decision.Context {
		ctx[k] = v
	}
	ctx["rule_name"] = decision.RuleName
	if !sample.At.IsZero() {
		ctx["sample_at"] = sample.At.UTC().Format(time.RFC3339Nano)
	}
	return &alarms.Alarm{
		ID:             uuid.NewString(),
		TenantID:       sample.TenantID,
		RuleID:         decision.RuleID,
		DeviceID:       sample.DeviceID,
		Source:         decision.Source,
		Severity:       decision.Severity,
		Status:         alarms.StatusActive,
		Message:        decision.Message,
		MetricSnapshot: decision.MetricSnapshot,
		Context:        ctx,
		FiredAt:        now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Get returns one alarm of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*alarms.Alarm, error) {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, alarms.ErrNotFound
	}
	return s.alarms.GetByID(ctx, tenantID, id)
}

// List returns the tenant's alarms matching filter, newest first.
func (s *Service) List(ctx context.Context, tenantID string, filter alarms.AlarmFilter) ([]alarms.Alarm, error) {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.alarms.List(ctx, tenantID, filter)
}

// Summary returns alarm counts from the cache, rebuilding from the store on a miss or cache error.
// A rebuild that raced an invalidation is returned but not cached.
func (s *Service) Summary(ctx context.Context, tenantID string) (alarms.Summary, error) {
	if err := auth.EnsureTenant(ctx, tenantID); err != nil {
		return alarms.Summary{}, err
	}
	var (
		version   int64
		cacheable bool
	)
	if s.cache != nil {
		summary, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.logger.Warn("summary cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		} else if ok {
			return summary, nil
		}
		if version, err = s.cache.Version(ctx, tenantID); err != nil {
			s.logger.Warn("summary cache version read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			cacheable = true
		}
	}
	summary, err := s.alarms.Summary(ctx, tenantID, s.clock.Now())
	if err != nil {
		return alarms.Summary{}, err
	}
	if cacheable {
		stored, err := s.cache.Set(ctx, summary, version)
		switch {
		case err != nil:
			s.logger.Warn("summary cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		case !stored:
			s.logger.Debug("summary invalidated during rebuild", zap.String("tenant_id", tenantID))
		}
	}
	return summary, nil
}

// InvalidateSummary is subscribed to every alarm event.
func (s *Service) InvalidateSummary(ctx context.Context, event any) error {
	if s.cache == nil {
		return nil
	}
	alarm, ok := events.AlarmOf(event)
	if !ok || alarm.TenantID == "" {
		return nil
	}
	return s.cache.Invalidate(ctx, alarm.TenantID)
}

// Acknowledge moves an ACTIVE alarm to ACKNOWLEDGED. Acknowledging twice is a no-op.
func (s *Service) Acknowledge(ctx context.Context, tenantID, id, userID string) (*alarms.Alarm, error) {
	return s.transition(ctx, tenantID, id, audit.ActionAlarmAcknowledge,
		func(a *alarms.Alarm, now time.Time) (bool, error) {
			return a.Acknowledge(userID, now)
		},
		func(a alarms.Alarm, now time.Time) any {
			return events.AlarmAcknowledged{
				AlarmID: a.ID, TenantID: a.TenantID, DeviceID: a.DeviceID,
				Actor: userID, Alarm: a, OccurredAt: now,
			}
		})
}

// Clear moves an ACTIVE or ACKNOWLEDGED alarm to CLEARED. userID may be empty for system clears.
func (s *Service) Clear(ctx context.Context, tenantID, id, userID string) (*alarms.Alarm, error) {
	return s.transition(ctx, tenantID, id, audit.ActionAlarmClear,
		func(a *alarms.Alarm, now time.Time) (bool, error) {
			return true, a.Clear(userID, now)
		},
		func(a alarms.Alarm, now time.Time) any {
			return events.AlarmCleared{
				AlarmID: a.ID, TenantID: a.TenantID, DeviceID: a.DeviceID,
				Actor: userID, Alarm: a, OccurredAt: now,
			}
		})
}

type applyFunc func(a *alarms.Alarm, now time.Time) (bool, error)
type eventFunc func(a alarms.Alarm, now time.Time) any

// transition applies the state machine and stores the result with a conditional update.
// A lost race reloads the alarm and applies the state machine once more.
func (s *Service) transition(ctx context.Context, tenantID, id, action string, apply applyFunc, event eventFunc) (*alarms.Alarm, error) {
	for attempt := 0; attempt < 2; attempt++ {
		alarm, err := s.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		from := alarm.Status
		now := s.clock.Now().UTC()
		changed, err := apply(alarm, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return alarm, nil
		}

		env, err := eventing.BuildEnvelope(event(*alarm, now), eventing.Meta{
			CorrelationID: eventing.CorrelationIDFromContext(ctx),
		})
		if err != nil {
			return nil, err
		}
		err = s.alarms.Transition(ctx, alarm, from, env)
		if errors.Is(err, alarms.ErrStaleState) {
			s.logger.Debug("alarm changed concurrently, reloading", zap.String("alarm_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.IncAlarmEvent(string(alarm.Status))
		s.recordAudit(ctx, action, *alarm, from)
		s.wake()
		return alarm, nil
	}
	return nil, alarms.ErrStaleState
}

func (s *Service) recordAudit(ctx context.Context, action string, alarm alarms.Alarm, from alarms.Status) {
	identity, _ := auth.IdentityFromContext(ctx)
	entry := audit.Entry{
		TenantID:     alarm.TenantID,
		Actor:        identity.Subject,
		Role:         string(identity.Role),
		Action:       action,
		ResourceType: "alarm",
		ResourceID:   alarm.ID,
		Metadata: audit.MustMetadata(map[string]string{
			"from": string(from),
			"to":   string(alarm.Status),
		}),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.Warn("audit log failed", zap.String("alarm_id", alarm.ID), zap.Error(err))
	}
}

func (s *Service) wake() {
	if s.trigger != nil {
		s.trigger.Trigger()
	}
}
