package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "alerting_"

	resultSuccess = "success"
	resultError   = "error"
)

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	IngestResultSuccess = resultSuccess
	IngestResultError   = resultError
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	evaluationLatency *prometheus.HistogramVec
	ruleOutcomes      *prometheus.CounterVec

	alarmEventsTotal *prometheus.CounterVec

	deliveryTotal   *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	retrySweeps     *prometheus.CounterVec

	outboxPublishTotal    *prometheus.CounterVec
	outboxPublishLatency  *prometheus.HistogramVec
	outboxDispatchTotal   *prometheus.CounterVec
	outboxDispatchLatency *prometheus.HistogramVec
	outboxDispatched      *prometheus.CounterVec

	consumerLag *prometheus.GaugeVec
)

// Init registers metrics with the default registry and, when db is set, DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "ingest_requests_total",
			Help: "Telemetry samples received by source and result",
		}, []string{"source", "result"})
		ingestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "ingest_errors_total",
			Help: "Telemetry ingest errors by reason",
		}, []string{"reason"})
		ingestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "ingest_latency_seconds",
			Help:    "Telemetry ingest latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"})

		evaluationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "evaluation_latency_seconds",
			Help:    "Rule evaluation latency per sample in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})
		ruleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "rule_outcomes_total",
			Help: "Rule evaluation outcomes by kind (fired, suppressed, invalid, no_match)",
		}, []string{"kind", "outcome"})

		alarmEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alarm_events_total",
			Help: "Alarm lifecycle events by type",
		}, []string{"event"})

		deliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "notification_deliveries_total",
			Help: "Notification delivery attempts by channel type and delivery status",
		}, []string{"channel_type", "delivery_status"})
		deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "notification_delivery_latency_seconds",
			Help:    "Notification send latency by channel type",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel_type"})
		retrySweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "retry_sweep_notifications_total",
			Help: "Notifications claimed by the retry sweeper by result",
		}, []string{"result"})

		outboxPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "outbox_publish_total",
			Help: "Outbox publish operations by result",
		}, []string{"result"})
		outboxPublishLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "outbox_publish_latency_seconds",
			Help:    "Outbox publish latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})
		outboxDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "outbox_dispatch_total",
			Help: "Outbox dispatch runs by result",
		}, []string{"result"})
		outboxDispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "outbox_dispatch_latency_seconds",
			Help:    "Outbox dispatch run latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})
		outboxDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "outbox_dispatched_events_total",
			Help: "Outbox events by dispatch outcome (sent, failed, dlq)",
		}, []string{"outcome"})

		consumerLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "event_consumer_lag_seconds",
			Help: "Consumer processing lag in seconds",
		}, []string{"consumer"})

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			evaluationLatency,
			ruleOutcomes,
			alarmEventsTotal,
			deliveryTotal,
			deliveryLatency,
			retrySweeps,
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatchLatency,
			outboxDispatched,
			consumerLag,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records one ingested sample.
func ObserveIngest(source, result string, duration time.Duration) {
	source = orUnknown(source)
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// IncIngestError increments the ingest error counter.
func IncIngestError(reason string) {
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(orUnknown(reason)).Inc()
	}
}

// ObserveEvaluation records how long evaluating one sample took.
func ObserveEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncRuleOutcome counts one rule evaluation outcome.
func IncRuleOutcome(kind, outcome string) {
	if ruleOutcomes != nil {
		ruleOutcomes.WithLabelValues(orUnknown(kind), orUnknown(outcome)).Inc()
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(orUnknown(event)).Inc()
	}
}

// ObserveDelivery records one notification send attempt.
func ObserveDelivery(channelType, deliveryStatus string, duration time.Duration) {
	channelType = orUnknown(channelType)
	if deliveryTotal != nil {
		deliveryTotal.WithLabelValues(channelType, orUnknown(deliveryStatus)).Inc()
	}
	if deliveryLatency != nil && duration > 0 {
		deliveryLatency.WithLabelValues(channelType).Observe(duration.Seconds())
	}
}

// AddRetrySweep counts notifications processed by a retry sweep.
func AddRetrySweep(result string, count int) {
	if retrySweeps != nil && count > 0 {
		retrySweeps.WithLabelValues(orUnknown(result)).Add(float64(count))
	}
}

// ObserveOutboxPublish records an outbox insert.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records one dispatch run and its per-event outcomes.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchLatency != nil {
		outboxDispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxDispatched == nil {
		return
	}
	if sent > 0 {
		outboxDispatched.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatched.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatched.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(orUnknown(consumer)).Set(lag.Seconds())
	}
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
