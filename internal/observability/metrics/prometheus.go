// Package metrics provides Prometheus metrics for the form filling pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	CasesProcessed        *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	FieldsResolved        *prometheus.CounterVec
	CollaboratorCalls     *prometheus.CounterVec
	CollaboratorRetries   *prometheus.CounterVec
	ContextCache          *prometheus.CounterVec
	ContextFallbacks      prometheus.Counter
	TruncatedSources      prometheus.Counter
	ActiveCases           prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CasesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pafill_cases_processed_total",
			Help: "Cases processed by final outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pafill_stage_duration_seconds",
			Help:    "Duration of each case stage",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"stage"}),
		FieldsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pafill_fields_total",
			Help: "Fields by final resolution status",
		}, []string{"status"}),
		CollaboratorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pafill_collaborator_calls_total",
			Help: "External collaborator calls by outcome",
		}, []string{"collaborator", "outcome"}),
		CollaboratorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pafill_collaborator_retries_total",
			Help: "Retries issued against external collaborators",
		}, []string{"collaborator"}),
		ContextCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pafill_context_cache_total",
			Help: "Context cache lookups by result",
		}, []string{"result"}),
		ContextFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pafill_context_fallbacks_total",
			Help: "Field contexts replaced by the templated fallback",
		}),
		TruncatedSources: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pafill_truncated_sources_total",
			Help: "Resolutions that saw only part of the referral text",
		}),
		ActiveCases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pafill_cases_active",
			Help: "Cases currently in flight",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.CasesProcessed,
		m.StageDuration,
		m.FieldsResolved,
		m.CollaboratorCalls,
		m.CollaboratorRetries,
		m.ContextCache,
		m.ContextFallbacks,
		m.TruncatedSources,
		m.ActiveCases,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// CaseFinished records a case's final outcome.
func (m *Metrics) CaseFinished(outcome string) {
	if m == nil {
		return
	}
	m.CasesProcessed.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// FieldStatus counts one field's final status.
func (m *Metrics) FieldStatus(status string) {
	if m == nil {
		return
	}
	m.FieldsResolved.WithLabelValues(status).Inc()
}

// CollaboratorCall counts one collaborator attempt.
func (m *Metrics) CollaboratorCall(name, outcome string) {
	if m == nil {
		return
	}
	m.CollaboratorCalls.WithLabelValues(name, outcome).Inc()
}

// CollaboratorRetry counts one retry.
func (m *Metrics) CollaboratorRetry(name string) {
	if m == nil {
		return
	}
	m.CollaboratorRetries.WithLabelValues(name).Inc()
}

// ContextLookup counts a context cache hit or miss.
func (m *Metrics) ContextLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ContextCache.WithLabelValues(result).Inc()
}

// ContextFallback counts a degraded context.
func (m *Metrics) ContextFallback() {
	if m == nil {
		return
	}
	m.ContextFallbacks.Inc()
}

// SourceTruncated counts a windowed or cut resolution.
func (m *Metrics) SourceTruncated() {
	if m == nil {
		return
	}
	m.TruncatedSources.Inc()
}

// CaseStarted and CaseDone track in-flight cases.
func (m *Metrics) CaseStarted() {
	if m == nil {
		return
	}
	m.ActiveCases.Inc()
}

func (m *Metrics) CaseDone() {
	if m == nil {
		return
	}
	m.ActiveCases.Dec()
}

// BreakerState records a breaker transition.
func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
