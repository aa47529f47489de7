// Package metrics provides Prometheus metrics for the recommendation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxgate/pkg/circuitbreaker"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	PipelineRuns          *prometheus.CounterVec
	RunDuration           prometheus.Histogram
	StageDuration         *prometheus.HistogramVec
	CandidatesGenerated   prometheus.Histogram
	HardBlocks            *prometheus.CounterVec
	DegradedInputs        *prometheus.CounterVec
	AuditRecords          *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the
// process default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_pipeline_runs_total",
			Help: "Pipeline runs by decision status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_pipeline_duration_seconds",
			Help:    "End-to-end pipeline run duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "therapy_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		CandidatesGenerated: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_candidates_generated",
			Help:    "Candidates per generation batch",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),
		HardBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_hard_blocks_total",
			Help: "Hard-block findings by rule kind",
		}, []string{"kind"}),
		DegradedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_degraded_inputs_total",
			Help: "Collaborator calls recovered with a fallback value",
		}, []string{"collaborator"}),
		AuditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_audit_records_total",
			Help: "Decision records handed to the audit sink",
		}, []string{"result"}),
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
		m.PipelineRuns,
		m.RunDuration,
		m.StageDuration,
		m.CandidatesGenerated,
		m.HardBlocks,
		m.DegradedInputs,
		m.AuditRecords,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// ObserveStage records the time spent in one stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveGeneration records the size of a generation batch.
func (m *Metrics) ObserveGeneration(n int) {
	if m == nil {
		return
	}
	m.CandidatesGenerated.Observe(float64(n))
}

// HardBlock counts one hard-block finding.
func (m *Metrics) HardBlock(kind string) {
	if m == nil {
		return
	}
	m.HardBlocks.WithLabelValues(kind).Inc()
}

// Degraded counts one recovered collaborator failure.
func (m *Metrics) Degraded(collaborator string) {
	if m == nil {
		return
	}
	m.DegradedInputs.WithLabelValues(collaborator).Inc()
}

// Audit counts one audit hand-off, result "ok" or "error".
func (m *Metrics) Audit(result string) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(result).Inc()
}

// Produced counts one message written to the broker.
func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// Consumed counts one message read from the broker.
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending reports the relay backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// BreakerHook returns a state-change hook for circuitbreaker.NewManager that
// mirrors every transition into CircuitBreakerState.
func (m *Metrics) BreakerHook() func(name string, to circuitbreaker.State) {
	return func(name string, to circuitbreaker.State) {
		if m == nil {
			return
		}
		m.CircuitBreakerState.WithLabelValues(name).Set(breakerValue(to))
	}
}

func breakerValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
