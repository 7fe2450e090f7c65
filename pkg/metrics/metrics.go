// Package metrics exposes the Prometheus counters/histograms the engine
// updates as workflows run: execution counts and durations, node outcome
// counts and durations, and AI verification outcomes. The audit flush,
// pending-approval and circuit-breaker collectors are registered too, but
// no code in this module records observations on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine touches. Construct once at
// startup with New and pass the pointer down to every component
// that records an observation.
type Metrics struct {
	ExecutionsTotal       *prometheus.CounterVec
	ExecutionDuration      *prometheus.HistogramVec
	NodeExecutionsTotal    *prometheus.CounterVec
	NodeExecutionDuration  *prometheus.HistogramVec
	AIVerificationsTotal   *prometheus.CounterVec
	AuditFlushDuration     prometheus.Histogram
	AuditFlushFailures     prometheus.Counter
	PendingApprovalsActive prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test packages.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_executions_total",
			Help: "Total workflow executions by terminal status.",
		}, []string{"workflow_id", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_execution_duration_seconds",
			Help:    "Wall-clock duration of a workflow execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id", "status"}),
		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_node_executions_total",
			Help: "Total node executions by node type and outcome.",
		}, []string{"node_type", "status"}),
		NodeExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_node_execution_duration_seconds",
			Help:    "Duration of a single node's execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type"}),
		AIVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_ai_verifications_total",
			Help: "AI verification outcomes by mode and pass/fail.",
		}, []string{"mode", "passed"}),
		AuditFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_audit_flush_duration_seconds",
			Help:    "Duration of a periodic audit log flush.",
			Buckets: prometheus.DefBuckets,
		}),
		AuditFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_audit_flush_failures_total",
			Help: "Audit log flush attempts that failed and were requeued.",
		}),
		PendingApprovalsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pending_approvals_active",
			Help: "Number of human-approval gates currently awaiting a decision.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open) by breaker name.",
		}, []string{"breaker"}),
	}
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.NodeExecutionsTotal,
		m.NodeExecutionDuration,
		m.AIVerificationsTotal,
		m.AuditFlushDuration,
		m.AuditFlushFailures,
		m.PendingApprovalsActive,
		m.CircuitBreakerState,
	)
	return m
}

// RecordExecution records a completed execution's terminal status and
// duration in seconds.
func (m *Metrics) RecordExecution(workflowID, status string, durationSeconds float64) {
	m.ExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	m.ExecutionDuration.WithLabelValues(workflowID, status).Observe(durationSeconds)
}

// RecordNodeExecution records one node's outcome and duration in seconds.
func (m *Metrics) RecordNodeExecution(nodeType, status string, durationSeconds float64) {
	m.NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(nodeType).Observe(durationSeconds)
}

// RecordAIVerification records one AI verification call's mode and
// pass/fail outcome.
func (m *Metrics) RecordAIVerification(mode string, passed bool) {
	m.AIVerificationsTotal.WithLabelValues(mode, boolLabel(passed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
