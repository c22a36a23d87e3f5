// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing, so components never need to nil-check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crewflow"

// Metrics holds every collector the engine updates.
type Metrics struct {
	workflowsCreated  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	pendingApprovals  prometheus.Gauge
	approvalsResolved *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	circuitOpened     *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	eventsPruned      prometheus.Counter
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		workflowsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_created_total",
			Help:      "Workflow states created.",
		}),
		workflowsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step results recorded, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of recorded steps.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent"}),
		pendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Approval gates awaiting a decision.",
		}),
		approvalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval gates resolved, by resolution.",
		}, []string{"resolution"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery strategies applied to failed steps.",
		}, []string{"kind", "recovered"}),
		circuitOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_circuit_open_total",
			Help:      "Agent calls rejected by an open circuit breaker.",
		}, []string{"agent"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_rate_limited_total",
			Help:      "Agent calls that had to wait for a rate limiter token.",
		}, []string{"agent"}),
		eventsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pruned_total",
			Help:      "Run log events removed by retention.",
		}),
	}
}

func (m *Metrics) WorkflowCreated() {
	if m == nil {
		return
	}
	m.workflowsCreated.Inc()
}

func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) StepRecorded(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(agent, outcome).Inc()
	m.stepDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.pendingApprovals.Inc()
}

func (m *Metrics) ApprovalResolved(resolution string) {
	if m == nil {
		return
	}
	m.pendingApprovals.Dec()
	m.approvalsResolved.WithLabelValues(resolution).Inc()
}

func (m *Metrics) Recovery(kind string, recovered bool) {
	if m == nil {
		return
	}
	label := "false"
	if recovered {
		label = "true"
	}
	m.recoveries.WithLabelValues(kind, label).Inc()
}

func (m *Metrics) CircuitOpen(agent string) {
	if m == nil {
		return
	}
	m.circuitOpened.WithLabelValues(agent).Inc()
}

func (m *Metrics) RateLimited(agent string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(agent).Inc()
}

func (m *Metrics) EventsPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsPruned.Add(float64(n))
}
