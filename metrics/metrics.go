// Package metrics provides Prometheus-compatible instrumentation for the
// Workflow Engine (spec §6).
//
// Grounded on graph/metrics.go's PrometheusMetrics: same gauge/histogram/
// counter shape (inflight, queue depth, step latency, retries, plus two
// counters specific to this domain), renamed from the "langgraph_"
// namespace to "orchestrator_" and relabeled from node/run terms to
// workflow/phase terms, since this engine tracks phase execution across
// workflows rather than graph node execution across runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes counters/gauges/histograms for the engine (all
// namespaced "orchestrator_"):
//
//  1. inflight_phases (gauge): phases currently executing.
//  2. queue_depth (gauge): workflows created but not yet started.
//  3. phase_latency_ms (histogram): phase execution duration.
//     Labels: workflow_kind, phase, status (completed/failed).
//  4. retries_total (counter): phase retry attempts.
//     Labels: workflow_kind, phase, reason.
//  5. budget_exceeded_total (counter): budget-rejected phases.
//     Labels: workflow_kind.
//  6. consensus_quorum_failures_total (counter): consensus rounds that
//     failed to reach MinSuccessful.
//     Labels: phase.
type Metrics struct {
	inflightPhases prometheus.Gauge
	queueDepth     prometheus.Gauge

	phaseLatency *prometheus.HistogramVec

	retries               *prometheus.CounterVec
	budgetExceeded        *prometheus.CounterVec
	consensusQuorumFailed *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New registers every metric with registry (use prometheus.DefaultRegisterer
// for the global registry, or a fresh *prometheus.Registry for isolation in
// tests).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightPhases = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "inflight_phases",
		Help:      "Current number of phases executing concurrently across all workflows",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "queue_depth",
		Help:      "Number of workflows created but not yet started",
	})

	m.phaseLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "phase_latency_ms",
		Help:      "Phase execution duration in milliseconds",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
	}, []string{"workflow_kind", "phase", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "retries_total",
		Help:      "Cumulative count of phase retry attempts",
	}, []string{"workflow_kind", "phase", "reason"})

	m.budgetExceeded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "budget_exceeded_total",
		Help:      "Phases rejected because the workflow's cost budget would be exceeded",
	}, []string{"workflow_kind"})

	m.consensusQuorumFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "consensus_quorum_failures_total",
		Help:      "Consensus rounds that failed to reach the required minimum successful providers",
	}, []string{"phase"})

	return m
}

// RecordPhaseLatency observes a phase's execution duration.
func (m *Metrics) RecordPhaseLatency(workflowKind, phase string, d time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.phaseLatency.WithLabelValues(workflowKind, phase, status).Observe(float64(d.Milliseconds()))
}

// IncrementRetries records one retry attempt.
func (m *Metrics) IncrementRetries(workflowKind, phase, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(workflowKind, phase, reason).Inc()
}

// IncrementBudgetExceeded records a budget-triggered permanent failure.
func (m *Metrics) IncrementBudgetExceeded(workflowKind string) {
	if !m.isEnabled() {
		return
	}
	m.budgetExceeded.WithLabelValues(workflowKind).Inc()
}

// IncrementConsensusQuorumFailures records a consensus round that failed
// to reach quorum.
func (m *Metrics) IncrementConsensusQuorumFailures(phase string) {
	if !m.isEnabled() {
		return
	}
	m.consensusQuorumFailed.WithLabelValues(phase).Inc()
}

// UpdateQueueDepth sets the current number of queued workflows.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// UpdateInflightPhases sets the current number of executing phases.
func (m *Metrics) UpdateInflightPhases(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightPhases.Set(float64(count))
}

// Disable temporarily stops metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
