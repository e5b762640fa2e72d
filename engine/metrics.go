package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine execution metrics for production
// monitoring. All metrics are namespaced with "flowgraph_".
//
// Metrics exposed:
//
//   - instances_started_total (counter)
//   - instances_finished_total (counter, label: status)
//   - node_executions_total (counter, labels: node_type, status)
//   - node_latency_ms (histogram, label: node_type)
//   - gateway_evaluations_total (counter, label: strategy)
//   - join_satisfactions_total (counter, label: mode)
//   - decisions_pruned_total (counter)
//   - tasks_created_total (counter, label: kind)
//   - tasks_completed_total (counter, label: kind)
//   - open_tasks (gauge)
//
// A nil *PrometheusMetrics is safe: every method no-ops, so the Runtime
// can record unconditionally.
type PrometheusMetrics struct {
	instancesStarted  prometheus.Counter
	instancesFinished *prometheus.CounterVec
	nodeExecutions    *prometheus.CounterVec
	nodeLatency       *prometheus.HistogramVec
	gatewayEvals      *prometheus.CounterVec
	joinSatisfactions *prometheus.CounterVec
	decisionsPruned   prometheus.Counter
	tasksCreated      *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	openTasks         prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all engine metrics with the
// provided registry (use prometheus.DefaultRegisterer for the global one).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		instancesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "instances_started_total",
			Help:      "Workflow instances started.",
		}),
		instancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "instances_finished_total",
			Help:      "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "node_executions_total",
			Help:      "Node executions by type and outcome.",
		}, []string{"node_type", "status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgraph",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_type"}),
		gatewayEvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "gateway_evaluations_total",
			Help:      "Gateway evaluations by strategy kind.",
		}, []string{"strategy"}),
		joinSatisfactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "join_satisfactions_total",
			Help:      "Join satisfactions by mode.",
		}, []string{"mode"}),
		decisionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "decisions_pruned_total",
			Help:      "Gateway decision-history entries evicted by pruning.",
		}),
		tasksCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "tasks_created_total",
			Help:      "Workflow tasks created by kind.",
		}, []string{"kind"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "tasks_completed_total",
			Help:      "Workflow tasks completed by kind.",
		}, []string{"kind"}),
		openTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgraph",
			Name:      "open_tasks",
			Help:      "Currently open workflow tasks.",
		}),
	}
}

// RecordInstanceStarted increments the started counter.
func (m *PrometheusMetrics) RecordInstanceStarted() {
	if m == nil {
		return
	}
	m.instancesStarted.Inc()
}

// RecordInstanceFinished increments the terminal-status counter.
func (m *PrometheusMetrics) RecordInstanceFinished(status InstanceStatus) {
	if m == nil {
		return
	}
	m.instancesFinished.WithLabelValues(string(status)).Inc()
}

// RecordNodeExecution observes one node execution.
func (m *PrometheusMetrics) RecordNodeExecution(nodeType NodeType, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.nodeExecutions.WithLabelValues(string(nodeType), status).Inc()
	m.nodeLatency.WithLabelValues(string(nodeType)).Observe(float64(duration.Milliseconds()))
}

// RecordGatewayEvaluation counts one gateway evaluation.
func (m *PrometheusMetrics) RecordGatewayEvaluation(kind StrategyKind) {
	if m == nil {
		return
	}
	m.gatewayEvals.WithLabelValues(string(kind)).Inc()
}

// RecordJoinSatisfied counts one join satisfaction.
func (m *PrometheusMetrics) RecordJoinSatisfied(mode JoinMode) {
	if m == nil {
		return
	}
	m.joinSatisfactions.WithLabelValues(string(mode)).Inc()
}

// RecordDecisionsPruned counts evicted decision-history entries.
func (m *PrometheusMetrics) RecordDecisionsPruned(removed int) {
	if m == nil {
		return
	}
	m.decisionsPruned.Add(float64(removed))
}

// RecordTaskCreated counts one task creation.
func (m *PrometheusMetrics) RecordTaskCreated(kind TaskKind) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(string(kind)).Inc()
	m.openTasks.Inc()
}

// RecordTaskClosed counts one task reaching Completed or Cancelled.
func (m *PrometheusMetrics) RecordTaskClosed(kind TaskKind, completed bool) {
	if m == nil {
		return
	}
	if completed {
		m.tasksCompleted.WithLabelValues(string(kind)).Inc()
	}
	m.openTasks.Dec()
}
