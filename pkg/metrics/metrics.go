// Package metrics exposes Prometheus instrumentation. The collector
// subscribes to the event bus and derives workflow counters from the
// event stream; nothing else in the system calls it directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ameliahq/amelia/pkg/models"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	workflowsTotal     *prometheus.CounterVec
	stageTotal         *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	activeWorkflows    prometheus.GaugeFunc
	activeConnections  prometheus.GaugeFunc
	approvalsRequested prometheus.Counter
}

// New registers the collectors on a fresh registry. activeWorkflows
// and activeConnections are sampled from the given callbacks.
func New(activeWorkflows, activeConnections func() int) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amelia_events_total",
		Help: "Workflow events emitted, by event type.",
	}, []string{"event_type"})

	m.workflowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amelia_workflows_finished_total",
		Help: "Workflows reaching a terminal status, by outcome.",
	}, []string{"outcome"})

	m.stageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amelia_stages_total",
		Help: "Pipeline stage completions, by agent and result.",
	}, []string{"agent", "result"})

	m.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amelia_tokens_total",
		Help: "Tokens consumed, by agent.",
	}, []string{"agent"})

	m.approvalsRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amelia_approvals_requested_total",
		Help: "Plans parked on the approval gate.",
	})

	m.registry.MustRegister(m.eventsTotal, m.workflowsTotal, m.stageTotal, m.tokensTotal, m.approvalsRequested)

	if activeWorkflows != nil {
		m.activeWorkflows = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amelia_active_workflows",
			Help: "Workflows in a non-terminal status.",
		}, func() float64 { return float64(activeWorkflows()) })
		m.registry.MustRegister(m.activeWorkflows)
	}
	if activeConnections != nil {
		m.activeConnections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amelia_ws_connections",
			Help: "Open WebSocket connections.",
		}, func() float64 { return float64(activeConnections()) })
		m.registry.MustRegister(m.activeConnections)
	}

	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe is the bus subscriber.
func (m *Metrics) Observe(event *models.WorkflowEvent) {
	m.eventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case models.EventWorkflowCompleted:
		m.workflowsTotal.WithLabelValues("completed").Inc()
	case models.EventWorkflowFailed:
		m.workflowsTotal.WithLabelValues("failed").Inc()
	case models.EventWorkflowCancelled:
		m.workflowsTotal.WithLabelValues("cancelled").Inc()
	case models.EventStageCompleted:
		m.stageTotal.WithLabelValues(event.Agent, "completed").Inc()
		if usage, ok := event.Data["tokens"].(models.AgentTokens); ok {
			m.tokensTotal.WithLabelValues(event.Agent).Add(float64(usage.TotalTokens))
		}
	case models.EventStageFailed:
		m.stageTotal.WithLabelValues(event.Agent, "failed").Inc()
	case models.EventApprovalRequired:
		m.approvalsRequested.Inc()
	}
}
