// Package metrics exports Prometheus instruments for the daemon. All
// record methods are nil-safe so callers never need to branch on
// whether metrics are enabled.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the daemon records.
type Metrics struct {
	poolAgents        *prometheus.GaugeVec
	tasks             *prometheus.GaugeVec
	workflows         *prometheus.CounterVec
	coordinatorEvals  *prometheus.CounterVec
	evalSeconds       prometheus.Histogram
	llmSeconds        *prometheus.HistogramVec
	rendezvousSignals *prometheus.CounterVec
	broadcastEvents   *prometheus.CounterVec
	rpcRequests       *prometheus.CounterVec
}

// New registers the daemon's instruments against reg. A nil reg falls
// back to the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		poolAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apc_pool_agents",
			Help: "Agents in the pool by lifecycle state.",
		}, []string{"state"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apc_tasks",
			Help: "Tasks tracked per session by status.",
		}, []string{"session", "status"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_workflows_total",
			Help: "Workflows reaching a terminal status, by type.",
		}, []string{"type", "status"}),
		coordinatorEvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_coordinator_evaluations_total",
			Help: "Coordinator evaluation cycles by outcome.",
		}, []string{"outcome"}),
		evalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apc_coordinator_evaluation_seconds",
			Help:    "Wall-clock duration of coordinator evaluations.",
			Buckets: prometheus.DefBuckets,
		}),
		llmSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apc_llm_request_seconds",
			Help:    "Latency of model invocations.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		rendezvousSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_rendezvous_signals_total",
			Help: "Completion signals by whether a waiter received them.",
		}, []string{"delivered"}),
		broadcastEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_broadcast_events_total",
			Help: "Events published to the broadcast stream.",
		}, []string{"event"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_rpc_requests_total",
			Help: "RPC commands handled, by command and success.",
		}, []string{"cmd", "ok"}),
	}
	collectors := []prometheus.Collector{
		m.poolAgents, m.tasks, m.workflows, m.coordinatorEvals,
		m.evalSeconds, m.llmSeconds, m.rendezvousSignals,
		m.broadcastEvents, m.rpcRequests,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}
	return m, nil
}

// SetPoolAgents records the current count of agents in one state.
func (m *Metrics) SetPoolAgents(state string, n int) {
	if m == nil {
		return
	}
	m.poolAgents.WithLabelValues(state).Set(float64(n))
}

// SetTasks records the current count of tasks in one status for a session.
func (m *Metrics) SetTasks(session, status string, n int) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(session, status).Set(float64(n))
}

// WorkflowFinished counts a workflow reaching a terminal status.
func (m *Metrics) WorkflowFinished(workflowType, status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(workflowType, status).Inc()
}

// EvaluationDone counts a coordinator evaluation and its duration.
func (m *Metrics) EvaluationDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.coordinatorEvals.WithLabelValues(outcome).Inc()
	m.evalSeconds.Observe(elapsed.Seconds())
}

// LLMRequest records one model invocation's latency.
func (m *Metrics) LLMRequest(model string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.llmSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
}

// RendezvousSignal counts a completion signal by delivery result.
func (m *Metrics) RendezvousSignal(delivered bool) {
	if m == nil {
		return
	}
	m.rendezvousSignals.WithLabelValues(fmt.Sprintf("%t", delivered)).Inc()
}

// BroadcastEvent counts one event published on the broadcast stream.
func (m *Metrics) BroadcastEvent(event string) {
	if m == nil {
		return
	}
	m.broadcastEvents.WithLabelValues(event).Inc()
}

// RPCRequest counts one handled RPC command.
func (m *Metrics) RPCRequest(cmd string, ok bool) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(cmd, fmt.Sprintf("%t", ok)).Inc()
}
