package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics via Prometheus.
//
// Tracked concerns:
//   - Agent admissions and rejections
//   - Reasoning loop iterations and terminations
//   - Inference latency and token consumption
//   - Tool invocations and enforcement decisions
//   - Circuit breaker transitions
//   - Resource allocations in flight
type Metrics struct {
	// AgentsScheduled counts admission outcomes.
	// Labels: outcome (admitted|rejected)
	AgentsScheduled *prometheus.CounterVec

	// AgentsRunning gauges currently executing agents.
	AgentsRunning prometheus.Gauge

	// QueueDepth gauges tasks awaiting dispatch.
	QueueDepth prometheus.Gauge

	// LoopIterations counts reasoning loop iterations.
	LoopIterations prometheus.Counter

	// LoopTerminations counts loop endings by reason.
	// Labels: reason (completed|max_iterations|token_budget_exceeded|...)
	LoopTerminations *prometheus.CounterVec

	// InferenceDuration measures provider call latency in seconds.
	// Labels: provider, model
	InferenceDuration *prometheus.HistogramVec

	// TokensUsed counts tokens by type.
	// Labels: provider, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolInvocations counts tool call outcomes per tool.
	// Labels: tool_name, outcome (succeeded|failed); any call whose
	// observation is an error, blocked calls included, counts as failed.
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// PolicyDecisions counts evaluator outcomes.
	// Labels: decision (allow|deny|conditional|escalate)
	PolicyDecisions *prometheus.CounterVec

	// CircuitTransitions counts breaker state changes.
	// Labels: tool_name, to_state
	CircuitTransitions *prometheus.CounterVec

	// ResourceAllocations gauges active allocations.
	ResourceAllocations prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry. There is no
// process-global registry; each runtime owns its instance.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := prometheus.WrapRegistererWith(nil, registry)

	m := &Metrics{
		registry: registry,
		AgentsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_agents_scheduled_total",
			Help: "Agent admission outcomes.",
		}, []string{"outcome"}),
		AgentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_agents_running",
			Help: "Agents currently executing.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_queue_depth",
			Help: "Tasks awaiting dispatch.",
		}),
		LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_loop_iterations_total",
			Help: "Reasoning loop iterations executed.",
		}),
		LoopTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_loop_terminations_total",
			Help: "Loop terminations by reason.",
		}, []string{"reason"}),
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_inference_duration_seconds",
			Help:    "Inference provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_tokens_used_total",
			Help: "Token consumption by type.",
		}, []string{"provider", "type"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_tool_invocations_total",
			Help: "Tool enforcement and execution outcomes.",
		}, []string{"tool_name", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_policy_decisions_total",
			Help: "Policy evaluator outcomes.",
		}, []string{"decision"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"tool_name", "to_state"}),
		ResourceAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_resource_allocations",
			Help: "Active resource allocations.",
		}),
	}

	factory.MustRegister(
		m.AgentsScheduled, m.AgentsRunning, m.QueueDepth,
		m.LoopIterations, m.LoopTerminations,
		m.InferenceDuration, m.TokensUsed,
		m.ToolInvocations, m.ToolDuration,
		m.PolicyDecisions, m.CircuitTransitions,
		m.ResourceAllocations,
	)
	return m
}

// Registry exposes the prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MetricsSnapshot is a point-in-time summary exported to a sink.
type MetricsSnapshot struct {
	AgentsRunning     int     `json:"agents_running"`
	QueueDepth        int     `json:"queue_depth"`
	TotalScheduled    uint64  `json:"total_scheduled"`
	TotalCompleted    uint64  `json:"total_completed"`
	ActiveAllocations int     `json:"active_allocations"`
	OpenCircuits      int     `json:"open_circuits"`
	MemoryUsedMB      uint64  `json:"memory_used_mb"`
	CPUUsedCores      float64 `json:"cpu_used_cores"`
}

// Sink receives periodic metric snapshots.
type Sink interface {
	Export(snapshot MetricsSnapshot) error
	Shutdown() error
}
