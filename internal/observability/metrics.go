package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the session pool, the agent
// loop, model backends and recovery flows.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	start := time.Now()
//	// ... call a tool ...
//	metrics.RecordToolCall("git", "git_status", "success", time.Since(start))
type Metrics struct {
	// ToolCallCounter counts tool invocations.
	// Labels: server, tool, status (success|failure)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: server
	ToolCallDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model backend requests.
	// Labels: provider, status (success|error|incomplete)
	ModelRequestCounter *prometheus.CounterVec

	// ModelRequestDuration measures model latency in seconds.
	// Labels: provider
	ModelRequestDuration *prometheus.HistogramVec

	// AgentRuns counts finished agent turns by how they ended.
	// Labels: outcome (final|exhausted|empty|error)
	AgentRuns *prometheus.CounterVec

	// AgentSteps records how many tool steps each turn used.
	AgentSteps prometheus.Histogram

	// RecoveryCounter counts precondition recoveries.
	// Labels: flow, outcome (recovered|failed)
	RecoveryCounter *prometheus.CounterVec

	// ActiveSessions is the number of live MCP sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmux_tool_calls_total",
				Help: "Total number of MCP tool calls by server, tool and status",
			},
			[]string{"server", "tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmux_tool_call_duration_seconds",
				Help:    "Duration of MCP tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmux_model_requests_total",
				Help: "Total number of model backend requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmux_model_request_duration_seconds",
				Help:    "Duration of model backend requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		AgentRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmux_agent_runs_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),

		AgentSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcpmux_agent_steps",
				Help:    "Tool steps taken per agent turn",
				Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
			},
		),

		RecoveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmux_recoveries_total",
				Help: "Total number of precondition recoveries by flow and outcome",
			},
			[]string{"flow", "outcome"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpmux_active_sessions",
				Help: "Current number of live MCP sessions",
			},
		),
	}
}

// RecordToolCall records one tool call.
func (m *Metrics) RecordToolCall(server, tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(server, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordModelRequest records one model backend round trip.
func (m *Metrics) RecordModelRequest(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ModelRequestCounter.WithLabelValues(provider, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAgentRun records how a turn ended and how many steps it took.
func (m *Metrics) RecordAgentRun(outcome string, steps int) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(outcome).Inc()
	m.AgentSteps.Observe(float64(steps))
}

// RecordRecovery records a recovery attempt.
func (m *Metrics) RecordRecovery(flow, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryCounter.WithLabelValues(flow, outcome).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
