// Package observe exports run, ledger and tool activity as Prometheus
// metrics and OpenTelemetry spans. Both are durable.Callbacks and can be
// combined with durable.NewCallbackChain.
package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deepnoodle-ai/durable"
)

const namespace = "durable"

// Confirm the interfaces are implemented correctly.
var (
	_ durable.Callbacks = (*Metrics)(nil)
	_ durable.Callbacks = (*Tracing)(nil)
)

// Tool call outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeReused  = "reused"
)

// Metrics records Prometheus metrics from callbacks. Labels are bounded:
// agent kind, status, checkpoint type and tool name, never run IDs.
type Metrics struct {
	durable.BaseCallbacks

	transitions  *prometheus.CounterVec
	activeRuns   *prometheus.GaugeVec
	runDuration  *prometheus.HistogramVec
	checkpoints  *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run lifecycle transitions by target status",
		}, []string{"agent_kind", "from", "to"}),

		activeRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently in the running status as seen by this process",
		}, []string{"agent_kind"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from start to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"agent_kind", "status"}),

		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_appended_total",
			Help:      "Checkpoints written to the ledger",
		}, []string{"type", "status"}),

		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by outcome; reused calls returned a recorded result",
		}, []string{"tool", "outcome"}),

		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency, excluding reused results",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}
}

func (m *Metrics) OnRunTransition(ctx context.Context, event *durable.RunTransitionEvent) {
	m.transitions.WithLabelValues(event.AgentKind, string(event.From), string(event.To)).Inc()

	if event.To == durable.RunStatusRunning {
		m.activeRuns.WithLabelValues(event.AgentKind).Inc()
	}
	if event.From == durable.RunStatusRunning && event.To.IsTerminal() {
		m.activeRuns.WithLabelValues(event.AgentKind).Dec()
	}
	if event.To.IsTerminal() && event.Run != nil && event.Run.StartedAt != nil {
		m.runDuration.WithLabelValues(event.AgentKind, string(event.To)).
			Observe(event.Time.Sub(*event.Run.StartedAt).Seconds())
	}
}

func (m *Metrics) OnCheckpointAppended(ctx context.Context, event *durable.CheckpointEvent) {
	m.checkpoints.WithLabelValues(string(event.Checkpoint.Type), string(event.Checkpoint.Status)).Inc()
}

func (m *Metrics) AfterToolCall(ctx context.Context, event *durable.ToolCallEvent) {
	switch {
	case event.Reused:
		m.toolCalls.WithLabelValues(event.Tool, OutcomeReused).Inc()
		return
	case event.Error != nil:
		m.toolCalls.WithLabelValues(event.Tool, OutcomeError).Inc()
	default:
		m.toolCalls.WithLabelValues(event.Tool, OutcomeSuccess).Inc()
	}
	m.toolDuration.WithLabelValues(event.Tool).Observe(event.Duration.Seconds())
}
