package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deepnoodle-ai/durable"
)

func newTestTracing(t *testing.T) (*Tracing, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracing(provider.Tracer("test")), exporter
}

func attributes(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracingToolCallSpan(t *testing.T) {
	tracing, exporter := newTestTracing(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tracing.AfterToolCall(context.Background(), &durable.ToolCallEvent{
		RunID:          "run_1",
		Iteration:      2,
		Tool:           "get_weather",
		IdempotencyKey: "run_1:2:get_weather:abc",
		StartTime:      start,
		EndTime:        start.Add(150 * time.Millisecond),
		Error:          errors.New("upstream timeout"),
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "durable.tool.get_weather", span.Name)
	require.Equal(t, 150*time.Millisecond, span.EndTime.Sub(span.StartTime))
	require.Equal(t, codes.Error, span.Status.Code)

	attrs := attributes(span.Attributes)
	require.Equal(t, "run_1", attrs[AttrRunID].AsString())
	require.Equal(t, int64(2), attrs[AttrIteration].AsInt64())
	require.Equal(t, "run_1:2:get_weather:abc", attrs[AttrIdempotencyKey].AsString())
	require.False(t, attrs[AttrReused].AsBool())
}

func TestTracingRunTransitions(t *testing.T) {
	tracing, exporter := newTestTracing(t)
	ctx := context.Background()

	runs, err := durable.NewRunStore(durable.RunStoreOptions{
		Storage:   durable.NewMemoryStorage(),
		Callbacks: tracing,
	})
	require.NoError(t, err)
	run, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "tracing",
		AgentKind:            "weather",
		LoopKind:             "react",
	})
	require.NoError(t, err)
	run, err = runs.MarkRunning(ctx, run)
	require.NoError(t, err)
	_, err = runs.MarkFailed(ctx, run, errors.New("model unavailable"))
	require.NoError(t, err)

	spans := exporter.GetSpans()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "durable.run.running")
	require.Contains(t, names, "durable.run.failed")

	for _, s := range spans {
		if s.Name == "durable.run.failed" {
			require.Equal(t, codes.Error, s.Status.Code)
			require.Equal(t, "weather", attributes(s.Attributes)[AttrAgentKind].AsString())
		}
	}
}

func TestTracingCheckpointEvents(t *testing.T) {
	tracing, exporter := newTestTracing(t)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, parent := provider.Tracer("test").Start(context.Background(), "agent.turn")
	tracing.OnCheckpointAppended(ctx, &durable.CheckpointEvent{
		RunID: "run_1",
		Checkpoint: &durable.Checkpoint{
			RunID:     "run_1",
			Sequence:  4,
			Type:      durable.CheckpointToolResult,
			Iteration: 1,
			CreatedAt: time.Now(),
		},
	})
	parent.End()

	// Without a recording span the event is dropped.
	tracing.OnCheckpointAppended(context.Background(), &durable.CheckpointEvent{
		RunID:      "run_1",
		Checkpoint: &durable.Checkpoint{RunID: "run_1", Sequence: 5, Type: durable.CheckpointObservation},
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	event := spans[0].Events[0]
	require.Equal(t, "durable.checkpoint", event.Name)
	require.Equal(t, int64(4), attributes(event.Attributes)[AttrSequence].AsInt64())
}
