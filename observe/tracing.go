package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/durable"
)

// TracerName is the instrumentation name used when no tracer is given.
const TracerName = "github.com/deepnoodle-ai/durable"

// Attribute keys.
const (
	AttrRunID          = attribute.Key("durable.run_id")
	AttrAgentKind      = attribute.Key("durable.agent_kind")
	AttrStatusFrom     = attribute.Key("durable.status.from")
	AttrStatusTo       = attribute.Key("durable.status.to")
	AttrIteration      = attribute.Key("durable.iteration")
	AttrSequence       = attribute.Key("durable.sequence")
	AttrCheckpointType = attribute.Key("durable.checkpoint.type")
	AttrTool           = attribute.Key("durable.tool")
	AttrIdempotencyKey = attribute.Key("durable.idempotency_key")
	AttrReused         = attribute.Key("durable.tool.reused")
)

// Tracing turns callbacks into OpenTelemetry spans. Tool calls become spans
// covering the invocation; run transitions become instant spans; checkpoint
// appends are added as events on the span found in the callback context.
type Tracing struct {
	durable.BaseCallbacks
	tracer trace.Tracer
}

// NewTracing returns a Tracing using tracer, or the global tracer provider
// when tracer is nil.
func NewTracing(tracer trace.Tracer) *Tracing {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &Tracing{tracer: tracer}
}

func (t *Tracing) OnRunTransition(ctx context.Context, event *durable.RunTransitionEvent) {
	_, span := t.tracer.Start(ctx, "durable.run."+string(event.To),
		trace.WithTimestamp(event.Time),
		trace.WithAttributes(
			AttrRunID.String(event.RunID),
			AttrAgentKind.String(event.AgentKind),
			AttrStatusFrom.String(string(event.From)),
			AttrStatusTo.String(string(event.To)),
		))
	if event.To == durable.RunStatusFailed && event.Run != nil {
		span.SetStatus(codes.Error, event.Run.Error)
	}
	span.End(trace.WithTimestamp(event.Time))
}

func (t *Tracing) OnCheckpointAppended(ctx context.Context, event *durable.CheckpointEvent) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	c := event.Checkpoint
	span.AddEvent("durable.checkpoint", trace.WithTimestamp(c.CreatedAt), trace.WithAttributes(
		AttrRunID.String(c.RunID),
		AttrSequence.Int64(c.Sequence),
		AttrCheckpointType.String(string(c.Type)),
		AttrIteration.Int(c.Iteration),
	))
}

func (t *Tracing) AfterToolCall(ctx context.Context, event *durable.ToolCallEvent) {
	end := event.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	_, span := t.tracer.Start(ctx, "durable.tool."+event.Tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			AttrRunID.String(event.RunID),
			AttrIteration.Int(event.Iteration),
			AttrTool.String(event.Tool),
			AttrIdempotencyKey.String(event.IdempotencyKey),
			AttrReused.Bool(event.Reused),
		))
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.End(trace.WithTimestamp(end))
}
