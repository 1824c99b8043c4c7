package tools

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/durable"
)

var nopLogger = durable.NewNopLogger()

// logger returns the logger the loop placed on ctx, tagged with the tool name
// and the run and iteration being executed.
func logger(ctx context.Context, tool string) *slog.Logger {
	l := durable.LoggerFromContext(ctx, nopLogger).With("tool", tool)
	if runID, ok := durable.GetRunIDFromContext(ctx); ok {
		l = l.With("run_id", runID)
	}
	if iteration, ok := durable.GetIterationFromContext(ctx); ok {
		l = l.With("iteration", iteration)
	}
	return l
}
