package durable

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey    ContextKey = "logger"
	RunIDContextKey     ContextKey = "run_id"
	IterationContextKey ContextKey = "iteration"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDContextKey, runID)
}

func WithIteration(ctx context.Context, iteration int) context.Context {
	return context.WithValue(ctx, IterationContextKey, iteration)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// GetRunIDFromContext returns the run a tool is executing on behalf of.
func GetRunIDFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDContextKey).(string)
	return runID, ok
}

func GetIterationFromContext(ctx context.Context) (int, bool) {
	iteration, ok := ctx.Value(IterationContextKey).(int)
	return iteration, ok
}

// LoggerFromContext returns the context logger, or fallback when none is set.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return fallback
}
