package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/postgres"
	"github.com/deepnoodle-ai/durable/redislease"
	"github.com/deepnoodle-ai/durable/sqlite"
	"github.com/deepnoodle-ai/durable/worker"
)

// Logger builds the logger described by the log section.
func (c *Config) Logger() *slog.Logger {
	level := durable.ParseLevel(c.Log.Level)
	if c.Log.Format == LogFormatJSON {
		return durable.NewJSONLogger(level)
	}
	return durable.NewLogger(level)
}

// OpenStorage opens the configured backend. The caller must Close it.
func (c *Config) OpenStorage(ctx context.Context, logger *slog.Logger) (durable.Storage, error) {
	switch c.Storage.Driver {
	case DriverMemory:
		return durable.NewMemoryStorage(), nil
	case DriverSQLite:
		store, err := sqlite.Open(ctx, sqlite.Options{Path: c.Storage.DSN, Logger: logger})
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, postgres.Options{
			DSN:      c.Storage.DSN,
			MaxConns: c.Storage.MaxConns,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
}

// NewLeaser returns a Redis leaser when redis.addr is set and the storage
// itself otherwise. The returned close function releases the Redis client.
func (c *Config) NewLeaser(ctx context.Context, storage durable.Storage, logger *slog.Logger) (durable.Leaser, func() error, error) {
	if c.Redis.Addr == "" {
		return storage, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	leaser, err := redislease.New(redislease.Options{
		Client: client,
		Prefix: c.Redis.Prefix,
		Runs:   storage,
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return leaser, client.Close, nil
}

// AuditLog returns a file audit log when audit_dir is set.
func (c *Config) AuditLog() durable.AuditLog {
	if c.AuditDir == "" {
		return durable.NewNullAuditLog()
	}
	return durable.NewFileAuditLog(c.AuditDir)
}

// ApplyLoop copies the loop section into opts.
func (c *Config) ApplyLoop(opts *durable.LoopOptions) {
	opts.MaxIterations = c.Loop.MaxIterations
	opts.MaxIterationsPolicy = c.Loop.MaxIterationsPolicy
	opts.InFlightPolicy = c.Loop.InFlightPolicy
}

// WorkerOptions returns worker options for the worker section.
func (c *Config) WorkerOptions(runs durable.RunStorage, leaser durable.Leaser, runner worker.Runner, logger *slog.Logger) worker.Options {
	return worker.Options{
		Runs:         runs,
		Leaser:       leaser,
		Runner:       runner,
		Owner:        c.Worker.Owner,
		AgentKind:    c.Worker.AgentKind,
		Concurrency:  c.Worker.Concurrency,
		LeaseTTL:     c.Worker.LeaseTTL,
		PollInterval: c.Worker.PollInterval,
		Logger:       logger,
	}
}
