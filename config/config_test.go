package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/redislease"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DriverSQLite, cfg.Storage.Driver)
	require.Equal(t, durable.DefaultMaxIterations, cfg.Loop.MaxIterations)
}

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(`
storage:
  driver: postgres
  dsn: postgres://localhost/durable
  max_conns: 8
worker:
  concurrency: 2
  lease_ttl: 45s
  poll_interval: 250ms
loop:
  max_iterations: 3
  max_iterations_policy: fail
log:
  level: debug
  format: json
`)
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.Storage.Driver)
	require.Equal(t, int32(8), cfg.Storage.MaxConns)
	require.Equal(t, 2, cfg.Worker.Concurrency)
	require.Equal(t, 45*time.Second, cfg.Worker.LeaseTTL)
	require.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	require.Equal(t, 3, cfg.Loop.MaxIterations)
	require.Equal(t, durable.MaxIterationsFail, cfg.Loop.MaxIterationsPolicy)
	// Unset fields keep their defaults.
	require.Equal(t, durable.InFlightReattempt, cfg.Loop.InFlightPolicy)
}

func TestLoadStringRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "storage: {driver: mysql, dsn: x}"},
		{"missing dsn", "storage: {driver: sqlite, dsn: ''}"},
		{"concurrency", "worker: {concurrency: 0}"},
		{"policy", "loop: {max_iterations_policy: retry}"},
		{"in-flight policy", "loop: {in_flight_policy: skip}"},
		{"log level", "log: {level: loud}"},
		{"log format", "log: {format: xml}"},
		{"malformed", "storage: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.yaml)
			require.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DURABLE_STORAGE_DRIVER":             "memory",
		"DURABLE_WORKER_CONCURRENCY":         "9",
		"DURABLE_WORKER_LEASE_TTL":           "2m",
		"DURABLE_LOOP_IN_FLIGHT_POLICY":      "fail",
		"DURABLE_LOG_LEVEL":                  "warn",
		"DURABLE_REDIS_ADDR":                 "localhost:6379",
		"DURABLE_LOOP_MAX_ITERATIONS_POLICY": "fail",
	}))
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.Storage.Driver)
	require.Equal(t, 9, cfg.Worker.Concurrency)
	require.Equal(t, 2*time.Minute, cfg.Worker.LeaseTTL)
	require.Equal(t, durable.InFlightFail, cfg.Loop.InFlightPolicy)
	require.Equal(t, durable.MaxIterationsFail, cfg.Loop.MaxIterationsPolicy)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ApplyEnv(envMap(map[string]string{"DURABLE_WORKER_CONCURRENCY": "many"})))
	require.Error(t, cfg.ApplyEnv(envMap(map[string]string{"DURABLE_WORKER_POLL_INTERVAL": "soon"})))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644))
	t.Setenv("DURABLE_WORKER_CONCURRENCY", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.Storage.Driver)
	require.Equal(t, 3, cfg.Worker.Concurrency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Driver = DriverMemory
		storage, err := cfg.OpenStorage(ctx, durable.NewNopLogger())
		require.NoError(t, err)
		require.IsType(t, &durable.MemoryStorage{}, storage)
		require.NoError(t, storage.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.DSN = filepath.Join(t.TempDir(), "durable.db")
		storage, err := cfg.OpenStorage(ctx, durable.NewNopLogger())
		require.NoError(t, err)
		defer storage.Close()

		runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: storage})
		require.NoError(t, err)
		run, err := runs.Start(ctx, durable.StartRequest{CallerIdempotencyKey: "k", AgentKind: "weather", LoopKind: "react"})
		require.NoError(t, err)
		require.Equal(t, durable.RunStatusPending, run.Status)
	})
}

func TestNewLeaser(t *testing.T) {
	ctx := context.Background()
	storage := durable.NewMemoryStorage()

	cfg := Default()
	leaser, closeFn, err := cfg.NewLeaser(ctx, storage, durable.NewNopLogger())
	require.NoError(t, err)
	require.Same(t, storage, leaser)
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()
	leaser, closeFn, err = cfg.NewLeaser(ctx, storage, durable.NewNopLogger())
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &redislease.Leaser{}, leaser)
}

func TestWorkerOptions(t *testing.T) {
	cfg := Default()
	cfg.Worker.Owner = "worker-a"
	storage := durable.NewMemoryStorage()

	opts := cfg.WorkerOptions(storage, storage, nil, nil)
	require.Equal(t, "worker-a", opts.Owner)
	require.Equal(t, cfg.Worker.Concurrency, opts.Concurrency)
	require.Equal(t, cfg.Worker.LeaseTTL, opts.LeaseTTL)

	var loopOpts durable.LoopOptions
	cfg.ApplyLoop(&loopOpts)
	require.Equal(t, cfg.Loop.MaxIterations, loopOpts.MaxIterations)
}

func TestAuditLog(t *testing.T) {
	cfg := Default()
	require.IsType(t, &durable.NullAuditLog{}, cfg.AuditLog())
	cfg.AuditDir = t.TempDir()
	require.IsType(t, &durable.FileAuditLog{}, cfg.AuditLog())
}
