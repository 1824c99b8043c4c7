package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestCLI(t *testing.T) {
	t.Setenv("DURABLE_STORAGE_DRIVER", "sqlite")
	t.Setenv("DURABLE_STORAGE_DSN", filepath.Join(t.TempDir(), "durable.db"))
	t.Setenv("DURABLE_LOG_LEVEL", "error")

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "Schema up to date")

	out, err = runCLI(t, "-json", "start", "-key", "order-1", "-agent", "weather",
		"-input", "city=Paris", "-input", "days=3")
	require.NoError(t, err)
	var run struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Input  map[string]any `json:"input"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	require.NotEmpty(t, run.ID)
	require.Equal(t, "pending", run.Status)
	require.Equal(t, "Paris", run.Input["city"])
	require.Equal(t, float64(3), run.Input["days"])

	t.Run("start is idempotent", func(t *testing.T) {
		out, err := runCLI(t, "-json", "start", "-key", "order-1", "-agent", "weather")
		require.NoError(t, err)
		require.Contains(t, out, run.ID)
	})

	t.Run("runs", func(t *testing.T) {
		out, err := runCLI(t, "runs", "-status", "pending")
		require.NoError(t, err)
		require.Contains(t, out, run.ID)

		_, err = runCLI(t, "runs", "-status", "paused")
		require.ErrorContains(t, err, "unknown status")
	})

	t.Run("show", func(t *testing.T) {
		out, err := runCLI(t, "show", run.ID)
		require.NoError(t, err)
		require.Contains(t, out, "order-1")

		_, err = runCLI(t, "show", "run_missing")
		require.Error(t, err)
	})

	t.Run("resume-state", func(t *testing.T) {
		out, err := runCLI(t, "-json", "resume-state", run.ID)
		require.NoError(t, err)
		var state map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &state))
		require.Equal(t, float64(1), state["resume_iteration"])
		require.Equal(t, false, state["finished"])
	})

	t.Run("checkpoints", func(t *testing.T) {
		out, err := runCLI(t, "checkpoints", run.ID)
		require.NoError(t, err)
		require.Contains(t, out, "SEQ")
	})

	t.Run("cancel", func(t *testing.T) {
		out, err := runCLI(t, "cancel", run.ID)
		require.NoError(t, err)
		require.Contains(t, out, "Cancelled run")

		// Cancelling again is a no-op.
		_, err = runCLI(t, "cancel", run.ID)
		require.NoError(t, err)
	})
}

func TestCLIErrors(t *testing.T) {
	t.Setenv("DURABLE_STORAGE_DRIVER", "memory")

	_, err := runCLI(t)
	require.ErrorContains(t, err, "a command is required")

	_, err = runCLI(t, "explode")
	require.ErrorContains(t, err, "unknown command")

	_, err = runCLI(t, "show")
	require.ErrorContains(t, err, "exactly one run id")

	_, err = runCLI(t, "migrate", "-down")
	require.ErrorContains(t, err, "only supported for postgres")
}
