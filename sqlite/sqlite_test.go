package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/internal/storagetest"
	"github.com/deepnoodle-ai/durable/sqlite"
)

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now func() time.Time) durable.Storage {
		store, err := sqlite.Open(context.Background(), sqlite.Options{
			Path: filepath.Join(t.TempDir(), "durable.db"),
			Now:  now,
		})
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteInMemory(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: store})
	require.NoError(t, err)
	run, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "memory",
		AgentKind:            "weather",
		LoopKind:             "react",
	})
	require.NoError(t, err)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, durable.RunStatusPending, got.Status)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	store, err := sqlite.Open(ctx, sqlite.Options{Path: path})
	require.NoError(t, err)
	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: store})
	require.NoError(t, err)
	run, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "reopen",
		AgentKind:            "weather",
		LoopKind:             "react",
		Input:                map[string]any{"message": "hello"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Migrations are idempotent across restarts.
	store, err = sqlite.Open(ctx, sqlite.Options{Path: path})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", got.Input["message"])
}

func TestSQLiteCheckpointsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: store})
	require.NoError(t, err)
	ledger, err := durable.NewLedger(durable.LedgerOptions{Storage: store})
	require.NoError(t, err)

	run, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "append-only",
		AgentKind:            "weather",
		LoopKind:             "react",
	})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, durable.AppendRequest{RunID: run.ID, Payload: durable.IterationStart{Iteration: 1}})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, "UPDATE checkpoints SET iteration = 2")
	require.ErrorContains(t, err, "append-only")
	_, err = store.DB().ExecContext(ctx, "DELETE FROM checkpoints")
	require.ErrorContains(t, err, "append-only")
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), sqlite.Options{})
	require.Error(t, err)
}
