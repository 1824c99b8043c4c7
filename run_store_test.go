package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStoreValidation(t *testing.T) {
	_, err := NewRunStore(RunStoreOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage is required")

	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("missing caller key", func(t *testing.T) {
		_, err := env.runs.Start(ctx, StartRequest{AgentKind: "a", LoopKind: "react"})
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("negative timeout", func(t *testing.T) {
		_, err := env.runs.Start(ctx, StartRequest{
			CallerIdempotencyKey: "k", AgentKind: "a", LoopKind: "react", Timeout: -time.Second,
		})
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unserializable input", func(t *testing.T) {
		_, err := env.runs.Start(ctx, StartRequest{
			CallerIdempotencyKey: "k", AgentKind: "a", LoopKind: "react",
			Input: map[string]any{"fn": func() {}},
		})
		require.ErrorIs(t, err, ErrValidation)
	})

	runs, err := env.runs.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Empty(t, runs, "rejected starts must not create runs")
}

func TestRunStoreStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.startRun(t, "caller-1", 300*time.Second)
	require.Equal(t, RunStatusPending, run.Status)
	require.Equal(t, int64(1), run.Version)
	require.NotNil(t, run.TimeoutAt)
	require.Equal(t, env.clock.Now().Add(300*time.Second), *run.TimeoutAt)
	require.Equal(t, "What is the weather in Paris?", run.Input["message"])

	t.Run("same key returns the same run", func(t *testing.T) {
		again, err := env.runs.Start(ctx, StartRequest{
			CallerIdempotencyKey: "caller-1",
			AgentKind:            "other",
			LoopKind:             "react",
			Input:                map[string]any{"message": "different"},
		})
		require.NoError(t, err)
		require.Equal(t, run.ID, again.ID)
		require.Equal(t, "weather", again.AgentKind)
		require.Equal(t, run.Input, again.Input)
	})

	t.Run("no timeout leaves deadline unset", func(t *testing.T) {
		other := env.startRun(t, "caller-2", 0)
		require.Nil(t, other.TimeoutAt)
		require.False(t, env.runs.IsTimedOut(other))
	})
}

func TestRunStoreConcurrentStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := env.runs.Start(ctx, StartRequest{
				CallerIdempotencyKey: "racy",
				AgentKind:            "weather",
				LoopKind:             "react",
			})
			require.NoError(t, err)
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	runs, err := env.runs.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunStoreStartConflictReadsWinner(t *testing.T) {
	ctx := context.Background()
	storage := &raceOnCreate{MemoryStorage: NewMemoryStorage()}
	runs, err := NewRunStore(RunStoreOptions{Storage: storage})
	require.NoError(t, err)

	run, err := runs.Start(ctx, StartRequest{CallerIdempotencyKey: "k", AgentKind: "a", LoopKind: "react"})
	require.NoError(t, err)
	require.Equal(t, storage.winner.ID, run.ID)
}

// raceOnCreate simulates another caller inserting the same key between the
// initial lookup and the insert.
type raceOnCreate struct {
	*MemoryStorage
	winner *Run
}

func (s *raceOnCreate) CreateRun(ctx context.Context, run *Run) error {
	if s.winner == nil {
		s.winner = run.Copy()
		s.winner.ID = NewRunID()
		if err := s.MemoryStorage.CreateRun(ctx, s.winner); err != nil {
			return err
		}
	}
	return s.MemoryStorage.CreateRun(ctx, run)
}

func TestRunStoreLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	callbacks := &recordingCallbacks{}
	runs, err := NewRunStore(RunStoreOptions{Storage: env.storage, Now: env.clock.Now, Callbacks: callbacks})
	require.NoError(t, err)

	run := env.startRun(t, "lifecycle", 0)

	running, err := runs.MarkRunning(ctx, run)
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	require.Equal(t, int64(2), running.Version)

	t.Run("mark running twice is an invalid transition", func(t *testing.T) {
		stored, err := runs.MarkRunning(ctx, running)
		require.ErrorIs(t, err, ErrInvalidTransition)
		require.Equal(t, RunStatusRunning, stored.Status)
	})

	env.clock.Advance(time.Minute)
	completed, err := runs.MarkCompleted(ctx, running, "It is 18C in Paris", 2)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, completed.Status)
	require.Equal(t, map[string]any{"text": "It is 18C in Paris", "iterations": 2}, completed.Output)
	require.Equal(t, 2, completed.CurrentIteration)
	require.NotNil(t, completed.CompletedAt)
	require.Equal(t, time.Minute, completed.Summary().Duration)

	t.Run("completing twice does not overwrite output", func(t *testing.T) {
		stored, err := runs.MarkCompleted(ctx, running, "other", 5)
		require.ErrorIs(t, err, ErrInvalidTransition)
		var transitionErr *TransitionError
		require.True(t, errors.As(err, &transitionErr))
		require.Equal(t, RunStatusCompleted, transitionErr.From)
		require.Equal(t, "It is 18C in Paris", stored.Output["text"])

		fresh, err := runs.Get(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, completed.Output, fresh.Output)
	})

	t.Run("terminal runs cannot be cancelled or failed", func(t *testing.T) {
		_, err := runs.Cancel(ctx, completed)
		require.ErrorIs(t, err, ErrInvalidTransition)
		_, err = runs.MarkFailed(ctx, completed, errors.New("late"))
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	require.Len(t, callbacks.transitions, 2)
	require.Equal(t, RunStatusPending, callbacks.transitions[0].From)
	require.Equal(t, RunStatusRunning, callbacks.transitions[0].To)
	require.Equal(t, RunStatusCompleted, callbacks.transitions[1].To)
}

func TestRunStoreMarkCompletedRequiresRunning(t *testing.T) {
	env := newTestEnv(t)
	run := env.startRun(t, "pending", 0)

	stored, err := env.runs.MarkCompleted(context.Background(), run, "done", 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, RunStatusPending, stored.Status)
	require.Nil(t, stored.Output)
}

func TestRunStoreMarkFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("from pending", func(t *testing.T) {
		run := env.startRun(t, "preflight", 0)
		failed, err := env.runs.MarkFailed(ctx, run, errors.New("bad config"))
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, failed.Status)
		require.Equal(t, "bad config", failed.Error)
		require.NotNil(t, failed.CompletedAt)
		require.Nil(t, failed.StartedAt)
	})

	t.Run("from running", func(t *testing.T) {
		run := env.runningRun(t, "midflight")
		failed, err := env.runs.MarkFailed(ctx, run, nil)
		require.NoError(t, err)
		require.Equal(t, "unknown error", failed.Error)

		_, err = env.runs.MarkFailed(ctx, failed, errors.New("again"))
		require.ErrorIs(t, err, ErrInvalidTransition)
		stored, err := env.runs.Get(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, "unknown error", stored.Error)
	})
}

func TestRunStoreCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.runningRun(t, "cancel-me")
	cancelled, err := env.runs.Cancel(ctx, run)
	require.NoError(t, err)
	require.Equal(t, RunStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	firstCancelledAt := *cancelled.CancelledAt

	env.clock.Advance(time.Second)
	again, err := env.runs.Cancel(ctx, cancelled)
	require.NoError(t, err)
	require.Equal(t, RunStatusCancelled, again.Status)
	require.Equal(t, firstCancelledAt, *again.CancelledAt)
	require.Equal(t, cancelled.Version, again.Version)

	t.Run("stale copy sees the cancellation", func(t *testing.T) {
		isCancelled, err := env.runs.IsCancelled(ctx, run)
		require.NoError(t, err)
		require.True(t, isCancelled)
	})

	t.Run("pending runs can be cancelled", func(t *testing.T) {
		pending := env.startRun(t, "cancel-pending", 0)
		cancelled, err := env.runs.Cancel(ctx, pending)
		require.NoError(t, err)
		require.Equal(t, RunStatusCancelled, cancelled.Status)
		require.Nil(t, cancelled.StartedAt)
	})
}

func TestRunStoreIsTimedOut(t *testing.T) {
	env := newTestEnv(t)
	run := env.startRun(t, "timeout", 300*time.Second)

	require.False(t, env.runs.IsTimedOut(run))
	env.clock.Advance(300 * time.Second)
	require.False(t, env.runs.IsTimedOut(run), "deadline itself is not past")
	env.clock.Advance(time.Millisecond)
	require.True(t, env.runs.IsTimedOut(run))
}

func TestRunStoreStaleCopyIsReloaded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending := env.startRun(t, "stale", 0)
	_, err := env.runs.MarkRunning(ctx, pending)
	require.NoError(t, err)

	// The caller still holds the pending copy; the store reloads it and
	// applies the transition to the stored running run.
	completed, err := env.runs.MarkCompleted(ctx, pending, "ok", 1)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, completed.Status)
	require.Equal(t, int64(3), completed.Version)
}

func TestRunStoreMergeContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.runningRun(t, "merge")

	run, err := env.runs.MergeContext(ctx, run, map[string]any{"conversation_id": "conv-1"})
	require.NoError(t, err)
	run, err = env.runs.MergeContext(ctx, run, map[string]any{"locale": "fr"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"conversation_id": "conv-1", "locale": "fr"}, run.Context)
	require.Equal(t, "conv-1", run.ConversationID())

	t.Run("concurrent merges keep every key", func(t *testing.T) {
		var wg sync.WaitGroup
		keys := []string{"a", "b", "c", "d"}
		for _, k := range keys {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				_, err := env.runs.MergeContext(ctx, run, map[string]any{k: true})
				require.NoError(t, err)
			}(k)
		}
		wg.Wait()

		stored, err := env.runs.Get(ctx, run.ID)
		require.NoError(t, err)
		for _, k := range keys {
			require.Equal(t, true, stored.Context[k])
		}
		require.Equal(t, "conv-1", stored.ConversationID())
	})
}

func TestRunStoreRecordIteration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.runningRun(t, "iterations")

	run, err := env.runs.RecordIteration(ctx, run, 2)
	require.NoError(t, err)
	require.Equal(t, 2, run.CurrentIteration)

	same, err := env.runs.RecordIteration(ctx, run, 2)
	require.NoError(t, err)
	require.Equal(t, run.Version, same.Version)

	_, err = env.runs.RecordIteration(ctx, run, 1)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRunStoreList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.startRun(t, "list-1", 0)
	second := env.runningRun(t, "list-2")
	env.startRun(t, "list-3", 0)

	all, err := env.runs.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, first.ID, all[0].ID)

	running, err := env.runs.List(ctx, RunFilter{Statuses: []RunStatus{RunStatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, second.ID, running[0].ID)

	limited, err := env.runs.List(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}
