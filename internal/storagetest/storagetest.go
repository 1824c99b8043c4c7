// Package storagetest is a conformance suite for durable.Storage
// implementations. Every backend runs the same tests from its own package.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
)

// Factory returns an empty storage that reads the current time from now.
// The storage is closed by the suite through t.Cleanup.
type Factory func(t *testing.T, now func() time.Time) durable.Storage

// Clock is a manually advanced time source.
type Clock struct {
	mutex sync.Mutex
	now   time.Time
}

// NewClock returns a clock fixed at a whole second so that values survive
// microsecond storage precision.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// Run executes the full suite against storage produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s durable.Storage, clock *Clock)
	}{
		{"RunRoundTrip", testRunRoundTrip},
		{"CallerKeyUnique", testCallerKeyUnique},
		{"RunNotFound", testRunNotFound},
		{"UpdateRunVersioning", testUpdateRunVersioning},
		{"ListRuns", testListRuns},
		{"CheckpointRoundTrip", testCheckpointRoundTrip},
		{"CheckpointUniqueness", testCheckpointUniqueness},
		{"CheckpointUnknownRun", testCheckpointUnknownRun},
		{"FindCheckpointByKey", testFindCheckpointByKey},
		{"CheckpointImmutable", testCheckpointImmutable},
		{"Leases", testLeases},
		{"LeaseIndependentOfVersion", testLeaseIndependentOfVersion},
		{"ConcurrentLedgerAppends", testConcurrentLedgerAppends},
		{"LifecycleThroughRunStore", testLifecycleThroughRunStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			s := factory(t, clock.Now)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s, clock)
		})
	}
}

func newRun(clock *Clock, key string) *durable.Run {
	now := clock.Now()
	timeout := now.Add(time.Minute)
	return &durable.Run{
		ID:                   durable.NewRunID(),
		CallerIdempotencyKey: key,
		AgentKind:            "weather",
		LoopKind:             "react",
		Status:               durable.RunStatusPending,
		Input:                map[string]any{"message": "What is the weather in Paris?"},
		Context:              map[string]any{},
		TimeoutAt:            &timeout,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func createRun(t *testing.T, s durable.Storage, clock *Clock, key string) *durable.Run {
	t.Helper()
	run := newRun(clock, key)
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func requireTime(t *testing.T, expected time.Time, actual *time.Time) {
	t.Helper()
	require.NotNil(t, actual)
	require.True(t, expected.Equal(*actual), "expected %s, got %s", expected, *actual)
}

func testRunRoundTrip(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "round-trip")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, "round-trip", got.CallerIdempotencyKey)
	require.Equal(t, "weather", got.AgentKind)
	require.Equal(t, "react", got.LoopKind)
	require.Equal(t, durable.RunStatusPending, got.Status)
	require.Equal(t, run.Input, got.Input)
	require.Empty(t, got.Context)
	require.Nil(t, got.Output)
	require.Equal(t, int64(1), got.Version)
	requireTime(t, *run.TimeoutAt, got.TimeoutAt)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.CancelledAt)
	require.True(t, run.CreatedAt.Equal(got.CreatedAt))

	byKey, err := s.GetRunByCallerKey(ctx, "round-trip")
	require.NoError(t, err)
	require.Equal(t, run.ID, byKey.ID)
}

func testCallerKeyUnique(t *testing.T, s durable.Storage, clock *Clock) {
	createRun(t, s, clock, "same-key")
	err := s.CreateRun(context.Background(), newRun(clock, "same-key"))
	require.ErrorIs(t, err, durable.ErrConflict)
}

func testRunNotFound(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	_, err := s.GetRun(ctx, "run_missing")
	require.ErrorIs(t, err, durable.ErrNotFound)

	_, err = s.GetRunByCallerKey(ctx, "missing")
	require.ErrorIs(t, err, durable.ErrNotFound)

	_, err = s.UpdateRun(ctx, newRun(clock, "never-created"))
	require.ErrorIs(t, err, durable.ErrNotFound)
}

func testUpdateRunVersioning(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "versioned")

	clock.Advance(time.Second)
	started := clock.Now()
	run.Status = durable.RunStatusRunning
	run.StartedAt = &started
	run.CurrentIteration = 2
	run.Context = map[string]any{durable.ContextKeyConversationID: run.ID}
	run.Output = map[string]any{"text": "partial"}
	run.Error = "none yet"
	run.UpdatedAt = started

	updated, err := s.UpdateRun(ctx, run)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, durable.RunStatusRunning, updated.Status)
	require.Equal(t, 2, updated.CurrentIteration)
	require.Equal(t, run.ID, updated.ConversationID())
	require.Equal(t, map[string]any{"text": "partial"}, updated.Output)
	require.Equal(t, "none yet", updated.Error)
	requireTime(t, started, updated.StartedAt)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)

	// run still carries version 1
	_, err = s.UpdateRun(ctx, run)
	require.ErrorIs(t, err, durable.ErrConflict)
}

func testListRuns(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		run := createRun(t, s, clock, fmt.Sprintf("list-%d", i))
		ids = append(ids, run.ID)
		clock.Advance(time.Second)
	}
	other := newRun(clock, "list-other")
	other.AgentKind = "search"
	require.NoError(t, s.CreateRun(ctx, other))

	first, err := s.GetRun(ctx, ids[0])
	require.NoError(t, err)
	first.Status = durable.RunStatusRunning
	_, err = s.UpdateRun(ctx, first)
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, durable.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, id := range ids {
		require.Equal(t, id, all[i].ID)
	}

	weather, err := s.ListRuns(ctx, durable.RunFilter{AgentKind: "weather"})
	require.NoError(t, err)
	require.Len(t, weather, 4)

	running, err := s.ListRuns(ctx, durable.RunFilter{Statuses: []durable.RunStatus{durable.RunStatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, ids[0], running[0].ID)

	recoverable, err := s.ListRuns(ctx, durable.RunFilter{
		Statuses: []durable.RunStatus{durable.RunStatusPending, durable.RunStatusRunning},
		Limit:    2,
	})
	require.NoError(t, err)
	require.Len(t, recoverable, 2)
	require.Equal(t, ids[0], recoverable[0].ID)
	require.Equal(t, ids[1], recoverable[1].ID)
}

func newCheckpoint(runID string, sequence int64, payload durable.Payload, key string, clock *Clock) *durable.Checkpoint {
	status := durable.CheckpointStatusCompleted
	if r, ok := payload.(durable.ToolResult); ok && r.Error != "" {
		status = durable.CheckpointStatusFailed
	}
	return &durable.Checkpoint{
		ID:             durable.NewCheckpointID(),
		RunID:          runID,
		Sequence:       sequence,
		Type:           payload.CheckpointType(),
		Iteration:      1,
		IdempotencyKey: key,
		Data:           payload,
		Status:         status,
		CreatedAt:      clock.Now(),
	}
}

func weatherKey(t *testing.T, runID string) string {
	t.Helper()
	key, err := durable.ToolCallKey(runID, 1, "get_weather", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	return key
}

func testCheckpointRoundTrip(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "checkpoints")
	key := weatherKey(t, run.ID)
	args := map[string]any{"city": "Paris"}

	last, err := s.LastSequence(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), last)

	payloads := []durable.Payload{
		durable.IterationStart{Iteration: 1},
		durable.Thought{Text: "I should check the weather", HasToolCalls: true, ToolCount: 1, Iteration: 1},
		durable.ToolCallStart{Tool: "get_weather", Args: args, Iteration: 1},
		durable.ToolResult{Tool: "get_weather", Args: args, Result: "sunny, 22C", Iteration: 1},
		durable.Observation{Text: "get_weather: sunny, 22C", Iteration: 1},
	}
	for i, p := range payloads {
		k := ""
		if p.CheckpointType().RequiresIdempotencyKey() {
			k = key
		}
		require.NoError(t, s.InsertCheckpoint(ctx, newCheckpoint(run.ID, int64(i+1), p, k, clock)))
	}

	last, err = s.LastSequence(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(len(payloads)), last)

	checkpoints, err := s.ListCheckpoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, len(payloads))
	for i, c := range checkpoints {
		require.Equal(t, int64(i+1), c.Sequence)
		require.Equal(t, run.ID, c.RunID)
		require.Equal(t, payloads[i].CheckpointType(), c.Type)
		require.Equal(t, payloads[i], c.Data)
		require.True(t, clock.Now().Equal(c.CreatedAt))
	}
	require.Empty(t, checkpoints[0].IdempotencyKey)
	require.Equal(t, key, checkpoints[3].IdempotencyKey)

	empty, err := s.ListCheckpoints(ctx, "run_missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testCheckpointUniqueness(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "unique")
	key := weatherKey(t, run.ID)
	args := map[string]any{"city": "Paris"}

	require.NoError(t, s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 1, durable.IterationStart{Iteration: 1}, "", clock)))
	err := s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 1, durable.IterationStart{Iteration: 1}, "", clock))
	require.ErrorIs(t, err, durable.ErrConflict)

	// Repeated starts for the same key are allowed; results are not.
	start := durable.ToolCallStart{Tool: "get_weather", Args: args, Iteration: 1}
	require.NoError(t, s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 2, start, key, clock)))
	require.NoError(t, s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 3, start, key, clock)))

	result := durable.ToolResult{Tool: "get_weather", Args: args, Result: "sunny", Iteration: 1}
	require.NoError(t, s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 4, result, key, clock)))
	err = s.InsertCheckpoint(ctx, newCheckpoint(run.ID, 5, result, key, clock))
	require.ErrorIs(t, err, durable.ErrConflict)

	checkpoints, err := s.ListCheckpoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 4)
}

func testCheckpointUnknownRun(t *testing.T, s durable.Storage, clock *Clock) {
	err := s.InsertCheckpoint(context.Background(),
		newCheckpoint("run_missing", 1, durable.IterationStart{Iteration: 1}, "", clock))
	require.ErrorIs(t, err, durable.ErrNotFound)
}

func testFindCheckpointByKey(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "find")
	key := weatherKey(t, run.ID)
	args := map[string]any{"city": "Paris"}

	_, err := s.FindCheckpointByKey(ctx, key, durable.CheckpointToolResult)
	require.ErrorIs(t, err, durable.ErrNotFound)

	start := newCheckpoint(run.ID, 1, durable.ToolCallStart{Tool: "get_weather", Args: args, Iteration: 1}, key, clock)
	require.NoError(t, s.InsertCheckpoint(ctx, start))
	failed := newCheckpoint(run.ID, 2, durable.ToolResult{
		Tool: "get_weather", Args: args, Result: nil, Error: "upstream timeout", Iteration: 1,
	}, key, clock)
	require.NoError(t, s.InsertCheckpoint(ctx, failed))

	found, err := s.FindCheckpointByKey(ctx, key, durable.CheckpointToolCallStart)
	require.NoError(t, err)
	require.Equal(t, start.ID, found.ID)

	found, err = s.FindCheckpointByKey(ctx, key, durable.CheckpointToolResult)
	require.NoError(t, err)
	require.Equal(t, failed.ID, found.ID)
	require.Equal(t, durable.CheckpointStatusFailed, found.Status)
	require.Equal(t, "upstream timeout", found.Data.(durable.ToolResult).Error)
}

func testCheckpointImmutable(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	ledger, err := durable.NewLedger(durable.LedgerOptions{Storage: s, Now: clock.Now})
	require.NoError(t, err)
	run := createRun(t, s, clock, "immutable")

	args := map[string]any{"city": "Paris", "units": []any{"metric"}}
	result := map[string]any{"sky": "sunny", "hourly": []any{"clear", "cloudy"}}
	_, err = ledger.Append(ctx, durable.AppendRequest{
		RunID:   run.ID,
		Payload: durable.ToolCallStart{Tool: "get_weather", Args: args, Iteration: 1},
	})
	require.NoError(t, err)
	appended, err := ledger.Append(ctx, durable.AppendRequest{
		RunID:   run.ID,
		Payload: durable.ToolResult{Tool: "get_weather", Args: args, Result: result, Iteration: 1},
	})
	require.NoError(t, err)

	requireStored := func() {
		t.Helper()
		checkpoints, err := ledger.ListForRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, checkpoints, 2)
		start := checkpoints[0].Data.(durable.ToolCallStart)
		require.Equal(t, map[string]any{"city": "Paris", "units": []any{"metric"}}, start.Args)
		recorded := checkpoints[1].Data.(durable.ToolResult)
		require.Equal(t, map[string]any{"city": "Paris", "units": []any{"metric"}}, recorded.Args)
		require.Equal(t, map[string]any{"sky": "sunny", "hourly": []any{"clear", "cloudy"}}, recorded.Result)
	}

	args["city"] = "London"
	args["units"].([]any)[0] = "imperial"
	result["sky"] = "hail"
	result["hourly"].([]any)[1] = "storm"
	requireStored()

	listed, err := ledger.ListForRun(ctx, run.ID)
	require.NoError(t, err)
	listed[0].Data.(durable.ToolCallStart).Args["city"] = "Rome"
	listed[1].Data.(durable.ToolResult).Result.(map[string]any)["sky"] = "fog"
	listed[1].Sequence = 99
	requireStored()

	found, err := ledger.FindByIdempotencyKey(ctx, appended.IdempotencyKey)
	require.NoError(t, err)
	found.Data.(durable.ToolResult).Args["units"].([]any)[0] = "kelvin"
	found.Data.(durable.ToolResult).Result.(map[string]any)["hourly"].([]any)[0] = "snow"
	requireStored()

	again, err := ledger.FindByIdempotencyKey(ctx, appended.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sky": "sunny", "hourly": []any{"clear", "cloudy"}}, again.Data.(durable.ToolResult).Result)
	require.Equal(t, int64(2), again.Sequence)
}

func testLeases(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "leases")
	ttl := 10 * time.Second

	_, err := s.AcquireLease(ctx, "run_missing", "a", ttl)
	require.ErrorIs(t, err, durable.ErrNotFound)

	lease, err := s.AcquireLease(ctx, run.ID, "a", ttl)
	require.NoError(t, err)
	require.Equal(t, "a", lease.Owner)
	require.True(t, clock.Now().Add(ttl).Equal(lease.ExpiresAt))

	_, err = s.AcquireLease(ctx, run.ID, "b", ttl)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)

	again, err := s.AcquireLease(ctx, run.ID, "a", ttl)
	require.NoError(t, err)
	require.Equal(t, "a", again.Owner)

	clock.Advance(5 * time.Second)
	renewed, err := s.RenewLease(ctx, lease, ttl)
	require.NoError(t, err)
	require.True(t, clock.Now().Add(ttl).Equal(renewed.ExpiresAt))

	// Let the lease lapse; another owner takes over.
	clock.Advance(ttl)
	taken, err := s.AcquireLease(ctx, run.ID, "b", ttl)
	require.NoError(t, err)
	require.Equal(t, "b", taken.Owner)

	_, err = s.RenewLease(ctx, renewed, ttl)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)

	// Releasing a lease no longer held is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, renewed))
	_, err = s.AcquireLease(ctx, run.ID, "a", ttl)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, taken))
	_, err = s.AcquireLease(ctx, run.ID, "a", ttl)
	require.NoError(t, err)
}

func testLeaseIndependentOfVersion(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	run := createRun(t, s, clock, "lease-version")

	_, err := s.AcquireLease(ctx, run.ID, "a", time.Minute)
	require.NoError(t, err)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)
	require.Equal(t, "a", stored.LeaseOwner)

	stored.Status = durable.RunStatusRunning
	updated, err := s.UpdateRun(ctx, stored)
	require.NoError(t, err)
	require.Equal(t, "a", updated.LeaseOwner)
	require.NotNil(t, updated.LeaseExpiresAt)
}

func testConcurrentLedgerAppends(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	ledger, err := durable.NewLedger(durable.LedgerOptions{Storage: s, Now: clock.Now})
	require.NoError(t, err)

	run := createRun(t, s, clock, "concurrent")
	const writers, perWriter = 4, 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := ledger.Append(ctx, durable.AppendRequest{
					RunID:   run.ID,
					Payload: durable.Observation{Text: fmt.Sprintf("writer %d entry %d", w, i), Iteration: 1},
				})
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	checkpoints, err := s.ListCheckpoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, writers*perWriter)
	for i, c := range checkpoints {
		require.Equal(t, int64(i+1), c.Sequence)
	}
}

func testLifecycleThroughRunStore(t *testing.T, s durable.Storage, clock *Clock) {
	ctx := context.Background()
	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: s, Now: clock.Now})
	require.NoError(t, err)

	run, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "lifecycle",
		AgentKind:            "weather",
		LoopKind:             "react",
		Input:                map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	same, err := runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: "lifecycle",
		AgentKind:            "weather",
		LoopKind:             "react",
	})
	require.NoError(t, err)
	require.Equal(t, run.ID, same.ID)

	run, err = runs.MarkRunning(ctx, run)
	require.NoError(t, err)
	run, err = runs.MergeContext(ctx, run, map[string]any{durable.ContextKeyConversationID: "conv-1"})
	require.NoError(t, err)
	run, err = runs.MarkCompleted(ctx, run, "It is sunny in Paris.", 2)
	require.NoError(t, err)
	require.Equal(t, durable.RunStatusCompleted, run.Status)

	stored, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, durable.RunStatusCompleted, stored.Status)
	require.Equal(t, "conv-1", stored.ConversationID())
	require.Equal(t, "It is sunny in Paris.", stored.Output["text"])
	require.NotNil(t, stored.CompletedAt)

	_, err = runs.MarkCompleted(ctx, stored, "again", 2)
	require.ErrorIs(t, err, durable.ErrInvalidTransition)
}
