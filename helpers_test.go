package durable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock.
type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	storage *MemoryStorage
	clock   *testClock
	runs    *RunStore
	ledger  *Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	storage := NewMemoryStorage()
	storage.SetClock(clock.Now)
	runs, err := NewRunStore(RunStoreOptions{Storage: storage, Now: clock.Now})
	require.NoError(t, err)
	ledger, err := NewLedger(LedgerOptions{Storage: storage, Now: clock.Now})
	require.NoError(t, err)
	return &testEnv{storage: storage, clock: clock, runs: runs, ledger: ledger}
}

func (env *testEnv) startRun(t *testing.T, key string, timeout time.Duration) *Run {
	t.Helper()
	run, err := env.runs.Start(context.Background(), StartRequest{
		CallerIdempotencyKey: key,
		AgentKind:            "weather",
		LoopKind:             "react",
		Input:                map[string]any{"message": "What is the weather in Paris?"},
		Timeout:              timeout,
	})
	require.NoError(t, err)
	return run
}

func (env *testEnv) runningRun(t *testing.T, key string) *Run {
	t.Helper()
	run, err := env.runs.MarkRunning(context.Background(), env.startRun(t, key, 0))
	require.NoError(t, err)
	return run
}

// recordingCallbacks captures events for assertions.
type recordingCallbacks struct {
	BaseCallbacks
	mutex       sync.Mutex
	transitions []*RunTransitionEvent
	appended    []*CheckpointEvent
	toolCalls   []*ToolCallEvent
}

func (c *recordingCallbacks) OnRunTransition(ctx context.Context, event *RunTransitionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.transitions = append(c.transitions, event)
}

func (c *recordingCallbacks) OnCheckpointAppended(ctx context.Context, event *CheckpointEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.appended = append(c.appended, event)
}

func (c *recordingCallbacks) AfterToolCall(ctx context.Context, event *ToolCallEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.toolCalls = append(c.toolCalls, event)
}
