package durable

import (
	"context"
	"time"
)

// Callbacks receives notifications about run and ledger events. Callbacks
// are invoked synchronously after the corresponding durable write succeeds.
type Callbacks interface {
	// Run-level callbacks
	OnRunTransition(ctx context.Context, event *RunTransitionEvent)

	// Ledger-level callbacks
	OnCheckpointAppended(ctx context.Context, event *CheckpointEvent)

	// Tool-level callbacks
	BeforeToolCall(ctx context.Context, event *ToolCallEvent)
	AfterToolCall(ctx context.Context, event *ToolCallEvent)
}

// RunTransitionEvent describes a lifecycle status change.
type RunTransitionEvent struct {
	RunID     string
	AgentKind string
	From      RunStatus
	To        RunStatus
	Run       *Run
	Time      time.Time
}

// CheckpointEvent describes a checkpoint that was just written.
type CheckpointEvent struct {
	RunID      string
	Checkpoint *Checkpoint
}

// ToolCallEvent describes a single tool invocation. Reused is set when a
// prior recorded result was returned instead of invoking the tool.
type ToolCallEvent struct {
	RunID          string
	Iteration      int
	Tool           string
	Args           map[string]any
	IdempotencyKey string
	Result         any
	Reused         bool
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Error          error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) OnRunTransition(ctx context.Context, event *RunTransitionEvent) {
	// noop
}

func (n *BaseCallbacks) OnCheckpointAppended(ctx context.Context, event *CheckpointEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeToolCall(ctx context.Context, event *ToolCallEvent) {
	// noop
}

func (n *BaseCallbacks) AfterToolCall(ctx context.Context, event *ToolCallEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed BaseCallbacks in your own type to only handle the events you need.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnRunTransition(ctx context.Context, event *RunTransitionEvent) {
	for _, callback := range c.callbacks {
		callback.OnRunTransition(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpointAppended(ctx context.Context, event *CheckpointEvent) {
	for _, callback := range c.callbacks {
		callback.OnCheckpointAppended(ctx, event)
	}
}

func (c *CallbackChain) BeforeToolCall(ctx context.Context, event *ToolCallEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeToolCall(ctx, event)
	}
}

func (c *CallbackChain) AfterToolCall(ctx context.Context, event *ToolCallEvent) {
	for _, callback := range c.callbacks {
		callback.AfterToolCall(ctx, event)
	}
}
