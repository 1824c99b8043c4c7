package durable

import (
	"context"
	"fmt"
	"log/slog"
)

// ToolCallState classifies an idempotency key against the ledger.
type ToolCallState string

const (
	// ToolCallNotAttempted means no checkpoint carries the key.
	ToolCallNotAttempted ToolCallState = "not_attempted"

	// ToolCallInFlight means a tool_call_start exists without a matching
	// tool_result: the call may or may not have taken effect.
	ToolCallInFlight ToolCallState = "in_flight"

	// ToolCallDone means a tool_result is recorded for the key.
	ToolCallDone ToolCallState = "done"
)

// InFlightCall is a tool call that was started but never confirmed.
type InFlightCall struct {
	IdempotencyKey string
	Tool           string
	Args           map[string]any
	Iteration      int
	Start          *Checkpoint
}

// ResumeState is the working state of a run reconstructed from its ledger.
type ResumeState struct {
	Run         *Run
	Checkpoints []*Checkpoint

	// LastIteration is the highest iteration any checkpoint belongs to.
	LastIteration int

	// CompletedIteration is the highest settled iteration: one that reached
	// an observation or a terminal checkpoint, or whose requested tool calls
	// all have recorded results.
	CompletedIteration int

	// PendingObservation is an iteration settled by its tool results whose
	// observation was never written, or 0.
	PendingObservation int

	// LastSequence is the sequence of the final checkpoint, or 0.
	LastSequence int64

	// Satisfied maps idempotency keys to their recorded tool_result.
	Satisfied map[string]*Checkpoint

	// InFlight lists unconfirmed tool calls in ledger order.
	InFlight []InFlightCall

	// ConversationID points at externally stored history, if any.
	ConversationID string

	// Terminal is the complete or max_iterations checkpoint, if written.
	Terminal *Checkpoint

	started map[int]bool
}

// Finished reports whether the ledger already records how the loop ended.
func (s *ResumeState) Finished() bool {
	return s.Terminal != nil
}

// ResumeIteration returns the iteration the loop should continue at. An
// iteration that began but never settled is re-entered; its recorded tool
// results are reused through their idempotency keys.
func (s *ResumeState) ResumeIteration() int {
	if s.LastIteration > s.CompletedIteration {
		return s.LastIteration
	}
	return s.CompletedIteration + 1
}

// Classify reports what the ledger knows about a tool call key.
func (s *ResumeState) Classify(key string) ToolCallState {
	if _, ok := s.Satisfied[key]; ok {
		return ToolCallDone
	}
	for _, call := range s.InFlight {
		if call.IdempotencyKey == key {
			return ToolCallInFlight
		}
	}
	return ToolCallNotAttempted
}

// Result returns the recorded tool_result for key.
func (s *ResumeState) Result(key string) (*Checkpoint, bool) {
	c, ok := s.Satisfied[key]
	return c, ok
}

// IterationBegun reports whether any checkpoint was written for the
// iteration. A begun iteration gets no second iteration_start.
func (s *ResumeState) IterationBegun(iteration int) bool {
	return s.started[iteration]
}

// IterationCheckpoints returns the checkpoints of one iteration in order.
func (s *ResumeState) IterationCheckpoints(iteration int) []*Checkpoint {
	var result []*Checkpoint
	for _, c := range s.Checkpoints {
		if c.Iteration == iteration && !isTerminalType(c.Type) {
			result = append(result, c)
		}
	}
	return result
}

// ResumeLoader rebuilds ResumeState from the Run Store and the Ledger. It
// only reads.
type ResumeLoader struct {
	runs   *RunStore
	ledger *Ledger
	logger *slog.Logger
}

// NewResumeLoader creates a ResumeLoader.
func NewResumeLoader(runs *RunStore, ledger *Ledger, logger *slog.Logger) (*ResumeLoader, error) {
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &ResumeLoader{runs: runs, ledger: ledger, logger: logger.With("component", "resume")}, nil
}

// Load reconstructs the resumable state of a run.
func (l *ResumeLoader) Load(ctx context.Context, runID string) (*ResumeState, error) {
	run, err := l.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := l.ledger.ListForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := BuildResumeState(run, checkpoints)

	l.logger.Debug("resume state loaded",
		"run_id", runID,
		"checkpoints", len(checkpoints),
		"last_iteration", state.LastIteration,
		"completed_iteration", state.CompletedIteration,
		"in_flight", len(state.InFlight),
		"finished", state.Finished())
	return state, nil
}

// BuildResumeState derives resume state from a run and its ordered
// checkpoints.
func BuildResumeState(run *Run, checkpoints []*Checkpoint) *ResumeState {
	state := &ResumeState{
		Run:            run,
		Checkpoints:    checkpoints,
		Satisfied:      map[string]*Checkpoint{},
		ConversationID: run.ConversationID(),
		started:        map[int]bool{},
	}

	starts := map[string]*Checkpoint{}
	var startOrder []string
	progress := map[int]*iterationProgress{}
	progressFor := func(iteration int) *iterationProgress {
		p, ok := progress[iteration]
		if !ok {
			p = &iterationProgress{results: map[string]bool{}}
			progress[iteration] = p
		}
		return p
	}

	for _, c := range checkpoints {
		state.LastSequence = c.Sequence
		if !isTerminalType(c.Type) {
			state.LastIteration = max(state.LastIteration, c.Iteration)
			state.started[c.Iteration] = true
		}
		switch c.Type {
		case CheckpointThought:
			if p, ok := c.Data.(Thought); ok {
				progressFor(c.Iteration).toolCount = p.ToolCount
			}
		case CheckpointToolCallStart:
			if _, ok := starts[c.IdempotencyKey]; !ok {
				starts[c.IdempotencyKey] = c
				startOrder = append(startOrder, c.IdempotencyKey)
			}
		case CheckpointToolResult:
			if _, ok := state.Satisfied[c.IdempotencyKey]; !ok {
				state.Satisfied[c.IdempotencyKey] = c
			}
			progressFor(c.Iteration).results[c.IdempotencyKey] = true
		case CheckpointObservation:
			state.CompletedIteration = max(state.CompletedIteration, c.Iteration)
		case CheckpointComplete, CheckpointMaxIterations:
			if state.Terminal == nil {
				state.Terminal = c
			}
			state.CompletedIteration = max(state.CompletedIteration, c.Iteration)
			state.LastIteration = max(state.LastIteration, c.Iteration)
		}
	}

	for _, key := range startOrder {
		if _, ok := state.Satisfied[key]; ok {
			continue
		}
		start := starts[key]
		call := InFlightCall{
			IdempotencyKey: key,
			Iteration:      start.Iteration,
			Start:          start,
		}
		if p, ok := start.Data.(ToolCallStart); ok {
			call.Tool = p.Tool
			call.Args = p.Args
		}
		state.InFlight = append(state.InFlight, call)
		progressFor(start.Iteration).inFlight = true
	}

	// The latest iteration is settled once all its tool calls have results,
	// even if the process stopped before its observation was written.
	if last := state.LastIteration; last > state.CompletedIteration && state.Terminal == nil {
		if p, ok := progress[last]; ok && p.settled() {
			state.CompletedIteration = last
			state.PendingObservation = last
		}
	}
	return state
}

// iterationProgress tracks what the ledger holds for one iteration.
type iterationProgress struct {
	toolCount int
	results   map[string]bool
	inFlight  bool
}

// settled reports whether every requested tool call has a recorded result.
// Without a thought the recorded calls are all that is known.
func (p *iterationProgress) settled() bool {
	return len(p.results) > 0 && !p.inFlight && len(p.results) >= p.toolCount
}
