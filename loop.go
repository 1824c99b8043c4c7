package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// DefaultMaxIterations is used when LoopOptions.MaxIterations is zero.
const DefaultMaxIterations = 10

// MaxIterationsPolicy decides the run status when iterations are exhausted.
type MaxIterationsPolicy string

const (
	// MaxIterationsComplete completes the run with the last thought as a
	// degraded answer.
	MaxIterationsComplete MaxIterationsPolicy = "complete"

	// MaxIterationsFail fails the run.
	MaxIterationsFail MaxIterationsPolicy = "fail"
)

// InFlightPolicy decides what happens to a tool call that was started but
// never confirmed when the loop resumes and the model requests it again.
type InFlightPolicy string

const (
	// InFlightReattempt invokes the tool again (at-least-once).
	InFlightReattempt InFlightPolicy = "reattempt"

	// InFlightFail records a failed tool_result without invoking the tool.
	InFlightFail InFlightPolicy = "fail"
)

// ErrInterrupted is recorded as the tool error when an unconfirmed call is
// failed under InFlightFail.
var ErrInterrupted = errors.New("tool call was interrupted before its result was recorded")

// LoopOptions configures a Loop
type LoopOptions struct {
	RunStore *RunStore
	Ledger   *Ledger
	Model    ModelCompletion
	Tools    ToolInvoker

	// History is optional. When set, prior conversation messages are loaded
	// before the first model call and the run's messages are appended when
	// the run finishes.
	History HistoryStore

	Instructions        string
	MaxIterations       int
	MaxIterationsPolicy MaxIterationsPolicy
	InFlightPolicy      InFlightPolicy
	Callbacks           Callbacks
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Loop is a think/act/observe orchestrator built on the Run Store and the
// Ledger. It is stateless between calls to Run; all progress is in storage,
// so a Run interrupted at any point can be continued by calling Run again.
type Loop struct {
	runs                *RunStore
	ledger              *Ledger
	resume              *ResumeLoader
	model               ModelCompletion
	tools               ToolInvoker
	history             HistoryStore
	instructions        string
	maxIterations       int
	maxIterationsPolicy MaxIterationsPolicy
	inFlightPolicy      InFlightPolicy
	callbacks           Callbacks
	logger              *slog.Logger
	now                 func() time.Time
}

// NewLoop creates a Loop
func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.RunStore == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("tools are required")
	}
	if opts.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must not be negative")
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	switch opts.MaxIterationsPolicy {
	case "":
		opts.MaxIterationsPolicy = MaxIterationsComplete
	case MaxIterationsComplete, MaxIterationsFail:
	default:
		return nil, fmt.Errorf("unknown max iterations policy %q", opts.MaxIterationsPolicy)
	}
	switch opts.InFlightPolicy {
	case "":
		opts.InFlightPolicy = InFlightReattempt
	case InFlightReattempt, InFlightFail:
	default:
		return nil, fmt.Errorf("unknown in-flight policy %q", opts.InFlightPolicy)
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	resume, err := NewResumeLoader(opts.RunStore, opts.Ledger, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Loop{
		runs:                opts.RunStore,
		ledger:              opts.Ledger,
		resume:              resume,
		model:               opts.Model,
		tools:               opts.Tools,
		history:             opts.History,
		instructions:        opts.Instructions,
		maxIterations:       opts.MaxIterations,
		maxIterationsPolicy: opts.MaxIterationsPolicy,
		inFlightPolicy:      opts.InFlightPolicy,
		callbacks:           opts.Callbacks,
		logger:              opts.Logger.With("component", "loop"),
		now:                 opts.Now,
	}, nil
}

// Run drives the run until it reaches a terminal status or ctx ends. A run
// that is already terminal is returned as is. When ctx ends the run is left
// in its current status and ctx.Err() is returned, so it can be resumed.
// Persistence errors abort the current step and are returned unmasked.
func (l *Loop) Run(ctx context.Context, runID string) (*Run, error) {
	state, err := l.resume.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := state.Run
	logger := l.logger.With("run_id", run.ID)
	ctx = WithLogger(WithRunID(ctx, run.ID), logger)

	if run.Status.IsTerminal() {
		return run, nil
	}
	if run.Status == RunStatusPending {
		run, err = l.runs.MarkRunning(ctx, run)
		if err != nil {
			return settled(run, err)
		}
	}
	if len(state.Checkpoints) > 0 {
		logger.Info("resuming run",
			"resume_iteration", state.ResumeIteration(),
			"satisfied", len(state.Satisfied),
			"in_flight", len(state.InFlight))
	}

	e := &execution{Loop: l, run: run, state: state, logger: logger}
	if state.Finished() {
		return e.finish(ctx, state.Terminal)
	}
	return e.execute(ctx)
}

// settled turns an invalid transition caused by a concurrent terminal
// transition into a normal return of the stored run.
func settled(run *Run, err error) (*Run, error) {
	if errors.Is(err, ErrInvalidTransition) && run != nil && run.Status.IsTerminal() {
		return run, nil
	}
	return run, err
}

// modelError marks a failure of the model completion call.
type modelError struct {
	err error
}

func (e *modelError) Error() string { return "model completion failed: " + e.err.Error() }

func (e *modelError) Unwrap() error { return e.err }

// execution is one call to Loop.Run.
type execution struct {
	*Loop
	run            *Run
	state          *ResumeState
	logger         *slog.Logger
	conversationID string
	conversation   []Message
	pending        []Message
}

func (e *execution) execute(ctx context.Context) (*Run, error) {
	if err := e.prepareHistory(ctx); err != nil {
		return e.run, err
	}
	if err := e.writePendingObservation(ctx); err != nil {
		return e.abort(ctx, err)
	}
	lastText := e.lastThoughtText()

	for iteration := e.state.ResumeIteration(); iteration <= e.maxIterations; iteration++ {
		if done, run, err := e.checkBoundary(ctx); done {
			return run, err
		}
		action, err := e.iterate(ctx, iteration)
		if err != nil {
			return e.abort(ctx, err)
		}
		lastText = action.Text
		if len(action.ToolCalls) == 0 {
			return e.terminate(ctx, Complete{Text: action.Text, Iterations: iteration}, iteration)
		}
	}

	if done, run, err := e.checkBoundary(ctx); done {
		return run, err
	}
	e.logger.Warn("max iterations reached", "max_iterations", e.maxIterations)
	return e.terminate(ctx, MaxIterations{Iterations: e.maxIterations, Text: lastText}, e.maxIterations)
}

// writePendingObservation records the observation of an iteration whose tool
// results were all written before the process stopped.
func (e *execution) writePendingObservation(ctx context.Context) error {
	iteration := e.state.PendingObservation
	if iteration == 0 {
		return nil
	}
	var observations []string
	seen := map[string]bool{}
	for _, c := range e.state.IterationCheckpoints(iteration) {
		result, ok := c.Data.(ToolResult)
		if !ok || seen[c.IdempotencyKey] {
			continue
		}
		seen[c.IdempotencyKey] = true
		observations = append(observations, describeToolMessage(toolMessage(result)))
	}
	if _, err := e.ledger.Append(ctx, AppendRequest{
		RunID:   e.run.ID,
		Payload: Observation{Text: strings.Join(observations, "\n"), Iteration: iteration},
	}); err != nil {
		return err
	}
	e.logger.Info("recorded observation of settled iteration", "iteration", iteration)
	e.state.PendingObservation = 0
	return nil
}

// checkBoundary polls cancellation and timeout before an iteration starts.
func (e *execution) checkBoundary(ctx context.Context) (bool, *Run, error) {
	if err := ctx.Err(); err != nil {
		return true, e.run, err
	}
	cancelled, err := e.runs.IsCancelled(ctx, e.run)
	if err != nil {
		return true, e.run, err
	}
	if cancelled {
		e.logger.Info("run cancelled, halting")
		run, err := e.runs.Get(ctx, e.run.ID)
		return true, run, err
	}
	if e.runs.IsTimedOut(e.run) {
		e.logger.Warn("run timed out, halting", "timeout_at", e.run.TimeoutAt)
		cause := NewError(ErrorTypeTimeout,
			fmt.Sprintf("run exceeded its deadline of %s", e.run.TimeoutAt.Format(time.RFC3339)))
		run, err := settled(e.runs.MarkFailed(ctx, e.run, cause))
		return true, run, err
	}
	return false, nil, nil
}

func (e *execution) iterate(ctx context.Context, iteration int) (*Action, error) {
	ctx = WithIteration(ctx, iteration)
	logger := e.logger.With("iteration", iteration)

	if !e.state.IterationBegun(iteration) {
		if _, err := e.ledger.Append(ctx, AppendRequest{
			RunID:   e.run.ID,
			Payload: IterationStart{Iteration: iteration},
		}); err != nil {
			return nil, err
		}
	}
	run, err := e.runs.RecordIteration(ctx, e.run, iteration)
	if err != nil {
		return nil, err
	}
	e.run = run

	action, err := e.model.Complete(ctx, e.instructions, slices.Clone(e.conversation))
	if err != nil {
		return nil, &modelError{err: err}
	}
	if action == nil {
		action = &Action{}
	}
	if _, err := e.ledger.Append(ctx, AppendRequest{
		RunID: e.run.ID,
		Payload: Thought{
			Text:         action.Text,
			HasToolCalls: len(action.ToolCalls) > 0,
			ToolCount:    len(action.ToolCalls),
			Iteration:    iteration,
		},
	}); err != nil {
		return nil, err
	}
	logger.Debug("thought recorded", "tool_count", len(action.ToolCalls))

	e.addMessages(Message{Role: RoleAssistant, Content: action.Text, ToolCalls: action.ToolCalls})
	if len(action.ToolCalls) == 0 {
		return action, nil
	}

	observations := make([]string, 0, len(action.ToolCalls))
	for _, call := range action.ToolCalls {
		msg, err := e.callTool(ctx, iteration, call)
		if err != nil {
			return nil, err
		}
		e.addMessages(msg)
		observations = append(observations, describeToolMessage(msg))
	}
	if _, err := e.ledger.Append(ctx, AppendRequest{
		RunID:   e.run.ID,
		Payload: Observation{Text: strings.Join(observations, "\n"), Iteration: iteration},
	}); err != nil {
		return nil, err
	}
	return action, nil
}

// callTool performs one tool call, bracketed by tool_call_start and
// tool_result. A result already recorded for the call's idempotency key is
// reused and the tool is not invoked.
func (e *execution) callTool(ctx context.Context, iteration int, call ToolCall) (Message, error) {
	logger := e.logger.With("iteration", iteration, "tool", call.Name)

	key, err := ToolCallKey(e.run.ID, iteration, call.Name, call.Args)
	if err == nil {
		err = validateToolName(call.Name)
	}
	if err != nil {
		// Without a key the call cannot be recorded; the model sees the
		// rejection as a failed tool result.
		logger.Warn("rejected tool call", "error", err)
		return Message{Role: RoleTool, Tool: call.Name, Error: err.Error()}, nil
	}

	event := &ToolCallEvent{
		RunID:          e.run.ID,
		Iteration:      iteration,
		Tool:           call.Name,
		Args:           call.Args,
		IdempotencyKey: key,
		StartTime:      e.now(),
	}

	existing, err := e.ledger.FindByIdempotencyKey(ctx, key)
	if err == nil {
		logger.Info("reusing recorded tool result", "idempotency_key", key)
		return e.reuse(ctx, event, existing), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, err
	}

	if e.state.Classify(key) == ToolCallInFlight && e.inFlightPolicy == InFlightFail {
		logger.Warn("failing unconfirmed tool call", "idempotency_key", key)
		return e.record(ctx, event, ToolResult{
			Tool:      call.Name,
			Args:      call.Args,
			Error:     ErrInterrupted.Error(),
			Iteration: iteration,
		})
	}

	if _, err := e.ledger.Append(ctx, AppendRequest{
		RunID:          e.run.ID,
		IdempotencyKey: key,
		Payload:        ToolCallStart{Tool: call.Name, Args: call.Args, Iteration: iteration},
	}); err != nil {
		return Message{}, err
	}

	e.callbacks.BeforeToolCall(ctx, event)
	result, invokeErr := e.tools.Invoke(ctx, call.Name, call.Args)
	if invokeErr != nil && ctx.Err() != nil {
		// The call stays unconfirmed in the ledger.
		return Message{}, ctx.Err()
	}
	event.Error = invokeErr

	payload := ToolResult{Tool: call.Name, Args: call.Args, Result: result, Iteration: iteration}
	if invokeErr != nil {
		logger.Warn("tool call failed", "error", invokeErr)
		payload.Result = nil
		payload.Error = invokeErr.Error()
	}
	return e.record(ctx, event, payload)
}

func (e *execution) record(ctx context.Context, event *ToolCallEvent, payload ToolResult) (Message, error) {
	checkpoint, err := e.ledger.Append(ctx, AppendRequest{
		RunID:          e.run.ID,
		IdempotencyKey: event.IdempotencyKey,
		Payload:        payload,
	})
	if err != nil {
		if checkpoint == nil || !errors.Is(err, ErrConflict) {
			return Message{}, err
		}
		// Another executor recorded the result first; the first write wins.
		e.logger.Warn("tool result already recorded", "idempotency_key", event.IdempotencyKey)
		event.Reused = true
	}
	recorded, _ := checkpoint.Data.(ToolResult)
	event.Result = recorded.Result
	event.EndTime = e.now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	e.callbacks.AfterToolCall(ctx, event)
	return toolMessage(recorded), nil
}

func (e *execution) reuse(ctx context.Context, event *ToolCallEvent, checkpoint *Checkpoint) Message {
	recorded, _ := checkpoint.Data.(ToolResult)
	event.Reused = true
	event.Result = recorded.Result
	if recorded.Error != "" {
		event.Error = errors.New(recorded.Error)
	}
	event.EndTime = event.StartTime
	e.callbacks.AfterToolCall(ctx, event)
	return toolMessage(recorded)
}

// terminate writes the terminal checkpoint and then settles the run status.
func (e *execution) terminate(ctx context.Context, payload Payload, iteration int) (*Run, error) {
	if err := e.flushHistory(ctx); err != nil {
		return e.run, err
	}
	checkpoint, err := e.ledger.Append(ctx, AppendRequest{
		RunID:     e.run.ID,
		Iteration: iteration,
		Payload:   payload,
	})
	if err != nil {
		return e.run, err
	}
	return e.finish(ctx, checkpoint)
}

// finish applies the run status implied by a terminal checkpoint.
func (e *execution) finish(ctx context.Context, terminal *Checkpoint) (*Run, error) {
	switch p := terminal.Data.(type) {
	case Complete:
		e.logger.Info("run completed", "iterations", p.Iterations)
		return settled(e.runs.MarkCompleted(ctx, e.run, p.Text, p.Iterations))
	case MaxIterations:
		if e.maxIterationsPolicy == MaxIterationsFail {
			cause := NewError(ErrorTypeMaxIterations,
				fmt.Sprintf("reached the limit of %d iterations", p.Iterations))
			return settled(e.runs.MarkFailed(ctx, e.run, cause))
		}
		return settled(e.runs.MarkCompleted(ctx, e.run, p.Text, p.Iterations))
	}
	return e.run, fmt.Errorf("checkpoint %s is not terminal", terminal.ID)
}

// abort handles an error that stopped an iteration. Model failures fail the
// run; everything else leaves the run resumable and is returned.
func (e *execution) abort(ctx context.Context, err error) (*Run, error) {
	var modelErr *modelError
	if errors.As(err, &modelErr) && ctx.Err() == nil {
		e.logger.Error("model completion failed", "error", modelErr.err)
		return settled(e.runs.MarkFailed(ctx, e.run, err))
	}
	if ctx.Err() != nil {
		return e.run, ctx.Err()
	}
	e.logger.Error("iteration aborted", "error", err)
	return e.run, err
}

func (e *execution) prepareHistory(ctx context.Context) error {
	if e.Loop.history != nil {
		e.conversationID = e.run.ConversationID()
		if e.conversationID == "" {
			e.conversationID = e.run.ID
			run, err := e.runs.MergeContext(ctx, e.run, map[string]any{
				ContextKeyConversationID: e.conversationID,
			})
			if err != nil {
				return err
			}
			e.run = run
		}
		prior, err := e.Loop.history.Load(ctx, e.conversationID)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		e.conversation = append(e.conversation, prior...)
	}
	// The iteration being re-entered contributes what it already recorded.
	transcript := Transcript(e.run, e.state.Checkpoints, e.state.ResumeIteration()+1)
	e.conversation = append(e.conversation, transcript...)
	e.pending = append(e.pending, transcript...)
	return nil
}

func (e *execution) addMessages(messages ...Message) {
	e.conversation = append(e.conversation, messages...)
	e.pending = append(e.pending, messages...)
}

func (e *execution) flushHistory(ctx context.Context) error {
	if e.Loop.history == nil || len(e.pending) == 0 {
		return nil
	}
	if err := e.Loop.history.Append(ctx, e.conversationID, e.pending...); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	e.pending = nil
	return nil
}

func (e *execution) lastThoughtText() string {
	var text string
	for _, c := range e.state.Checkpoints {
		if p, ok := c.Data.(Thought); ok {
			text = p.Text
		}
	}
	return text
}

// Transcript rebuilds the model history of a run from its checkpoints,
// covering iterations before the given one. Each iteration contributes its
// last thought followed by its tool results.
func Transcript(run *Run, checkpoints []*Checkpoint, before int) []Message {
	type iterationRecord struct {
		thought *Thought
		results []ToolResult
	}
	records := map[int]*iterationRecord{}
	var order []int
	for _, c := range checkpoints {
		if c.Iteration >= before || isTerminalType(c.Type) {
			continue
		}
		r, ok := records[c.Iteration]
		if !ok {
			r = &iterationRecord{}
			records[c.Iteration] = r
			order = append(order, c.Iteration)
		}
		switch p := c.Data.(type) {
		case Thought:
			r.thought = &p
		case ToolResult:
			r.results = append(r.results, p)
		}
	}

	messages := []Message{inputMessage(run.Input)}
	for _, iteration := range order {
		r := records[iteration]
		if r.thought == nil && len(r.results) == 0 {
			continue
		}
		assistant := Message{Role: RoleAssistant}
		if r.thought != nil {
			assistant.Content = r.thought.Text
		}
		for _, result := range r.results {
			assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{Name: result.Tool, Args: result.Args})
		}
		messages = append(messages, assistant)
		for _, result := range r.results {
			messages = append(messages, toolMessage(result))
		}
	}
	return messages
}

func inputMessage(input map[string]any) Message {
	for _, key := range []string{"message", "prompt", "input"} {
		if s, ok := input[key].(string); ok {
			return Message{Role: RoleUser, Content: s}
		}
	}
	data, _ := json.Marshal(input)
	return Message{Role: RoleUser, Content: string(data)}
}

func toolMessage(result ToolResult) Message {
	return Message{
		Role:   RoleTool,
		Tool:   result.Tool,
		Result: result.Result,
		Error:  result.Error,
	}
}

func describeToolMessage(msg Message) string {
	if msg.Error != "" {
		return fmt.Sprintf("%s failed: %s", msg.Tool, msg.Error)
	}
	data, err := json.Marshal(msg.Result)
	if err != nil {
		return fmt.Sprintf("%s: %v", msg.Tool, msg.Result)
	}
	return fmt.Sprintf("%s: %s", msg.Tool, data)
}
