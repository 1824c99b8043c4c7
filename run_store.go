package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// RunStoreOptions configures a RunStore
type RunStoreOptions struct {
	Storage   RunStorage
	Callbacks Callbacks
	Logger    *slog.Logger

	// Now is the clock used for timestamps and timeout checks.
	Now func() time.Time

	// Retry controls how version conflicts on concurrent updates are retried.
	Retry []retry.Option
}

// RunStore owns the run lifecycle. Every transition is checked against the
// allowed status graph and written with an optimistic version check, so
// concurrent callers cannot both win the same transition.
type RunStore struct {
	storage   RunStorage
	callbacks Callbacks
	logger    *slog.Logger
	now       func() time.Time
	retry     []retry.Option
}

// NewRunStore creates a RunStore over the given storage.
func NewRunStore(opts RunStoreOptions) (*RunStore, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
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
	if len(opts.Retry) == 0 {
		opts.Retry = []retry.Option{
			retry.WithMaxRetries(5),
			retry.WithBaseWait(5 * time.Millisecond),
			retry.WithMaxWait(100 * time.Millisecond),
		}
	}
	return &RunStore{
		storage:   opts.Storage,
		callbacks: opts.Callbacks,
		logger:    opts.Logger.With("component", "run_store"),
		now:       opts.Now,
		retry:     opts.Retry,
	}, nil
}

// StartRequest describes a run to start.
type StartRequest struct {
	CallerIdempotencyKey string
	AgentKind            string
	LoopKind             string
	Input                map[string]any

	// Timeout sets the run deadline relative to creation. Zero means none.
	Timeout time.Duration
}

func (r StartRequest) validate() error {
	if r.CallerIdempotencyKey == "" {
		return validationError("caller idempotency key is required")
	}
	if r.AgentKind == "" {
		return validationError("agent kind is required")
	}
	if r.LoopKind == "" {
		return validationError("loop kind is required")
	}
	if r.Timeout < 0 {
		return validationError("timeout must not be negative")
	}
	if _, err := json.Marshal(r.Input); err != nil {
		return validationError("input is not serializable: %v", err)
	}
	return nil
}

// Start creates a pending run, or returns the existing run unchanged when
// one already exists for the caller idempotency key. Concurrent callers
// with the same key are resolved by the storage uniqueness constraint.
func (s *RunStore) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	existing, err := s.storage.GetRunByCallerKey(ctx, req.CallerIdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, persistenceError("look up run by caller key", err)
	}

	now := s.now().UTC()
	run := &Run{
		ID:                   NewRunID(),
		CallerIdempotencyKey: req.CallerIdempotencyKey,
		AgentKind:            req.AgentKind,
		LoopKind:             req.LoopKind,
		Status:               RunStatusPending,
		Input:                copyMap(req.Input),
		Context:              map[string]any{},
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.Timeout > 0 {
		deadline := now.Add(req.Timeout)
		run.TimeoutAt = &deadline
	}

	if err := s.storage.CreateRun(ctx, run); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, persistenceError("create run", err)
		}
		// Another caller won the race. The winner's row may not be visible
		// yet on every backend, so the read is retried briefly.
		var winner *Run
		err := retry.Do(ctx, func() error {
			r, err := s.storage.GetRunByCallerKey(ctx, req.CallerIdempotencyKey)
			if errors.Is(err, ErrNotFound) {
				return retry.NewRecoverableError(err)
			}
			if err != nil {
				return retry.NewNonRecoverableError(err)
			}
			winner = r
			return nil
		}, s.retry...)
		if err != nil {
			return nil, persistenceError("read run after start conflict", err)
		}
		return winner, nil
	}

	s.logger.Info("run started",
		"run_id", run.ID,
		"agent_kind", run.AgentKind,
		"loop_kind", run.LoopKind)
	return run.Copy(), nil
}

// Get loads a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	run, err := s.storage.GetRun(ctx, id)
	if err != nil {
		return nil, persistenceError("get run", err)
	}
	return run, nil
}

// GetByCallerKey loads a run by its caller idempotency key.
func (s *RunStore) GetByCallerKey(ctx context.Context, key string) (*Run, error) {
	run, err := s.storage.GetRunByCallerKey(ctx, key)
	if err != nil {
		return nil, persistenceError("get run by caller key", err)
	}
	return run, nil
}

// List returns runs matching the filter, oldest first.
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	runs, err := s.storage.ListRuns(ctx, filter)
	if err != nil {
		return nil, persistenceError("list runs", err)
	}
	return runs, nil
}

// MarkRunning moves a pending run to running.
func (s *RunStore) MarkRunning(ctx context.Context, run *Run) (*Run, error) {
	return s.transition(ctx, run, RunStatusRunning, func(r *Run, now time.Time) {
		r.StartedAt = &now
	})
}

// MarkCompleted moves a running run to completed and records its output.
func (s *RunStore) MarkCompleted(ctx context.Context, run *Run, outputText string, iterations int) (*Run, error) {
	if iterations < 0 {
		return nil, validationError("iterations must not be negative")
	}
	return s.transition(ctx, run, RunStatusCompleted, func(r *Run, now time.Time) {
		r.Output = map[string]any{"text": outputText, "iterations": iterations}
		r.CompletedAt = &now
		r.CurrentIteration = max(r.CurrentIteration, iterations)
	})
}

// MarkFailed moves a pending or running run to failed.
func (s *RunStore) MarkFailed(ctx context.Context, run *Run, cause error) (*Run, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	return s.transition(ctx, run, RunStatusFailed, func(r *Run, now time.Time) {
		r.Error = message
		r.CompletedAt = &now
	})
}

// Cancel moves a pending or running run to cancelled. Cancelling a run that
// is already cancelled returns it unchanged.
func (s *RunStore) Cancel(ctx context.Context, run *Run) (*Run, error) {
	return s.transition(ctx, run, RunStatusCancelled, func(r *Run, now time.Time) {
		r.CancelledAt = &now
	})
}

// IsCancelled reads the stored status of the run.
func (s *RunStore) IsCancelled(ctx context.Context, run *Run) (bool, error) {
	stored, err := s.Get(ctx, run.ID)
	if err != nil {
		return false, err
	}
	return stored.Status == RunStatusCancelled, nil
}

// IsTimedOut reports whether the run has a deadline and the clock is past
// it. It is evaluated on every call.
func (s *RunStore) IsTimedOut(run *Run) bool {
	return run.TimeoutAt != nil && s.now().After(*run.TimeoutAt)
}

// MergeContext shallow-merges partial into the run context. Keys absent from
// partial are preserved.
func (s *RunStore) MergeContext(ctx context.Context, run *Run, partial map[string]any) (*Run, error) {
	if len(partial) == 0 {
		return run, nil
	}
	if _, err := json.Marshal(partial); err != nil {
		return nil, validationError("context is not serializable: %v", err)
	}
	return s.update(ctx, run, func(r *Run) error {
		if r.Context == nil {
			r.Context = map[string]any{}
		}
		for k, v := range partial {
			r.Context[k] = v
		}
		return nil
	})
}

// RecordIteration advances the run's current iteration. Moving backwards is
// rejected.
func (s *RunStore) RecordIteration(ctx context.Context, run *Run, iteration int) (*Run, error) {
	return s.update(ctx, run, func(r *Run) error {
		if r.Status.IsTerminal() {
			return &TransitionError{Run: r.Copy(), From: r.Status, To: r.Status}
		}
		if iteration < r.CurrentIteration {
			return validationError("iteration %d is behind current iteration %d", iteration, r.CurrentIteration)
		}
		if iteration == r.CurrentIteration {
			return errUnchanged
		}
		r.CurrentIteration = iteration
		return nil
	})
}

func (s *RunStore) transition(ctx context.Context, run *Run, to RunStatus, apply func(r *Run, now time.Time)) (*Run, error) {
	var from RunStatus
	var at time.Time
	updated, err := s.update(ctx, run, func(r *Run) error {
		if r.Status == to && to == RunStatusCancelled {
			return errUnchanged
		}
		if !CanTransition(r.Status, to) {
			return &TransitionError{Run: r.Copy(), From: r.Status, To: to}
		}
		from = r.Status
		at = s.now().UTC()
		r.Status = to
		apply(r, at)
		return nil
	})
	if err != nil {
		return updated, err
	}
	if from == "" {
		return updated, nil
	}

	s.logger.Info("run transitioned",
		"run_id", updated.ID,
		"from", from,
		"to", to,
		"version", updated.Version)
	s.callbacks.OnRunTransition(ctx, &RunTransitionEvent{
		RunID:     updated.ID,
		AgentKind: updated.AgentKind,
		From:      from,
		To:        to,
		Run:       updated.Copy(),
		Time:      at,
	})
	return updated, nil
}

// errUnchanged tells update that mutate found nothing to write.
var errUnchanged = errors.New("unchanged")

// update applies mutate to the latest known state of run and writes the
// result. On a version conflict, or when mutate rejects a transition based
// on a possibly stale copy, the run is reloaded and mutate is applied again.
// A rejected transition returns the stored run with the error.
func (s *RunStore) update(ctx context.Context, run *Run, mutate func(r *Run) error) (*Run, error) {
	if run == nil {
		return nil, validationError("run is required")
	}
	current := run.Copy()
	fresh := false
	var result *Run

	err := retry.Do(ctx, func() error {
		next := current.Copy()
		if err := mutate(next); err != nil {
			if errors.Is(err, errUnchanged) {
				result = current
				return nil
			}
			var transitionErr *TransitionError
			if errors.As(err, &transitionErr) && !fresh {
				if err := s.reload(ctx, &current); err != nil {
					return retry.NewNonRecoverableError(err)
				}
				fresh = true
				return retry.NewRecoverableError(err)
			}
			return retry.NewNonRecoverableError(err)
		}

		next.UpdatedAt = s.now().UTC()
		updated, err := s.storage.UpdateRun(ctx, next)
		if err == nil {
			result = updated
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return retry.NewNonRecoverableError(persistenceError("update run", err))
		}
		if err := s.reload(ctx, &current); err != nil {
			return retry.NewNonRecoverableError(err)
		}
		fresh = true
		return retry.NewRecoverableError(err)
	}, s.retry...)

	if err != nil {
		var transitionErr *TransitionError
		if errors.As(err, &transitionErr) {
			return transitionErr.Run, err
		}
		return nil, err
	}
	return result, nil
}

func (s *RunStore) reload(ctx context.Context, current **Run) error {
	stored, err := s.storage.GetRun(ctx, (*current).ID)
	if err != nil {
		return persistenceError("reload run", err)
	}
	*current = stored
	return nil
}
