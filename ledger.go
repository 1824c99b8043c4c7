package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// LedgerOptions configures a Ledger
type LedgerOptions struct {
	Storage   CheckpointStorage
	AuditLog  AuditLog
	Callbacks Callbacks
	Logger    *slog.Logger
	Now       func() time.Time

	// SequenceRetry overrides the retry policy used when concurrent appends
	// to the same run collide on a sequence number.
	SequenceRetry []retry.Option
}

// Ledger is the append-only checkpoint log. It holds no per-run state; all
// state lives in storage.
type Ledger struct {
	storage   CheckpointStorage
	sequences *sequenceAllocator
	auditLog  AuditLog
	callbacks Callbacks
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedger creates a Ledger over the given storage.
func NewLedger(opts LedgerOptions) (*Ledger, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if opts.AuditLog == nil {
		opts.AuditLog = NewNullAuditLog()
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
	return &Ledger{
		storage:   opts.Storage,
		sequences: newSequenceAllocator(opts.Storage, opts.SequenceRetry),
		auditLog:  opts.AuditLog,
		callbacks: opts.Callbacks,
		logger:    opts.Logger.With("component", "ledger"),
		now:       opts.Now,
	}, nil
}

// AppendRequest describes a checkpoint to write.
type AppendRequest struct {
	RunID string

	// Iteration defaults to the iteration carried by the payload.
	Iteration int

	Payload Payload

	// IdempotencyKey is derived from the payload for tool checkpoints when
	// empty. It must not be set for other types.
	IdempotencyKey string

	// Status defaults to failed for a tool result carrying an error and to
	// completed otherwise.
	Status CheckpointStatus
}

// Append validates and durably writes a checkpoint, allocating the next
// sequence number for the run. When a tool_result for the same idempotency
// key already exists, the existing checkpoint is returned together with an
// ErrConflict error.
//
// Concurrent appends to one run race for the next sequence and the loser
// recomputes it. When a write is still colliding after the SequenceRetry
// limit (DefaultSequenceRetries by default), Append gives up and returns an
// ErrConflict error with no checkpoint written. Callers under heavy
// contention on a single run may retry it.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Checkpoint, error) {
	checkpoint, err := l.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := l.sequences.insert(ctx, checkpoint); err != nil {
		var recorded *errResultRecorded
		if errors.As(err, &recorded) {
			return recorded.existing, &Error{
				Type:    ErrorTypeConflict,
				Cause:   recorded.Error(),
				Details: map[string]any{"checkpoint_id": recorded.existing.ID},
				Wrapped: err,
			}
		}
		return nil, err
	}

	l.logger.Debug("checkpoint appended",
		"run_id", checkpoint.RunID,
		"sequence", checkpoint.Sequence,
		"type", checkpoint.Type,
		"iteration", checkpoint.Iteration)

	if entry, err := NewAuditEntry(checkpoint); err == nil {
		if err := l.auditLog.Record(ctx, entry); err != nil {
			l.logger.Warn("failed to record audit entry",
				"run_id", checkpoint.RunID, "sequence", checkpoint.Sequence, "error", err)
		}
	}
	l.callbacks.OnCheckpointAppended(ctx, &CheckpointEvent{
		RunID:      checkpoint.RunID,
		Checkpoint: checkpoint.Copy(),
	})
	return checkpoint, nil
}

func (l *Ledger) prepare(req AppendRequest) (*Checkpoint, error) {
	if req.RunID == "" {
		return nil, validationError("run id is required")
	}
	if req.Payload == nil {
		return nil, validationError("payload is required")
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	checkpointType := req.Payload.CheckpointType()

	iteration := req.Iteration
	payloadIter := payloadIteration(req.Payload)
	switch {
	case iteration == 0:
		iteration = payloadIter
	case iteration < 0:
		return nil, validationError("iteration must not be negative, got %d", iteration)
	case !isTerminalType(checkpointType) && iteration != payloadIter:
		return nil, validationError("%s payload iteration %d does not match checkpoint iteration %d",
			checkpointType, payloadIter, iteration)
	}

	key, err := checkpointKey(req.RunID, iteration, req.Payload, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	status, err := checkpointStatus(req.Payload, req.Status)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		ID:             NewCheckpointID(),
		RunID:          req.RunID,
		Type:           checkpointType,
		Iteration:      iteration,
		IdempotencyKey: key,
		Data:           req.Payload,
		Status:         status,
		CreatedAt:      l.now().UTC(),
	}, nil
}

func isTerminalType(t CheckpointType) bool {
	return t == CheckpointComplete || t == CheckpointMaxIterations
}

func checkpointKey(runID string, iteration int, p Payload, given string) (string, error) {
	var (
		tool string
		args map[string]any
	)
	switch v := p.(type) {
	case ToolCallStart:
		tool, args = v.Tool, v.Args
	case ToolResult:
		tool, args = v.Tool, v.Args
	default:
		if given != "" {
			return "", validationError("%s checkpoints do not carry an idempotency key", p.CheckpointType())
		}
		return "", nil
	}
	expected, err := ToolCallKey(runID, iteration, tool, args)
	if err != nil {
		return "", err
	}
	if given != "" && given != expected {
		return "", validationError("idempotency key %q does not match %s call (expected %q)", given, tool, expected)
	}
	return expected, nil
}

func checkpointStatus(p Payload, given CheckpointStatus) (CheckpointStatus, error) {
	result, isResult := p.(ToolResult)
	switch given {
	case "":
		if isResult && result.Error != "" {
			return CheckpointStatusFailed, nil
		}
		return CheckpointStatusCompleted, nil
	case CheckpointStatusCompleted:
		if isResult && result.Error != "" {
			return "", validationError("tool result with an error must have status failed")
		}
		return given, nil
	case CheckpointStatusFailed:
		if !isResult {
			return "", validationError("only tool results may have status failed")
		}
		return given, nil
	}
	return "", validationError("unknown checkpoint status %q", given)
}

// FindByIdempotencyKey returns the recorded tool_result for key, or an
// ErrNotFound error. A hit means the tool call must not be invoked again.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (*Checkpoint, error) {
	checkpoint, err := l.storage.FindCheckpointByKey(ctx, key, CheckpointToolResult)
	if err != nil {
		return nil, persistenceError("find tool result", err)
	}
	return checkpoint, nil
}

// FindToolCallStart returns the first tool_call_start written for key, or
// an ErrNotFound error.
func (l *Ledger) FindToolCallStart(ctx context.Context, key string) (*Checkpoint, error) {
	checkpoint, err := l.storage.FindCheckpointByKey(ctx, key, CheckpointToolCallStart)
	if err != nil {
		return nil, persistenceError("find tool call start", err)
	}
	return checkpoint, nil
}

// ListForRun returns every checkpoint of the run ordered by sequence.
func (l *Ledger) ListForRun(ctx context.Context, runID string) ([]*Checkpoint, error) {
	checkpoints, err := l.storage.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, persistenceError("list checkpoints", err)
	}
	return checkpoints, nil
}
