package durable

import "context"

// RunFilter selects runs for listing. Zero values match everything.
type RunFilter struct {
	Statuses  []RunStatus
	AgentKind string
	Limit     int
}

// Matches reports whether run passes the filter.
func (f RunFilter) Matches(run *Run) bool {
	if f.AgentKind != "" && run.AgentKind != f.AgentKind {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// RunStorage persists run records. Implementations enforce uniqueness of the
// caller idempotency key and optimistic versioning; lifecycle rules live in
// RunStore.
type RunStorage interface {
	// CreateRun inserts a new run. It returns a conflict error when a run
	// with the same caller idempotency key already exists.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun loads a run by ID, or returns a not-found error.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByCallerKey loads a run by its caller idempotency key, or returns
	// a not-found error.
	GetRunByCallerKey(ctx context.Context, key string) (*Run, error)

	// UpdateRun writes the mutable fields of run if the stored version equals
	// run.Version and returns the stored result with the version
	// incremented. A version mismatch returns a conflict error.
	UpdateRun(ctx context.Context, run *Run) (*Run, error)

	// ListRuns returns runs matching the filter, oldest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// CheckpointStorage persists checkpoint records. Implementations never
// update or delete a checkpoint once inserted.
type CheckpointStorage interface {
	// LastSequence returns the highest sequence written for the run, or 0.
	LastSequence(ctx context.Context, runID string) (int64, error)

	// InsertCheckpoint writes a checkpoint. It returns a conflict error when
	// the (run, sequence) pair is taken or when a tool_result with the same
	// idempotency key already exists, and a not-found error when the run
	// does not exist.
	InsertCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// ListCheckpoints returns the run's checkpoints by ascending sequence.
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// FindCheckpointByKey returns the earliest checkpoint of the given type
	// carrying the idempotency key, or a not-found error.
	FindCheckpointByKey(ctx context.Context, key string, checkpointType CheckpointType) (*Checkpoint, error)
}

// Storage is a complete durable backend.
type Storage interface {
	RunStorage
	CheckpointStorage
	Leaser

	// Close releases resources held by the storage.
	Close() error
}
