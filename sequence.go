package durable

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

// DefaultSequenceRetries bounds how often an append recomputes its sequence
// after losing a race for the same slot.
const DefaultSequenceRetries = 25

// sequenceAllocator assigns per-run sequence numbers using compute-and-retry:
// it reads the highest sequence, proposes the next one and relies on the
// storage uniqueness constraint on (run_id, sequence) to reject a value that
// another appender claimed first. Different runs never contend.
type sequenceAllocator struct {
	storage CheckpointStorage
	retry   []retry.Option
}

func newSequenceAllocator(storage CheckpointStorage, opts []retry.Option) *sequenceAllocator {
	if len(opts) == 0 {
		opts = []retry.Option{
			retry.WithMaxRetries(DefaultSequenceRetries),
			retry.WithBaseWait(time.Millisecond),
			retry.WithMaxWait(50 * time.Millisecond),
		}
	}
	return &sequenceAllocator{storage: storage, retry: opts}
}

// errResultRecorded is returned by insert when a tool_result for the same
// idempotency key already exists. existing holds that checkpoint.
type errResultRecorded struct {
	existing *Checkpoint
}

func (e *errResultRecorded) Error() string {
	return "tool result for key " + e.existing.IdempotencyKey + " already recorded"
}

// insert writes checkpoint with the next free sequence for its run. On
// success checkpoint.Sequence holds the allocated value.
func (a *sequenceAllocator) insert(ctx context.Context, checkpoint *Checkpoint) error {
	return retry.Do(ctx, func() error {
		last, err := a.storage.LastSequence(ctx, checkpoint.RunID)
		if err != nil {
			return retry.NewNonRecoverableError(persistenceError("read last sequence", err))
		}
		checkpoint.Sequence = last + 1

		err = a.storage.InsertCheckpoint(ctx, checkpoint)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return retry.NewNonRecoverableError(persistenceError("insert checkpoint", err))
		}
		if checkpoint.Type == CheckpointToolResult {
			existing, findErr := a.storage.FindCheckpointByKey(ctx, checkpoint.IdempotencyKey, CheckpointToolResult)
			if findErr == nil {
				return retry.NewNonRecoverableError(&errResultRecorded{existing: existing})
			}
			if !errors.Is(findErr, ErrNotFound) {
				return retry.NewNonRecoverableError(persistenceError("find tool result", findErr))
			}
		}
		return retry.NewRecoverableError(err)
	}, a.retry...)
}
