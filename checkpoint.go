package durable

import (
	"time"

	"go.jetify.com/typeid"
)

// NewCheckpointID returns a new TypeID for checkpoint identification
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// CheckpointType tags the payload carried by a checkpoint
type CheckpointType string

const (
	CheckpointIterationStart CheckpointType = "iteration_start"
	CheckpointThought        CheckpointType = "thought"
	CheckpointToolCallStart  CheckpointType = "tool_call_start"
	CheckpointToolResult     CheckpointType = "tool_result"
	CheckpointObservation    CheckpointType = "observation"
	CheckpointComplete       CheckpointType = "complete"
	CheckpointMaxIterations  CheckpointType = "max_iterations"
)

// Valid reports whether t is a known checkpoint type.
func (t CheckpointType) Valid() bool {
	switch t {
	case CheckpointIterationStart, CheckpointThought, CheckpointToolCallStart,
		CheckpointToolResult, CheckpointObservation, CheckpointComplete, CheckpointMaxIterations:
		return true
	default:
		return false
	}
}

// RequiresIdempotencyKey reports whether checkpoints of this type must carry
// an idempotency key. No other type may carry one.
func (t CheckpointType) RequiresIdempotencyKey() bool {
	return t == CheckpointToolCallStart || t == CheckpointToolResult
}

// CheckpointStatus is the outcome recorded by a checkpoint. It is independent
// of the owning run's status.
type CheckpointStatus string

const (
	CheckpointStatusCompleted CheckpointStatus = "completed"
	CheckpointStatusFailed    CheckpointStatus = "failed"
)

// Checkpoint is one immutable, ordered record of an event within a run.
type Checkpoint struct {
	ID             string           `json:"id"`
	RunID          string           `json:"run_id"`
	Sequence       int64            `json:"sequence"`
	Type           CheckpointType   `json:"type"`
	Iteration      int              `json:"iteration"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Data           Payload          `json:"data"`
	Status         CheckpointStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Copy returns a copy of the checkpoint. Tool arguments and results inside
// the payload are copied too, so the copy never aliases the original.
func (c *Checkpoint) Copy() *Checkpoint {
	v := *c
	v.Data = copyPayload(c.Data)
	return &v
}

func copyPayload(p Payload) Payload {
	switch p := p.(type) {
	case ToolCallStart:
		p.Args = copyMapOrNil(p.Args)
		return p
	case *ToolCallStart:
		if p == nil {
			return p
		}
		v := *p
		v.Args = copyMapOrNil(p.Args)
		return &v
	case ToolResult:
		p.Args = copyMapOrNil(p.Args)
		p.Result = copyValue(p.Result)
		return p
	case *ToolResult:
		if p == nil {
			return p
		}
		v := *p
		v.Args = copyMapOrNil(p.Args)
		v.Result = copyValue(p.Result)
		return &v
	default:
		return p
	}
}
