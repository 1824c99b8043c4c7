package durable

import (
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new TypeID for run identification
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the lifecycle status of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true for statuses with no outgoing transitions
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsRecoverable returns true if a run in this status may still be driven by
// an executor after a restart.
func (s RunStatus) IsRecoverable() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions lists the legal edges of the run lifecycle. Terminal
// statuses have no entry.
var allowedTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to RunStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContextKeyConversationID is the run context key holding the pointer to
// externally stored conversation history.
const ContextKeyConversationID = "conversation_id"

// Run is one durable execution of an agent task. This struct is a plain data
// record; lifecycle rules are enforced by RunStore.
type Run struct {
	ID                   string         `json:"id"`
	CallerIdempotencyKey string         `json:"caller_idempotency_key"`
	AgentKind            string         `json:"agent_kind"`
	LoopKind             string         `json:"loop_kind"`
	Status               RunStatus      `json:"status"`
	Input                map[string]any `json:"input"`
	Output               map[string]any `json:"output,omitempty"`
	Context              map[string]any `json:"context"`
	CurrentIteration     int            `json:"current_iteration"`
	TimeoutAt            *time.Time     `json:"timeout_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	CancelledAt          *time.Time     `json:"cancelled_at,omitempty"`
	Error                string         `json:"error,omitempty"`

	// Version is incremented by storage on every update and used as an
	// optimistic concurrency token.
	Version int64 `json:"version"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationID returns the conversation pointer stored in the run context.
func (r *Run) ConversationID() string {
	if r == nil || r.Context == nil {
		return ""
	}
	id, _ := r.Context[ContextKeyConversationID].(string)
	return id
}

// Copy returns a deep copy of the run.
func (r *Run) Copy() *Run {
	c := *r
	c.Input = copyMap(r.Input)
	c.Context = copyMap(r.Context)
	if r.Output != nil {
		c.Output = copyMap(r.Output)
	}
	c.TimeoutAt = copyTime(r.TimeoutAt)
	c.StartedAt = copyTime(r.StartedAt)
	c.CompletedAt = copyTime(r.CompletedAt)
	c.CancelledAt = copyTime(r.CancelledAt)
	c.LeaseExpiresAt = copyTime(r.LeaseExpiresAt)
	return &c
}

// Summary returns a listing view of the run.
func (r *Run) Summary() *RunSummary {
	s := &RunSummary{
		RunID:            r.ID,
		AgentKind:        r.AgentKind,
		Status:           r.Status,
		CurrentIteration: r.CurrentIteration,
		CreatedAt:        r.CreatedAt,
		Error:            r.Error,
	}
	if r.StartedAt != nil {
		s.StartedAt = *r.StartedAt
		end := r.UpdatedAt
		if r.CompletedAt != nil {
			end = *r.CompletedAt
		} else if r.CancelledAt != nil {
			end = *r.CancelledAt
		}
		s.Duration = end.Sub(*r.StartedAt)
	}
	return s
}

// copyMap creates a shallow copy of a map
// copyMap creates a deep copy of a map. Nested maps and slices of the shapes
// produced by JSON decoding are copied; other values are shared.
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = copyValue(v)
	}
	return copy
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		return copyMap(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	case []map[string]any:
		if v == nil {
			return v
		}
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = copyMap(item)
		}
		return out
	case []string:
		if v == nil {
			return v
		}
		return append([]string(nil), v...)
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
