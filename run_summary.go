package durable

import "time"

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID            string        `json:"run_id"`
	AgentKind        string        `json:"agent_kind"`
	Status           RunStatus     `json:"status"`
	CurrentIteration int           `json:"current_iteration"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        time.Time     `json:"started_at,omitzero"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}
