package durable

import (
	"context"
	"encoding/json"
	"time"
)

// AuditEntry is a copy of one appended checkpoint, kept outside the primary
// store for debugging and offline inspection.
type AuditEntry struct {
	CheckpointID   string           `json:"checkpoint_id"`
	RunID          string           `json:"run_id"`
	Sequence       int64            `json:"sequence"`
	Type           CheckpointType   `json:"type"`
	Iteration      int              `json:"iteration"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Status         CheckpointStatus `json:"status"`
	Data           json.RawMessage  `json:"data"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AuditLog records appended checkpoints
type AuditLog interface {
	// Record writes an entry for an appended checkpoint
	Record(ctx context.Context, entry *AuditEntry) error

	// History returns the entries recorded for a run, in write order
	History(ctx context.Context, runID string) ([]*AuditEntry, error)
}

// NewAuditEntry builds the audit entry for a checkpoint.
func NewAuditEntry(c *Checkpoint) (*AuditEntry, error) {
	data, err := EncodePayload(c.Data)
	if err != nil {
		return nil, err
	}
	return &AuditEntry{
		CheckpointID:   c.ID,
		RunID:          c.RunID,
		Sequence:       c.Sequence,
		Type:           c.Type,
		Iteration:      c.Iteration,
		IdempotencyKey: c.IdempotencyKey,
		Status:         c.Status,
		Data:           data,
		CreatedAt:      c.CreatedAt,
	}, nil
}
