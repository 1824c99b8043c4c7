package durable

import "context"

// NullAuditLog is a no-op implementation of AuditLog.
type NullAuditLog struct{}

func NewNullAuditLog() *NullAuditLog {
	return &NullAuditLog{}
}

func (l *NullAuditLog) Record(ctx context.Context, entry *AuditEntry) error {
	return nil
}

func (l *NullAuditLog) History(ctx context.Context, runID string) ([]*AuditEntry, error) {
	return nil, nil
}
