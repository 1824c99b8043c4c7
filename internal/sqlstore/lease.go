package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// Leases live on the runs row. Lease updates leave version and updated_at
// alone so that renewals never conflict with lifecycle writes.

func (s *Store) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (*durable.Lease, error) {
	now := s.now()
	expires := now.Add(ttl)
	result, err := s.exec(ctx, `UPDATE runs SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		owner, expires.UnixMicro(), runID, owner, now.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if err := s.checkLeaseUpdate(ctx, result, runID); err != nil {
		return nil, err
	}
	s.logger.Debug("lease acquired", "run_id", runID, "owner", owner, "expires_at", expires)
	return &durable.Lease{RunID: runID, Owner: owner, ExpiresAt: time.UnixMicro(expires.UnixMicro()).UTC()}, nil
}

func (s *Store) RenewLease(ctx context.Context, lease *durable.Lease, ttl time.Duration) (*durable.Lease, error) {
	now := s.now()
	expires := now.Add(ttl)
	result, err := s.exec(ctx, `UPDATE runs SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_expires_at > ?`,
		expires.UnixMicro(), lease.RunID, lease.Owner, now.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}
	if err := s.checkLeaseUpdate(ctx, result, lease.RunID); err != nil {
		return nil, err
	}
	return &durable.Lease{RunID: lease.RunID, Owner: lease.Owner, ExpiresAt: time.UnixMicro(expires.UnixMicro()).UTC()}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, lease *durable.Lease) error {
	_, err := s.exec(ctx, `UPDATE runs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`, lease.RunID, lease.Owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// checkLeaseUpdate turns a conditional lease update that matched no row into
// a not-found or lease-held error.
func (s *Store) checkLeaseUpdate(ctx context.Context, result rowsAffecter, runID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read lease update result: %w", err)
	}
	if n > 0 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return durable.LeaseHeldError(runID, run.LeaseOwner)
}
