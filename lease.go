package durable

import (
	"context"
	"time"
)

// Lease grants one executor the right to drive a run until ExpiresAt.
type Lease struct {
	RunID     string    `json:"run_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Leaser provides cross-process mutual exclusion for run execution.
type Leaser interface {
	// AcquireLease claims the run for owner. It succeeds if the run is
	// unclaimed, already held by owner, or held by a lease that has expired.
	// Otherwise it returns an ErrLeaseHeld error.
	AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (*Lease, error)

	// RenewLease extends a lease still held by its owner. It returns an
	// ErrLeaseHeld error if the lease was lost.
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// ReleaseLease gives up a lease. Releasing a lease no longer held is not
	// an error.
	ReleaseLease(ctx context.Context, lease *Lease) error
}

// LeaseHeldError reports that a run is claimed by another owner.
func LeaseHeldError(runID, owner string) *Error {
	return &Error{
		Type:    ErrorTypeLeaseHeld,
		Cause:   "run " + runID + " is leased by " + owner,
		Details: map[string]any{"run_id": runID, "owner": owner},
	}
}
