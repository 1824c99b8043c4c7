// Package worker drives recoverable runs to completion. A worker claims each
// run with a lease before executing it, keeps the lease alive while the loop
// runs and stops the run if the lease is lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deepnoodle-ai/durable"
)

const (
	DefaultConcurrency  = 4
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = time.Second
)

// ErrLeaseLost is the cancellation cause of a run whose lease could not be
// renewed.
var ErrLeaseLost = errors.New("lease lost")

// Runner executes a run from its durable state. *durable.Loop implements it.
type Runner interface {
	Run(ctx context.Context, runID string) (*durable.Run, error)
}

// Confirm the interfaces are implemented correctly.
var _ Runner = (*durable.Loop)(nil)

// Options configures a Worker.
type Options struct {
	// Runs lists candidate runs. Required.
	Runs durable.RunStorage

	// Leaser grants execution leases. Required; a durable.Storage can be
	// passed for both Runs and Leaser.
	Leaser durable.Leaser

	// Runner executes leased runs. Required.
	Runner Runner

	// Owner identifies this worker in leases. Defaults to a random name.
	Owner string

	// AgentKind restricts polling to one agent kind.
	AgentKind string

	Concurrency   int
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	PollInterval  time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Worker polls for pending and running runs and executes them.
type Worker struct {
	runs          durable.RunStorage
	leaser        durable.Leaser
	runner        Runner
	owner         string
	agentKind     string
	concurrency   int
	leaseTTL      time.Duration
	renewInterval time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New returns a Worker configured by opts.
func New(opts Options) (*Worker, error) {
	if opts.Runs == nil {
		return nil, fmt.Errorf("runs is required")
	}
	if opts.Leaser == nil {
		return nil, fmt.Errorf("leaser is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Owner == "" {
		opts.Owner = "worker-" + uuid.NewString()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = opts.LeaseTTL / 3
	}
	if opts.RenewInterval >= opts.LeaseTTL {
		return nil, fmt.Errorf("renew interval %s must be shorter than lease ttl %s",
			opts.RenewInterval, opts.LeaseTTL)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		runs:          opts.Runs,
		leaser:        opts.Leaser,
		runner:        opts.Runner,
		owner:         opts.Owner,
		agentKind:     opts.AgentKind,
		concurrency:   opts.Concurrency,
		leaseTTL:      opts.LeaseTTL,
		renewInterval: opts.RenewInterval,
		pollInterval:  opts.PollInterval,
		logger:        opts.Logger.With("component", "worker", "owner", opts.Owner),
		now:           opts.Now,
	}, nil
}

// Owner returns the name this worker leases runs under.
func (w *Worker) Owner() string {
	return w.owner
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"concurrency", w.concurrency,
		"lease_ttl", w.leaseTTL,
		"poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes the recoverable runs visible now, at most Concurrency at
// a time, and returns how many were executed. Runs leased by other workers
// are skipped.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	candidates, err := w.runs.ListRuns(ctx, durable.RunFilter{
		Statuses:  []durable.RunStatus{durable.RunStatusPending, durable.RunStatusRunning},
		AgentKind: w.agentKind,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list runs: %w", err)
	}

	now := w.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	var executed atomic.Int64

	for _, run := range candidates {
		if w.leasedElsewhere(run, now) {
			continue
		}
		runID := run.ID
		group.Go(func() error {
			_, err := w.Execute(groupCtx, runID)
			switch {
			case err == nil:
				executed.Add(1)
			case errors.Is(err, durable.ErrLeaseHeld):
				w.logger.Debug("run claimed by another worker", "run_id", runID)
			case groupCtx.Err() != nil:
				// shutting down
			default:
				w.logger.Error("run execution failed", "run_id", runID, "error", err)
			}
			return nil
		})
	}
	err = group.Wait()
	return int(executed.Load()), err
}

func (w *Worker) leasedElsewhere(run *durable.Run, now time.Time) bool {
	return run.LeaseOwner != "" && run.LeaseOwner != w.owner &&
		run.LeaseExpiresAt != nil && now.Before(*run.LeaseExpiresAt)
}

// Execute leases and runs a single run. The lease is renewed in the
// background; if renewal fails the run's context is cancelled with
// ErrLeaseLost and the run is left for another worker.
func (w *Worker) Execute(ctx context.Context, runID string) (*durable.Run, error) {
	lease, err := w.leaser.AcquireLease(ctx, runID, w.owner, w.leaseTTL)
	if err != nil {
		return nil, err
	}
	logger := w.logger.With("run_id", runID)
	logger.Debug("lease acquired", "expires_at", lease.ExpiresAt)

	runCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan *durable.Lease, 1)
	go func() {
		renewed <- w.keepAlive(runCtx, cancel, lease, logger)
	}()

	run, runErr := w.runner.Run(runCtx, runID)
	lost := errors.Is(context.Cause(runCtx), ErrLeaseLost)
	cancel(nil)
	lease = <-renewed

	if !lost {
		if err := w.leaser.ReleaseLease(context.WithoutCancel(ctx), lease); err != nil {
			logger.Warn("failed to release lease", "error", err)
		}
	}
	if lost && runErr != nil {
		return run, fmt.Errorf("run %s stopped: %w", runID, ErrLeaseLost)
	}
	if runErr != nil {
		return run, runErr
	}
	if run != nil {
		logger.Info("run executed", "status", run.Status, "iterations", run.CurrentIteration)
	}
	return run, nil
}

// keepAlive renews lease until ctx ends and returns the latest lease. A
// lease that can no longer be renewed cancels ctx with ErrLeaseLost.
func (w *Worker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lease *durable.Lease, logger *slog.Logger) *durable.Lease {
	ticker := time.NewTicker(w.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return lease
		case <-ticker.C:
		}
		next, err := w.leaser.RenewLease(ctx, lease, w.leaseTTL)
		if err == nil {
			lease = next
			continue
		}
		if ctx.Err() != nil {
			return lease
		}
		if errors.Is(err, durable.ErrLeaseHeld) || !w.now().Before(lease.ExpiresAt) {
			logger.Warn("lease lost, stopping run", "error", err)
			cancel(ErrLeaseLost)
			return lease
		}
		logger.Warn("lease renewal failed, retrying", "error", err)
	}
}
