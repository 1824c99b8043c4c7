// Package redislease implements durable.Leaser on Redis. A lease is a key
// holding the owner name with a TTL, so an abandoned lease expires on its own.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/durable"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "durable:lease:"

// Confirm the interfaces are implemented correctly.
var _ durable.Leaser = (*Leaser)(nil)

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return ''
end
return current
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options configures a Leaser.
type Options struct {
	Client redis.UniversalClient

	// Prefix is prepended to the run ID to form the key. Defaults to
	// DefaultPrefix.
	Prefix string

	// Runs, if set, is consulted so that leasing an unknown run fails with
	// a not-found error.
	Runs durable.RunStorage

	Logger *slog.Logger
	Now    func() time.Time
}

// Leaser grants run leases stored in Redis.
type Leaser struct {
	client redis.UniversalClient
	prefix string
	runs   durable.RunStorage
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Leaser using the given client.
func New(opts Options) (*Leaser, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Leaser{
		client: opts.Client,
		prefix: opts.Prefix,
		runs:   opts.Runs,
		logger: opts.Logger.With("component", "redislease"),
		now:    opts.Now,
	}, nil
}

func (l *Leaser) key(runID string) string {
	return l.prefix + runID
}

func (l *Leaser) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (*durable.Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	if l.runs != nil {
		if _, err := l.runs.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	now := l.now()
	holder, err := acquireScript.Run(ctx, l.client, []string{l.key(runID)}, owner, ttl.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if holder != "" {
		return nil, durable.LeaseHeldError(runID, holder)
	}
	l.logger.Debug("lease acquired", "run_id", runID, "owner", owner, "ttl", ttl)
	return &durable.Lease{RunID: runID, Owner: owner, ExpiresAt: now.Add(ttl)}, nil
}

func (l *Leaser) RenewLease(ctx context.Context, lease *durable.Lease, ttl time.Duration) (*durable.Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	now := l.now()
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key(lease.RunID)}, lease.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}
	if renewed == 0 {
		holder, err := l.client.Get(ctx, l.key(lease.RunID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read lease holder: %w", err)
		}
		return nil, durable.LeaseHeldError(lease.RunID, holder)
	}
	return &durable.Lease{RunID: lease.RunID, Owner: lease.Owner, ExpiresAt: now.Add(ttl)}, nil
}

func (l *Leaser) ReleaseLease(ctx context.Context, lease *durable.Lease) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(lease.RunID)}, lease.Owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return durable.NewError(durable.ErrorTypeValidation, "lease ttl must be at least 1ms")
	}
	return nil
}
