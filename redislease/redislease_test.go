package redislease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
)

func setupLeaser(t *testing.T, runs durable.RunStorage) (*miniredis.Miniredis, *Leaser) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	leaser, err := New(Options{Client: client, Runs: runs})
	require.NoError(t, err)
	return mr, leaser
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestAcquireRenewRelease(t *testing.T) {
	mr, leaser := setupLeaser(t, nil)
	ctx := context.Background()
	ttl := 10 * time.Second

	lease, err := leaser.AcquireLease(ctx, "run_1", "worker-a", ttl)
	require.NoError(t, err)
	require.Equal(t, "worker-a", lease.Owner)

	value, err := mr.Get(DefaultPrefix + "run_1")
	require.NoError(t, err)
	require.Equal(t, "worker-a", value)

	_, err = leaser.AcquireLease(ctx, "run_1", "worker-b", ttl)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)
	require.ErrorContains(t, err, "worker-a")

	// Re-acquiring by the same owner refreshes the lease.
	_, err = leaser.AcquireLease(ctx, "run_1", "worker-a", ttl)
	require.NoError(t, err)

	mr.FastForward(5 * time.Second)
	_, err = leaser.RenewLease(ctx, lease, ttl)
	require.NoError(t, err)
	require.Equal(t, ttl, mr.TTL(DefaultPrefix+"run_1"))

	require.NoError(t, leaser.ReleaseLease(ctx, lease))
	require.False(t, mr.Exists(DefaultPrefix+"run_1"))

	_, err = leaser.AcquireLease(ctx, "run_1", "worker-b", ttl)
	require.NoError(t, err)
}

func TestExpiredLeaseCanBeTaken(t *testing.T) {
	mr, leaser := setupLeaser(t, nil)
	ctx := context.Background()

	lease, err := leaser.AcquireLease(ctx, "run_1", "worker-a", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	taken, err := leaser.AcquireLease(ctx, "run_1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "worker-b", taken.Owner)

	_, err = leaser.RenewLease(ctx, lease, time.Minute)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)
	require.ErrorContains(t, err, "worker-b")

	// A stale owner cannot release someone else's lease.
	require.NoError(t, leaser.ReleaseLease(ctx, lease))
	require.True(t, mr.Exists(DefaultPrefix+"run_1"))
}

func TestAcquireChecksRunExists(t *testing.T) {
	storage := durable.NewMemoryStorage()
	_, leaser := setupLeaser(t, storage)

	_, err := leaser.AcquireLease(context.Background(), "run_missing", "worker-a", time.Minute)
	require.ErrorIs(t, err, durable.ErrNotFound)
}

func TestInvalidTTL(t *testing.T) {
	_, leaser := setupLeaser(t, nil)
	_, err := leaser.AcquireLease(context.Background(), "run_1", "worker-a", 0)
	require.ErrorIs(t, err, durable.ErrValidation)
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	leaser, err := New(Options{Client: client})
	require.NoError(t, err)
	mr.Close()

	_, err = leaser.AcquireLease(context.Background(), "run_1", "worker-a", time.Minute)
	require.Error(t, err)
	require.NotErrorIs(t, err, durable.ErrLeaseHeld)
}
