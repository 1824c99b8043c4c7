package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/internal/storagetest"
	"github.com/deepnoodle-ai/durable/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("durable"),
		tcpostgres.WithUsername("durable"),
		tcpostgres.WithPassword("durable"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresConformance(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, postgres.Migrate(ctx, dsn, nil))

	storagetest.Run(t, func(t *testing.T, now func() time.Time) durable.Storage {
		store, err := postgres.Open(ctx, postgres.Options{DSN: dsn, Now: now, SkipMigrations: true})
		require.NoError(t, err)
		// TRUNCATE bypasses the append-only row triggers.
		_, err = store.DB().ExecContext(ctx, "TRUNCATE checkpoints, runs")
		require.NoError(t, err)
		return store
	})
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := postgres.Open(ctx, postgres.Options{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	migrator, err := postgres.NewMigrator(ctx, dsn, nil)
	require.NoError(t, err)
	defer migrator.Close()
	require.NoError(t, migrator.Up())

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)
}

func TestDialect(t *testing.T) {
	d := postgres.Dialect{}
	require.Equal(t, "postgres", d.Name())
	require.Equal(t, "SELECT * FROM runs WHERE id = $1 AND version = $2",
		d.Rebind("SELECT * FROM runs WHERE id = ? AND version = ?"))
	require.False(t, d.IsUniqueViolation(context.Canceled))

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	require.True(t, d.IsUniqueViolation(unique))
	require.False(t, d.IsForeignKeyViolation(unique))
	require.True(t, d.IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))

	// Errors from the lib/pq migration connection.
	require.True(t, d.IsUniqueViolation(&pq.Error{Code: "23505"}))
	require.True(t, d.IsForeignKeyViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23503"})))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := postgres.Open(context.Background(), postgres.Options{})
	require.Error(t, err)
}
