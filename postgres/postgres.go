// Package postgres provides a durable.Storage backed by PostgreSQL through
// pgx.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/internal/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres error codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Confirm the interfaces are implemented correctly.
var (
	_ durable.Storage   = (*Store)(nil)
	_ sqlstore.Dialect = Dialect{}
)

// Options configures Open.
type Options struct {
	// DSN is a postgres:// connection URL or key=value string.
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Store is a Postgres-backed durable.Storage.
type Store struct {
	*sqlstore.Store
	pool *pgxpool.Pool
}

// Open connects to the database, applies the embedded migrations and
// returns a Store that owns the connection pool.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if !opts.SkipMigrations {
		if err := Migrate(ctx, opts.DSN, opts.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return New(pool, opts.Logger, opts.Now)
}

// New wraps an existing pool. The schema must already be migrated. Closing
// the Store closes the pool.
func New(pool *pgxpool.Pool, logger *slog.Logger, now func() time.Time) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	store, err := sqlstore.New(sqlstore.Options{
		DB:      stdlib.OpenDBFromPool(pool),
		Dialect: Dialect{},
		Logger:  logger,
		Now:     now,
		Closer:  poolCloser{pool},
	})
	if err != nil {
		return nil, err
	}
	return &Store{Store: store, pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema using a dedicated connection.
func Migrate(ctx context.Context, dsn string, logger *slog.Logger) error {
	migrator, err := NewMigrator(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}

// NewMigrator returns a migrator bound to its own lib/pq connection. The
// caller must Close it.
func NewMigrator(ctx context.Context, dsn string, logger *slog.Logger) (*sqlstore.Migrator, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect for migrations: %w", err)
	}
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	return sqlstore.NewMigrator(migrations, "migrations", "postgres", driver, logger)
}

type poolCloser struct {
	pool *pgxpool.Pool
}

func (c poolCloser) Close() error {
	c.pool.Close()
	return nil
}

// Dialect is the sqlstore.Dialect for PostgreSQL. Errors from both pgx and
// lib/pq are recognized.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Rebind(query string) string { return sqlstore.DollarRebind(query) }

func (Dialect) IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func (Dialect) IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
