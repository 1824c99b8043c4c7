// Package sqlite provides a durable.Storage backed by an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/internal/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Confirm the interfaces are implemented correctly.
var (
	_ durable.Storage   = (*Store)(nil)
	_ sqlstore.Dialect = Dialect{}
)

// Options configures Open.
type Options struct {
	// Path is the database file, or ":memory:" for a private in-memory
	// database.
	Path string

	// BusyTimeout bounds how long a statement waits on a locked database.
	// Defaults to 5 seconds.
	BusyTimeout time.Duration

	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Store is a SQLite-backed durable.Storage.
type Store struct {
	*sqlstore.Store
}

// Open opens (creating if needed) the database at opts.Path and applies the
// embedded migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if !opts.SkipMigrations {
		if err := applyMigrations(db, opts.Logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store, err := sqlstore.New(sqlstore.Options{
		DB:      db,
		Dialect: Dialect{},
		Logger:  opts.Logger,
		Now:     opts.Now,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// applyMigrations applies the embedded schema on db. The migrator is not closed
// because closing the driver would close db.
func applyMigrations(db *sql.DB, logger *slog.Logger) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrator, err := sqlstore.NewMigrator(migrations, "migrations", "sqlite", driver, logger)
	if err != nil {
		return err
	}
	return migrator.Up()
}

// Dialect is the sqlstore.Dialect for modernc.org/sqlite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Rebind(query string) string { return sqlstore.QuestionRebind(query) }

func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (Dialect) IsForeignKeyViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
