package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// Confirm the interfaces are implemented correctly.
var _ durable.Storage = (*Store)(nil)

const runColumns = `id, caller_idempotency_key, agent_kind, loop_kind, status,
	input, output, context, current_iteration, timeout_at, started_at,
	completed_at, cancelled_at, error, version, lease_owner, lease_expires_at,
	created_at, updated_at`

const checkpointColumns = `id, run_id, sequence, type, iteration,
	idempotency_key, data, status, created_at`

// Options configures a Store.
type Options struct {
	DB      *sql.DB
	Dialect Dialect
	Logger  *slog.Logger

	// Now is used for lease expiry checks. Defaults to time.Now.
	Now func() time.Time

	// Closer, if set, is closed after the database on Close.
	Closer io.Closer
}

// Store is a durable.Storage backed by a SQL database holding the runs and
// checkpoints tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
	closer  io.Closer
}

// New returns a Store using the given database and dialect.
func New(opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if opts.Dialect == nil {
		return nil, fmt.Errorf("dialect is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:      opts.DB,
		dialect: opts.Dialect,
		logger:  opts.Logger.With("component", "sqlstore", "dialect", opts.Dialect.Name()),
		now:     opts.Now,
		closer:  opts.Closer,
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) CreateRun(ctx context.Context, run *durable.Run) error {
	input, err := encodeMap(run.Input)
	if err != nil {
		return fmt.Errorf("failed to encode run input: %w", err)
	}
	output, err := encodeOptionalMap(run.Output)
	if err != nil {
		return fmt.Errorf("failed to encode run output: %w", err)
	}
	runContext, err := encodeMap(run.Context)
	if err != nil {
		return fmt.Errorf("failed to encode run context: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.CallerIdempotencyKey,
		run.AgentKind,
		run.LoopKind,
		string(run.Status),
		input,
		output,
		runContext,
		run.CurrentIteration,
		toMicros(run.TimeoutAt),
		toMicros(run.StartedAt),
		toMicros(run.CompletedAt),
		toMicros(run.CancelledAt),
		run.Error,
		run.Version,
		nullString(run.LeaseOwner),
		toMicros(run.LeaseExpiresAt),
		run.CreatedAt.UnixMicro(),
		run.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return durable.ConflictError("run %s or caller idempotency key %q already exists",
				run.ID, run.CallerIdempotencyKey)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*durable.Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.NotFoundError("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRunByCallerKey(ctx context.Context, key string) (*durable.Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE caller_idempotency_key = ?`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.NotFoundError("no run for caller idempotency key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by caller key: %w", err)
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *durable.Run) (*durable.Run, error) {
	output, err := encodeOptionalMap(run.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run output: %w", err)
	}
	runContext, err := encodeMap(run.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run context: %w", err)
	}
	row := s.queryRow(ctx, `UPDATE runs SET
			status = ?,
			output = ?,
			context = ?,
			current_iteration = ?,
			started_at = ?,
			completed_at = ?,
			cancelled_at = ?,
			error = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
		RETURNING `+runColumns,
		string(run.Status),
		output,
		runContext,
		run.CurrentIteration,
		toMicros(run.StartedAt),
		toMicros(run.CompletedAt),
		toMicros(run.CancelledAt),
		run.Error,
		run.UpdatedAt.UnixMicro(),
		run.ID,
		run.Version,
	)
	updated, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		stored, getErr := s.GetRun(ctx, run.ID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, durable.ConflictError("run %s version %d is stale (stored %d)",
			run.ID, run.Version, stored.Version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return updated, nil
}

func (s *Store) ListRuns(ctx context.Context, filter durable.RunFilter) ([]*durable.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentKind != "" {
		where = append(where, "agent_kind = ?")
		args = append(args, filter.AgentKind)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*durable.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Store) LastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, checkpoint *durable.Checkpoint) error {
	data, err := durable.EncodePayload(checkpoint.Data)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		checkpoint.ID,
		checkpoint.RunID,
		checkpoint.Sequence,
		string(checkpoint.Type),
		checkpoint.Iteration,
		nullString(checkpoint.IdempotencyKey),
		string(data),
		string(checkpoint.Status),
		checkpoint.CreatedAt.UnixMicro(),
	)
	if err != nil {
		switch {
		case s.dialect.IsForeignKeyViolation(err):
			return durable.NotFoundError("run %s not found", checkpoint.RunID)
		case s.dialect.IsUniqueViolation(err):
			return durable.ConflictError("checkpoint sequence %d or key %q already recorded for run %s",
				checkpoint.Sequence, checkpoint.IdempotencyKey, checkpoint.RunID)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]*durable.Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*durable.Checkpoint{}
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (s *Store) FindCheckpointByKey(ctx context.Context, key string, checkpointType durable.CheckpointType) (*durable.Checkpoint, error) {
	row := s.queryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE idempotency_key = ? AND type = ?
		ORDER BY sequence LIMIT 1`, key, string(checkpointType))
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.NotFoundError("no %s checkpoint for key %q", checkpointType, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find checkpoint: %w", err)
	}
	return checkpoint, nil
}

// Close closes the database and then the configured Closer.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*durable.Run, error) {
	var (
		run            durable.Run
		status         string
		input          string
		output         sql.NullString
		runContext     string
		timeoutAt      sql.NullInt64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
		cancelledAt    sql.NullInt64
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(
		&run.ID,
		&run.CallerIdempotencyKey,
		&run.AgentKind,
		&run.LoopKind,
		&status,
		&input,
		&output,
		&runContext,
		&run.CurrentIteration,
		&timeoutAt,
		&startedAt,
		&completedAt,
		&cancelledAt,
		&run.Error,
		&run.Version,
		&leaseOwner,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = durable.RunStatus(status)
	if run.Input, err = decodeMap(input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	if output.Valid {
		if run.Output, err = decodeMap(output.String); err != nil {
			return nil, fmt.Errorf("failed to decode run output: %w", err)
		}
	}
	if run.Context, err = decodeMap(runContext); err != nil {
		return nil, fmt.Errorf("failed to decode run context: %w", err)
	}
	run.TimeoutAt = fromMicros(timeoutAt)
	run.StartedAt = fromMicros(startedAt)
	run.CompletedAt = fromMicros(completedAt)
	run.CancelledAt = fromMicros(cancelledAt)
	run.LeaseOwner = leaseOwner.String
	run.LeaseExpiresAt = fromMicros(leaseExpiresAt)
	run.CreatedAt = time.UnixMicro(createdAt).UTC()
	run.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &run, nil
}

func scanCheckpoint(row scanner) (*durable.Checkpoint, error) {
	var (
		checkpoint     durable.Checkpoint
		checkpointType string
		key            sql.NullString
		data           string
		status         string
		createdAt      int64
	)
	err := row.Scan(
		&checkpoint.ID,
		&checkpoint.RunID,
		&checkpoint.Sequence,
		&checkpointType,
		&checkpoint.Iteration,
		&key,
		&data,
		&status,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	checkpoint.Type = durable.CheckpointType(checkpointType)
	checkpoint.IdempotencyKey = key.String
	checkpoint.Status = durable.CheckpointStatus(status)
	checkpoint.CreatedAt = time.UnixMicro(createdAt).UTC()
	payload, err := durable.DecodePayload(checkpoint.Type, []byte(data))
	if err != nil {
		return nil, err
	}
	checkpoint.Data = payload
	return &checkpoint, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeOptionalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return encodeMap(m)
}

func decodeMap(data string) (map[string]any, error) {
	m := map[string]any{}
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
