package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
)

var (
	errUnique     = errors.New("unique violation")
	errForeignKey = errors.New("foreign key violation")
)

type fakeDialect struct{}

func (fakeDialect) Name() string                         { return "fake" }
func (fakeDialect) Rebind(query string) string           { return query }
func (fakeDialect) IsUniqueViolation(err error) bool     { return errors.Is(err, errUnique) }
func (fakeDialect) IsForeignKeyViolation(err error) bool { return errors.Is(err, errForeignKey) }

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store, err := New(Options{
		DB:      db,
		Dialect: fakeDialect{},
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock
}

var runRowColumns = []string{
	"id", "caller_idempotency_key", "agent_kind", "loop_kind", "status",
	"input", "output", "context", "current_iteration", "timeout_at", "started_at",
	"completed_at", "cancelled_at", "error", "version", "lease_owner", "lease_expires_at",
	"created_at", "updated_at",
}

func runRow(id string, status durable.RunStatus, version int64, leaseOwner any) []driver.Value {
	micros := testNow.UnixMicro()
	return []driver.Value{
		id, "caller-" + id, "weather", "react", string(status),
		`{"message":"hi"}`, nil, `{}`, int64(0), nil, nil,
		nil, nil, "", version, leaseOwner, nil,
		micros, micros,
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Dialect: fakeDialect{}})
	require.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(Options{DB: db})
	require.Error(t, err)
}

func TestGetRunDecodesRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM runs WHERE id").
		WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(runRow("run_1", durable.RunStatusRunning, 4, "worker-a")...))

	run, err := store.GetRun(context.Background(), "run_1")
	require.NoError(t, err)
	require.Equal(t, durable.RunStatusRunning, run.Status)
	require.Equal(t, "hi", run.Input["message"])
	require.Nil(t, run.Output)
	require.NotNil(t, run.Context)
	require.Equal(t, int64(4), run.Version)
	require.Equal(t, "worker-a", run.LeaseOwner)
	require.True(t, testNow.Equal(run.CreatedAt))
}

func TestGetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM runs WHERE id").
		WithArgs("run_missing").
		WillReturnRows(sqlmock.NewRows(runRowColumns))

	_, err := store.GetRun(context.Background(), "run_missing")
	require.ErrorIs(t, err, durable.ErrNotFound)
}

func TestReadFailureSurfacesAsPersistenceError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM runs WHERE id").
		WillReturnError(errors.New("connection reset by peer"))

	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: store})
	require.NoError(t, err)

	_, err = runs.Get(context.Background(), "run_1")
	require.ErrorIs(t, err, durable.ErrPersistence)
	require.ErrorContains(t, err, "connection reset by peer")
}

func TestCreateRunConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO runs").WillReturnError(errUnique)

	err := store.CreateRun(context.Background(), &durable.Run{
		ID:                   "run_1",
		CallerIdempotencyKey: "key",
		Status:               durable.RunStatusPending,
		CreatedAt:            testNow,
		UpdatedAt:            testNow,
	})
	require.ErrorIs(t, err, durable.ErrConflict)
}

func TestUpdateRunStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE runs SET").
		WillReturnRows(sqlmock.NewRows(runRowColumns))
	mock.ExpectQuery("FROM runs WHERE id").
		WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(runRow("run_1", durable.RunStatusRunning, 3, nil)...))

	_, err := store.UpdateRun(context.Background(), &durable.Run{
		ID:        "run_1",
		Status:    durable.RunStatusRunning,
		Version:   2,
		UpdatedAt: testNow,
	})
	require.ErrorIs(t, err, durable.ErrConflict)
	require.ErrorContains(t, err, "stored 3")
}

func TestInsertCheckpointConstraintErrors(t *testing.T) {
	checkpoint := &durable.Checkpoint{
		ID:        "ckpt_1",
		RunID:     "run_1",
		Sequence:  1,
		Type:      durable.CheckpointIterationStart,
		Iteration: 1,
		Data:      durable.IterationStart{Iteration: 1},
		Status:    durable.CheckpointStatusCompleted,
		CreatedAt: testNow,
	}

	t.Run("unique", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnError(errUnique)
		err := store.InsertCheckpoint(context.Background(), checkpoint)
		require.ErrorIs(t, err, durable.ErrConflict)
	})

	t.Run("foreign key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnError(errForeignKey)
		err := store.InsertCheckpoint(context.Background(), checkpoint)
		require.ErrorIs(t, err, durable.ErrNotFound)
	})

	t.Run("other", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnError(errors.New("disk I/O error"))
		err := store.InsertCheckpoint(context.Background(), checkpoint)
		require.Error(t, err)
		require.NotErrorIs(t, err, durable.ErrConflict)
	})
}

func TestAppendSurfacesWriteFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COALESCE").WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO checkpoints").WillReturnError(errors.New("disk I/O error"))

	ledger, err := durable.NewLedger(durable.LedgerOptions{Storage: store})
	require.NoError(t, err)

	_, err = ledger.Append(context.Background(), durable.AppendRequest{
		RunID:   "run_1",
		Payload: durable.IterationStart{Iteration: 1},
	})
	require.ErrorIs(t, err, durable.ErrPersistence)
}

func TestAcquireLeaseHeld(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET lease_owner").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM runs WHERE id").
		WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(runRow("run_1", durable.RunStatusRunning, 2, "worker-b")...))

	_, err := store.AcquireLease(context.Background(), "run_1", "worker-a", time.Minute)
	require.ErrorIs(t, err, durable.ErrLeaseHeld)
	require.ErrorContains(t, err, "worker-b")
}

func TestAcquireLease(t *testing.T) {
	store, mock := newMockStore(t)
	expires := testNow.Add(time.Minute)
	mock.ExpectExec("UPDATE runs SET lease_owner").
		WithArgs("worker-a", expires.UnixMicro(), "run_1", "worker-a", testNow.UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease, err := store.AcquireLease(context.Background(), "run_1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, expires.Equal(lease.ExpiresAt))
}

func TestListRunsBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE agent_kind = \? AND status IN \(\?, \?\) ORDER BY created_at, id LIMIT \?`).
		WithArgs("weather", "pending", "running", 5).
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(runRow("run_1", durable.RunStatusPending, 1, nil)...))

	runs, err := store.ListRuns(context.Background(), durable.RunFilter{
		AgentKind: "weather",
		Statuses:  []durable.RunStatus{durable.RunStatusPending, durable.RunStatusRunning},
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestDollarRebind(t *testing.T) {
	require.Equal(t, "WHERE id = $1 AND version = $2", DollarRebind("WHERE id = ? AND version = ?"))
	require.Equal(t, "SELECT 1", DollarRebind("SELECT 1"))
	require.Equal(t, "a = ?", QuestionRebind("a = ?"))
}
