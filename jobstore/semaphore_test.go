package jobstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
)

func TestSimpleSemaphoreSerializesHolders(t *testing.T) {
	sem := NewSimpleSemaphore()
	ctx := context.Background()
	require.NoError(t, sem.ObtainLock(ctx, nil, LockTriggerAccess))

	// a different lock name is independent
	require.NoError(t, sem.ObtainLock(ctx, nil, LockStateAccess))
	sem.ReleaseLock(LockStateAccess)

	acquired := make(chan struct{})
	go func() {
		_ = sem.ObtainLock(ctx, nil, LockTriggerAccess)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	sem.ReleaseLock(LockTriggerAccess)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the released lock")
	}
	sem.ReleaseLock(LockTriggerAccess)
}

func TestSimpleSemaphoreGivesUpOnCancel(t *testing.T) {
	sem := NewSimpleSemaphore()
	require.NoError(t, sem.ObtainLock(context.Background(), nil, LockTriggerAccess))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sem.ObtainLock(ctx, nil, LockTriggerAccess)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRowLockSemaphorePostgresSelectsForUpdate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT lock_name FROM sched_locks WHERE sched_name = \$1 AND lock_name = \$2 FOR UPDATE`).
		WithArgs("pulse", LockTriggerAccess).
		WillReturnRows(sqlmock.NewRows([]string{"lock_name"}).AddRow(LockTriggerAccess))
	mock.ExpectCommit()

	sem := NewRowLockSemaphore("pulse", db.Postgres)
	assert.True(t, sem.RequiresTransaction())

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, sem.ObtainLock(context.Background(), tx, LockTriggerAccess))
	sem.ReleaseLock(LockTriggerAccess)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLockSemaphoreCreatesMissingRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("pulse", LockStateAccess).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO sched_locks`).
		WithArgs("pulse", LockStateAccess).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("pulse", LockStateAccess).
		WillReturnRows(sqlmock.NewRows([]string{"lock_name"}).AddRow(LockStateAccess))
	mock.ExpectRollback()

	sem := NewRowLockSemaphore("pulse", db.Postgres)
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, sem.ObtainLock(context.Background(), tx, LockStateAccess))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLockSemaphoreSQLiteTouchesRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sched_locks SET lock_name = lock_name WHERE sched_name = \? AND lock_name = \?`).
		WithArgs("pulse", LockTriggerAccess).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sem := NewRowLockSemaphore("pulse", db.SQLite)
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, sem.ObtainLock(context.Background(), tx, LockTriggerAccess))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLockSemaphoreNeedsTransaction(t *testing.T) {
	sem := NewRowLockSemaphore("pulse", db.SQLite)
	assert.Error(t, sem.ObtainLock(context.Background(), nil, LockTriggerAccess))
}

func TestStoreOperationRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sched_locks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT trigger_state FROM sched_triggers`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	s, err := NewSQLStore(conn, SQLOptions{
		Options:   Options{SchedulerName: "pulse"},
		Semaphore: NewRowLockSemaphore("pulse", db.SQLite),
	})
	require.NoError(t, err)
	err = s.PauseTrigger(context.Background(), schedule.NewKey("nightly", "reports"))
	require.Error(t, err)
	assert.True(t, errors.IsJobPersistence(err), "driver failures surface as persistence errors, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
