package jobstore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
)

// Semaphore serializes store operations by lock name.
type Semaphore interface {
	// ObtainLock blocks until lockName is held. tx is the transaction the
	// lock belongs to; it is nil for semaphores that do not need one.
	ObtainLock(ctx context.Context, tx *sql.Tx, lockName string) error
	ReleaseLock(lockName string)
	// RequiresTransaction reports whether ObtainLock must run inside the
	// operation's transaction.
	RequiresTransaction() bool
}

// SimpleSemaphore locks within this process only. It is obtained before the
// transaction begins, so a single-connection database never sees two
// transactions competing for its only connection.
type SimpleSemaphore struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewSimpleSemaphore creates an in-process semaphore.
func NewSimpleSemaphore() *SimpleSemaphore {
	return &SimpleSemaphore{locks: make(map[string]chan struct{})}
}

func (s *SimpleSemaphore) lock(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

// ObtainLock implements Semaphore.
func (s *SimpleSemaphore) ObtainLock(ctx context.Context, _ *sql.Tx, lockName string) error {
	select {
	case s.lock(lockName) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for lock %s", lockName)
	}
}

// ReleaseLock implements Semaphore.
func (s *SimpleSemaphore) ReleaseLock(lockName string) {
	select {
	case <-s.lock(lockName):
	default:
	}
}

// RequiresTransaction implements Semaphore.
func (s *SimpleSemaphore) RequiresTransaction() bool { return false }

// RowLockSemaphore locks a row of sched_locks inside the caller's
// transaction, which makes the lock visible to every scheduler sharing the
// database. The lock is released when the transaction ends.
//
// PostgreSQL takes the row with SELECT ... FOR UPDATE. SQLite has no row
// locks; a no-op UPDATE of the row takes the database write lock instead.
type RowLockSemaphore struct {
	schedName string
	dialect   db.Dialect
}

// NewRowLockSemaphore creates a database-backed semaphore for schedName.
func NewRowLockSemaphore(schedName string, dialect db.Dialect) *RowLockSemaphore {
	return &RowLockSemaphore{schedName: schedName, dialect: dialect}
}

// ObtainLock implements Semaphore.
func (s *RowLockSemaphore) ObtainLock(ctx context.Context, tx *sql.Tx, lockName string) error {
	if tx == nil {
		return errors.AssertionFailedf("row lock %s requested outside a transaction", lockName)
	}
	for attempt := 0; attempt < 2; attempt++ {
		held, err := s.lockRow(ctx, tx, lockName)
		if err != nil {
			return errors.Wrapf(err, "obtain lock %s", lockName)
		}
		if held {
			return nil
		}
		// first use of this lock name for this scheduler
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`INSERT INTO sched_locks (sched_name, lock_name) VALUES (?, ?) ON CONFLICT DO NOTHING`),
			s.schedName, lockName); err != nil {
			return errors.Wrapf(err, "insert lock row %s", lockName)
		}
	}
	return errors.Newf("lock row %s could not be obtained", lockName)
}

func (s *RowLockSemaphore) lockRow(ctx context.Context, tx *sql.Tx, lockName string) (bool, error) {
	if s.dialect == db.Postgres {
		var name string
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(
			`SELECT lock_name FROM sched_locks WHERE sched_name = ? AND lock_name = ? FOR UPDATE`),
			s.schedName, lockName).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE sched_locks SET lock_name = lock_name WHERE sched_name = ? AND lock_name = ?`),
		s.schedName, lockName)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLock implements Semaphore. Commit or rollback releases row locks.
func (s *RowLockSemaphore) ReleaseLock(string) {}

// RequiresTransaction implements Semaphore.
func (s *RowLockSemaphore) RequiresTransaction() bool { return true }
