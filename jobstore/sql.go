package jobstore

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
)

// SQL store defaults.
const (
	DefaultCheckinInterval      = 7500 * time.Millisecond
	DefaultCheckinTimeout       = 20 * time.Second
	DefaultAcquiredStaleTimeout = 10 * time.Minute
	DefaultRetryInterval        = 15 * time.Second
)

// SQLOptions configures a SQLStore.
type SQLOptions struct {
	Options
	Dialect db.Dialect
	// Clustered enables checkin and failover between schedulers sharing
	// the database.
	Clustered       bool
	CheckinInterval time.Duration
	// CheckinTimeout is how long an instance may go without checking in
	// before it is considered dead. Must exceed CheckinInterval.
	CheckinTimeout time.Duration
	// AcquiredStaleTimeout releases ACQUIRED fires that were never fired.
	AcquiredStaleTimeout time.Duration
	// RetryInterval caps the delay between retries of failed store operations.
	RetryInterval time.Duration
	// Semaphore overrides the lock implementation. Clustered stores default
	// to row locks, others to in-process locks.
	Semaphore Semaphore
}

// SQLStore persists scheduling data through database/sql. Every mutation
// runs in one transaction under a named lock.
type SQLStore struct {
	db   *sql.DB
	opts SQLOptions
	log  *zap.SugaredLogger
	sem  Semaphore

	mu       sync.Mutex
	signaler SchedulerSignaler
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	firstCheckin    atomic.Bool
	recoveryCounter atomic.Int64
}

var _ JobStore = (*SQLStore)(nil)

// NewSQLStore creates a store over conn, which must already carry the
// scheduler schema.
func NewSQLStore(conn *sql.DB, opts SQLOptions) (*SQLStore, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.Dialect == "" {
		opts.Dialect = db.SQLite
	}
	if opts.CheckinInterval <= 0 {
		opts.CheckinInterval = DefaultCheckinInterval
	}
	if opts.CheckinTimeout <= 0 {
		opts.CheckinTimeout = DefaultCheckinTimeout
	}
	if opts.AcquiredStaleTimeout <= 0 {
		opts.AcquiredStaleTimeout = DefaultAcquiredStaleTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Clustered && opts.CheckinTimeout <= opts.CheckinInterval {
		return nil, errors.NewInvalidRequestError("checkin timeout %s must exceed checkin interval %s",
			opts.CheckinTimeout, opts.CheckinInterval)
	}
	sem := opts.Semaphore
	if sem == nil {
		if opts.Clustered {
			sem = NewRowLockSemaphore(opts.SchedulerName, opts.Dialect)
		} else {
			sem = NewSimpleSemaphore()
		}
	}
	s := &SQLStore{
		db:   conn,
		opts: opts,
		sem:  sem,
		log: opts.Logger.With(
			logger.FieldComponent, "sqlstore",
			logger.FieldDialect, string(opts.Dialect),
			logger.FieldInstanceID, opts.InstanceID),
	}
	s.firstCheckin.Store(true)
	return s, nil
}

// Initialize implements JobStore.
func (s *SQLStore) Initialize(ctx context.Context, signaler SchedulerSignaler) error {
	s.mu.Lock()
	s.signaler = signaler
	s.mu.Unlock()
	tx := s.read(ctx)
	for _, name := range []string{LockTriggerAccess, LockStateAccess} {
		if err := tx.insertLockRow(name); err != nil {
			return errors.JobPersistencef(err, "seed lock row %s", name)
		}
	}
	s.log.Infow("SQL job store initialized",
		logger.FieldScheduler, s.opts.SchedulerName,
		"clustered", s.opts.Clustered)
	return nil
}

func (s *SQLStore) currentSignaler() SchedulerSignaler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaler
}

// SchedulerStarted implements JobStore. A clustered store checks in (which
// recovers its own fires from a previous run); a standalone store recovers
// everything left in flight.
func (s *SQLStore) SchedulerStarted(ctx context.Context) error {
	if s.opts.Clustered {
		if _, err := s.checkin(ctx); err != nil {
			return errors.Wrap(err, "initial cluster checkin")
		}
	} else if err := s.recoverJobs(ctx); err != nil {
		return errors.Wrap(err, "recover jobs")
	}

	mctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.maintain(mctx)
	return nil
}

// SchedulerPaused implements JobStore.
func (s *SQLStore) SchedulerPaused() {}

// SchedulerResumed implements JobStore.
func (s *SQLStore) SchedulerResumed() {}

// Shutdown implements JobStore. It stops checkin; the database handle is
// owned by the caller.
func (s *SQLStore) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// SupportsPersistence implements JobStore.
func (s *SQLStore) SupportsPersistence() bool { return true }

// Clustered implements JobStore.
func (s *SQLStore) Clustered() bool { return s.opts.Clustered }

// AcquireRetryDelay implements JobStore. The delay doubles from 250ms up to
// the configured retry interval.
func (s *SQLStore) AcquireRetryDelay(failures int) time.Duration {
	d := 250 * time.Millisecond
	for i := 1; i < failures && d < s.opts.RetryInterval; i++ {
		d *= 2
	}
	return min(d, s.opts.RetryInterval)
}

// read returns a handle for unlocked reads outside a transaction.
func (s *SQLStore) read(ctx context.Context) *txn {
	return &txn{ctx: ctx, ex: s.db, d: s.opts.Dialect, sched: s.opts.SchedulerName, n: newNotifier(nil)}
}

// persistenceError marks raw driver failures as job persistence errors and
// passes domain errors through.
func persistenceError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err, errors.ErrJobPersistence, errors.ErrObjectAlreadyExists,
		errors.ErrInvalidRequest, errors.ErrNotFound) {
		return err
	}
	return errors.JobPersistence(err, msg)
}

func (s *SQLStore) inLock(ctx context.Context, lockName string, fn func(tx *txn) error) error {
	_, err := inLockValue(ctx, s, lockName, func(tx *txn) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// inLockValue runs fn in a transaction holding lockName. Notifications
// raised by fn are delivered after the lock is released, and dropped when
// the transaction rolls back.
func inLockValue[T any](ctx context.Context, s *SQLStore, lockName string, fn func(tx *txn) (T, error)) (T, error) {
	n := newNotifier(s.currentSignaler())
	v, err := runLocked(ctx, s, lockName, n, fn)
	if err != nil {
		n.discard()
		return v, err
	}
	n.flush()
	return v, nil
}

func runLocked[T any](ctx context.Context, s *SQLStore, lockName string, n *notifier, fn func(tx *txn) (T, error)) (T, error) {
	var zero T
	if !s.sem.RequiresTransaction() {
		if err := s.sem.ObtainLock(ctx, nil, lockName); err != nil {
			return zero, persistenceError(err, "obtain lock "+lockName)
		}
		defer s.sem.ReleaseLock(lockName)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, persistenceError(err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if s.sem.RequiresTransaction() {
		if err := s.sem.ObtainLock(ctx, sqlTx, lockName); err != nil {
			return zero, persistenceError(err, "obtain lock "+lockName)
		}
		defer s.sem.ReleaseLock(lockName)
	}

	tx := &txn{ctx: ctx, ex: sqlTx, d: s.opts.Dialect, sched: s.opts.SchedulerName, n: n}
	v, err := fn(tx)
	if err != nil {
		return zero, persistenceError(err, "store operation under "+lockName)
	}
	if err := sqlTx.Commit(); err != nil {
		return zero, persistenceError(err, "commit transaction")
	}
	committed = true
	return v, nil
}
