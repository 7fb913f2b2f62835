package errors

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Scheduler taxonomy sentinels.
var (
	// ErrJobPersistence marks a failure of the job store (I/O, locking, decoding).
	ErrJobPersistence = New("job persistence failure")

	// ErrObjectAlreadyExists marks a create of a key that is already stored.
	ErrObjectAlreadyExists = New("object already exists")

	// ErrScheduler marks misuse of the scheduler API.
	ErrScheduler = New("scheduler error")

	// ErrSchedulerShutdown is returned by every API call after Shutdown.
	ErrSchedulerShutdown = New("scheduler has been shut down")

	// ErrJobExecution marks an error produced by job code.
	ErrJobExecution = New("job execution failed")
)

// JobPersistence wraps a store failure and marks it ErrJobPersistence.
// A nil err yields nil.
func JobPersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrJobPersistence)
}

// JobPersistencef is JobPersistence with a formatted message.
func JobPersistencef(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Mark(Wrapf(err, format, args...), ErrJobPersistence)
}

// NewJobPersistence creates a store failure without an underlying cause,
// e.g. a referential check that failed.
func NewJobPersistence(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrJobPersistence)
}

// ObjectAlreadyExists reports that kind (job, trigger, calendar) with key is already stored.
func ObjectAlreadyExists(kind string, key fmt.Stringer) error {
	err := Newf("unable to store %s with key %q: one already exists with this identification", kind, key.String())
	err = WithHint(err, "pass replaceExisting to overwrite it")
	return Mark(err, ErrObjectAlreadyExists)
}

// SchedulerMisuse reports an invalid scheduler API call.
func SchedulerMisuse(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrScheduler)
}

// IsObjectAlreadyExists checks if an error is or wraps ErrObjectAlreadyExists.
func IsObjectAlreadyExists(err error) bool {
	return err != nil && Is(err, ErrObjectAlreadyExists)
}

// IsJobPersistence checks if an error is or wraps ErrJobPersistence.
func IsJobPersistence(err error) bool {
	return err != nil && Is(err, ErrJobPersistence)
}

// transientSubstrings are driver messages for conditions that clear up on retry.
var transientSubstrings = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
	"i/o timeout",
	"could not serialize access",
	"deadlock detected",
	"too many connections",
	"the database system is starting up",
}

// IsTransient reports whether a store error is worth retrying.
// Timeouts, network errors, bad driver connections and lock contention are
// transient; decoding failures, constraint violations and misuse are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, context.Canceled) {
		return false
	}
	if Is(err, context.DeadlineExceeded) || Is(err, ErrTimeout) || Is(err, driver.ErrBadConn) {
		return true
	}
	if Is(err, syscall.ECONNREFUSED) || Is(err, syscall.ECONNRESET) || Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
