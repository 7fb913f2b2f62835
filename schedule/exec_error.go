package schedule

import (
	"github.com/teranos/pulse/errors"
)

// JobExecutionError lets a job steer what happens to its trigger.
// Returned without any flag set, the failure is recorded and the trigger
// keeps its schedule.
type JobExecutionError struct {
	Err error
	// RefireImmediately re-runs the job in place.
	RefireImmediately bool
	// UnscheduleFiringTrigger completes the trigger that fired.
	UnscheduleFiringTrigger bool
	// UnscheduleAllTriggers completes every trigger of the job.
	UnscheduleAllTriggers bool
}

// NewJobExecutionError wraps err.
func NewJobExecutionError(err error) *JobExecutionError {
	return &JobExecutionError{Err: err}
}

func (e *JobExecutionError) Error() string {
	if e.Err == nil {
		return errors.ErrJobExecution.Error()
	}
	return errors.ErrJobExecution.Error() + ": " + e.Err.Error()
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// Is makes every JobExecutionError match errors.ErrJobExecution.
func (e *JobExecutionError) Is(target error) bool {
	return target == errors.ErrJobExecution
}
