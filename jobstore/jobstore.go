// Package jobstore persists jobs, triggers, calendars and fired-trigger
// records, and owns every trigger state transition. Two implementations
// exist: RAMStore for a single process and SQLStore for SQLite/PostgreSQL,
// which also coordinates a cluster of schedulers sharing one database.
//
// All trigger and job values crossing the interface are copies; mutating
// them never changes stored state.
package jobstore

import (
	"context"
	"time"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/schedule"
)

// Lock names used to serialize store operations. TRIGGER_ACCESS covers
// every job/trigger/calendar mutation; STATE_ACCESS covers cluster checkin.
const (
	LockTriggerAccess = "TRIGGER_ACCESS"
	LockStateAccess   = "STATE_ACCESS"
)

// AllGroupsPaused is recorded in the paused groups set by PauseAll so that
// triggers added to any group afterwards start paused.
const AllGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// SchedulerSignaler is the callback surface a store uses to reach the
// scheduler. Stores invoke it after releasing their locks.
type SchedulerSignaler interface {
	NotifyTriggerListenersMisfired(trigger *schedule.Trigger)
	NotifySchedulerListenersFinalized(trigger *schedule.Trigger)
	NotifySchedulerListenersJobDeleted(jobKey schedule.Key)
	// SignalSchedulingChange wakes the firing loop. candidate is the new
	// earliest fire time when known, nil otherwise.
	SignalSchedulingChange(candidate *time.Time)
	NotifySchedulerListenersError(msg string, err error)
}

// TriggerFiredBundle carries everything a worker needs to run one fire.
type TriggerFiredBundle struct {
	Job      *schedule.JobDetail
	Trigger  *schedule.Trigger
	Calendar calendar.Calendar
	// Recovering is set for fires injected by crash recovery.
	Recovering bool
	// FireTime is when the store marked the trigger fired.
	FireTime time.Time
	// ScheduledFireTime is the fire time the trigger was due at.
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// TriggerFiredResult is one element of TriggersFired. A nil Bundle with a
// nil Err means the trigger was skipped (paused, removed, misfired into the
// future, or its calendar vanished) and must not run.
type TriggerFiredResult struct {
	Bundle *TriggerFiredBundle
	Err    error
}

// FiredTriggerRecord tracks one acquired or executing fire, owned by the
// scheduler instance that acquired it.
type FiredTriggerRecord struct {
	EntryID          string
	TriggerKey       schedule.Key
	JobKey           schedule.Key
	InstanceID       string
	FiredTime        time.Time
	ScheduledTime    time.Time
	Priority         int
	State            schedule.FiredState
	NonConcurrent    bool
	RequestsRecovery bool
}

// JobStore is the persistence contract of the scheduler.
type JobStore interface {
	// Initialize is called once before the scheduler uses the store.
	Initialize(ctx context.Context, signaler SchedulerSignaler) error
	// SchedulerStarted runs startup recovery and, for clustered stores,
	// begins cluster checkin.
	SchedulerStarted(ctx context.Context) error
	SchedulerPaused()
	SchedulerResumed()
	Shutdown()
	SupportsPersistence() bool
	Clustered() bool
	// AcquireRetryDelay is how long the firing loop waits after failures
	// consecutive store errors.
	AcquireRetryDelay(failures int) time.Duration

	StoreJobAndTrigger(ctx context.Context, job *schedule.JobDetail, trigger *schedule.Trigger) error
	StoreJob(ctx context.Context, job *schedule.JobDetail, replace bool) error
	StoreJobsAndTriggers(ctx context.Context, jobs map[*schedule.JobDetail][]*schedule.Trigger, replace bool) error
	// RemoveJob deletes a job. With cascade false it fails when triggers
	// still reference the job. Reports whether the job existed.
	RemoveJob(ctx context.Context, key schedule.Key, cascade bool) (bool, error)
	RemoveJobs(ctx context.Context, keys []schedule.Key) (bool, error)
	// RetrieveJob returns nil when the job does not exist.
	RetrieveJob(ctx context.Context, key schedule.Key) (*schedule.JobDetail, error)
	StoreTrigger(ctx context.Context, trigger *schedule.Trigger, replace bool) error
	// RemoveTrigger deletes a trigger; a non-durable job left without
	// triggers is deleted with it.
	RemoveTrigger(ctx context.Context, key schedule.Key) (bool, error)
	RemoveTriggers(ctx context.Context, keys []schedule.Key) (bool, error)
	// ReplaceTrigger swaps the trigger stored under key for trigger, which
	// must reference the same job.
	ReplaceTrigger(ctx context.Context, key schedule.Key, trigger *schedule.Trigger) (bool, error)
	// RetrieveTrigger returns nil when the trigger does not exist.
	RetrieveTrigger(ctx context.Context, key schedule.Key) (*schedule.Trigger, error)
	CheckJobExists(ctx context.Context, key schedule.Key) (bool, error)
	CheckTriggerExists(ctx context.Context, key schedule.Key) (bool, error)
	ClearAllSchedulingData(ctx context.Context) error

	// StoreCalendar stores cal under name. With updateTriggers set, triggers
	// referencing name have their next fire time recomputed.
	StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error
	// RemoveCalendar fails while a trigger references the calendar.
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error)
	GetCalendarNames(ctx context.Context) ([]string, error)

	NumberOfJobs(ctx context.Context) (int, error)
	NumberOfTriggers(ctx context.Context) (int, error)
	NumberOfCalendars(ctx context.Context) (int, error)
	// GetJobKeys lists job keys in group, or all jobs when group is empty.
	GetJobKeys(ctx context.Context, group string) ([]schedule.Key, error)
	GetTriggerKeys(ctx context.Context, group string) ([]schedule.Key, error)
	GetJobGroupNames(ctx context.Context) ([]string, error)
	GetTriggerGroupNames(ctx context.Context) ([]string, error)
	GetTriggersForJob(ctx context.Context, jobKey schedule.Key) ([]*schedule.Trigger, error)
	// GetTriggerState reports StateNone for unknown triggers.
	GetTriggerState(ctx context.Context, key schedule.Key) (schedule.TriggerState, error)
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	// EarliestFireTime is the next fire time of the earliest WAITING
	// trigger, nil when nothing is scheduled.
	EarliestFireTime(ctx context.Context) (*time.Time, error)

	PauseTrigger(ctx context.Context, key schedule.Key) error
	PauseTriggers(ctx context.Context, group string) ([]string, error)
	PauseJob(ctx context.Context, key schedule.Key) error
	PauseJobs(ctx context.Context, group string) ([]string, error)
	PauseAll(ctx context.Context) error
	ResumeTrigger(ctx context.Context, key schedule.Key) error
	ResumeTriggers(ctx context.Context, group string) ([]string, error)
	ResumeJob(ctx context.Context, key schedule.Key) error
	ResumeJobs(ctx context.Context, group string) ([]string, error)
	ResumeAll(ctx context.Context) error
	// ResetTriggerFromErrorState moves an ERROR trigger back into scheduling.
	ResetTriggerFromErrorState(ctx context.Context, key schedule.Key) error

	// AcquireNextTriggers moves up to maxCount WAITING triggers due no later
	// than noLaterThan to ACQUIRED. After the first pick the batch only
	// extends timeWindow past that trigger's fire time.
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*schedule.Trigger, error)
	// ReleaseAcquiredTrigger returns an ACQUIRED trigger to WAITING.
	ReleaseAcquiredTrigger(ctx context.Context, trigger *schedule.Trigger) error
	// TriggersFired marks acquired triggers fired and advances their
	// schedules. Results are positional.
	TriggersFired(ctx context.Context, triggers []*schedule.Trigger) ([]TriggerFiredResult, error)
	// TriggeredJobComplete records the end of an execution and applies
	// instruction to the firing trigger.
	TriggeredJobComplete(ctx context.Context, trigger *schedule.Trigger, job *schedule.JobDetail, instruction schedule.CompletedExecutionInstruction) error
}

// Clock abstracts time for stores and the scheduler.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }
