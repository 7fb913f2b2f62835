package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/schedule"
)

// Job is the executable side of a stored JobDetail. A fresh instance is
// created from the registry for every fire.
//
// Execute should return promptly once ctx is cancelled. Returning a
// *schedule.JobExecutionError steers what happens to the firing trigger;
// any other error (or a panic) puts the trigger into ERROR unless the job
// detail swallows errors.
type Job interface {
	Execute(ctx context.Context, jc *JobExecutionContext) error
}

// InterruptableJob is a Job that can be asked to stop early.
// Interruption is cooperative: the scheduler also cancels the context
// passed to Execute.
type InterruptableJob interface {
	Job
	Interrupt() error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, jc *JobExecutionContext) error

// Execute calls f.
func (f JobFunc) Execute(ctx context.Context, jc *JobExecutionContext) error {
	return f(ctx, jc)
}

// JobExecutionContext is what a job sees of the fire it runs for.
type JobExecutionContext struct {
	Scheduler *Scheduler
	Trigger   *schedule.Trigger
	// JobDetail is the job's own copy. Changes to its JobData are written
	// back when the job persists data after execution.
	JobDetail *schedule.JobDetail
	Calendar  calendar.Calendar
	// MergedJobDataMap is the job data overlaid by the trigger data; trigger keys win.
	MergedJobDataMap schedule.JobDataMap

	FireTime          time.Time
	ScheduledFireTime time.Time
	PreviousFireTime  *time.Time
	NextFireTime      *time.Time
	FireInstanceID    string
	Recovering        bool

	job         Job
	cancel      context.CancelFunc
	mu          sync.Mutex
	refireCount int
	result      any
	jobRunTime  time.Duration
}

func newJobExecutionContext(s *Scheduler, b *jobstore.TriggerFiredBundle, job Job) *JobExecutionContext {
	return &JobExecutionContext{
		Scheduler:         s,
		Trigger:           b.Trigger,
		JobDetail:         b.Job,
		Calendar:          b.Calendar,
		MergedJobDataMap:  schedule.Merge(b.Job.JobData, b.Trigger.JobData),
		FireTime:          b.FireTime,
		ScheduledFireTime: b.ScheduledFireTime,
		PreviousFireTime:  b.PrevFireTime,
		NextFireTime:      b.NextFireTime,
		FireInstanceID:    b.Trigger.FireInstanceID,
		Recovering:        b.Recovering,
		job:               job,
	}
}

// JobInstance returns the job being executed.
func (jc *JobExecutionContext) JobInstance() Job {
	return jc.job
}

// RefireCount is how many times this fire was re-executed in place.
func (jc *JobExecutionContext) RefireCount() int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.refireCount
}

// SetResult stores the job's result for listeners.
func (jc *JobExecutionContext) SetResult(v any) {
	jc.mu.Lock()
	jc.result = v
	jc.mu.Unlock()
}

// Result returns what the job stored with SetResult.
func (jc *JobExecutionContext) Result() any {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.result
}

// JobRunTime is how long the last Execute call took. Zero while running.
func (jc *JobExecutionContext) JobRunTime() time.Duration {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.jobRunTime
}

// RecoveringTriggerKey returns the key of the trigger whose fire is being
// recovered, when Recovering is set.
func (jc *JobExecutionContext) RecoveringTriggerKey() (schedule.Key, bool) {
	if !jc.Recovering {
		return schedule.Key{}, false
	}
	name := jc.MergedJobDataMap.GetString(jobstore.RecoveryTriggerName)
	group := jc.MergedJobDataMap.GetString(jobstore.RecoveryTriggerGroup)
	if name == "" {
		return schedule.Key{}, false
	}
	return schedule.NewKey(name, group), true
}

func (jc *JobExecutionContext) refire() {
	jc.mu.Lock()
	jc.refireCount++
	jc.result = nil
	jc.jobRunTime = 0
	jc.mu.Unlock()
}

func (jc *JobExecutionContext) setRunTime(d time.Duration) {
	jc.mu.Lock()
	jc.jobRunTime = d
	jc.mu.Unlock()
}

func (jc *JobExecutionContext) setCancel(cancel context.CancelFunc) {
	jc.mu.Lock()
	jc.cancel = cancel
	jc.mu.Unlock()
}

// interrupt cancels the job's context and calls Interrupt on interruptable jobs.
func (jc *JobExecutionContext) interrupt() (bool, error) {
	jc.mu.Lock()
	cancel := jc.cancel
	jc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	ij, ok := jc.job.(InterruptableJob)
	if !ok {
		return cancel != nil, nil
	}
	return true, ij.Interrupt()
}
