package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// manualTriggerAttempts bounds retries when a generated manual trigger name collides.
const manualTriggerAttempts = 5

// ScheduleJob stores job and a trigger for it, and returns the trigger's
// first fire time. trigger.JobKey is set to job.Key when empty.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *schedule.JobDetail, trigger *schedule.Trigger) (time.Time, error) {
	if err := s.validateState(); err != nil {
		return time.Time{}, err
	}
	if err := s.validateJob(job); err != nil {
		return time.Time{}, err
	}
	if trigger == nil {
		return time.Time{}, errors.SchedulerMisuse("trigger cannot be nil")
	}
	if trigger.JobKey.IsZero() {
		trigger.JobKey = job.Key
	} else if trigger.JobKey != job.Key {
		return time.Time{}, errors.SchedulerMisuse("trigger %s does not reference given job %s", trigger.Key, job.Key)
	}

	first, err := s.prepareTrigger(ctx, trigger)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreJobAndTrigger(ctx, job, trigger); err != nil {
		return time.Time{}, err
	}

	logger.PulseInfow(s.logger, "Job scheduled",
		logger.FieldJob, job.Key.String(),
		logger.FieldTrigger, trigger.Key.String(),
		logger.FieldNextFireTime, first)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobAdded(job) })
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobScheduled(trigger) })
	s.signalSchedulingChange(trigger.NextFireTime, true)
	return first, nil
}

// ScheduleTrigger stores a trigger for an already stored job.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, trigger *schedule.Trigger) (time.Time, error) {
	if err := s.validateState(); err != nil {
		return time.Time{}, err
	}
	if trigger == nil {
		return time.Time{}, errors.SchedulerMisuse("trigger cannot be nil")
	}
	first, err := s.prepareTrigger(ctx, trigger)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreTrigger(ctx, trigger, false); err != nil {
		return time.Time{}, err
	}

	logger.PulseInfow(s.logger, "Trigger scheduled",
		logger.FieldJob, trigger.JobKey.String(),
		logger.FieldTrigger, trigger.Key.String(),
		logger.FieldNextFireTime, first)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobScheduled(trigger) })
	s.signalSchedulingChange(trigger.NextFireTime, true)
	return first, nil
}

// ScheduleJobWithTriggers stores job with all of triggers at once. With
// replace set, existing jobs and triggers with the same keys are overwritten.
func (s *Scheduler) ScheduleJobWithTriggers(ctx context.Context, job *schedule.JobDetail, triggers []*schedule.Trigger, replace bool) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.validateJob(job); err != nil {
		return err
	}
	if len(triggers) == 0 && !job.Durable {
		return nonDurableError(job)
	}
	var earliest *time.Time
	for _, t := range triggers {
		if t == nil {
			return errors.SchedulerMisuse("trigger cannot be nil")
		}
		if t.JobKey.IsZero() {
			t.JobKey = job.Key
		} else if t.JobKey != job.Key {
			return errors.SchedulerMisuse("trigger %s does not reference given job %s", t.Key, job.Key)
		}
		first, err := s.prepareTrigger(ctx, t)
		if err != nil {
			return err
		}
		if earliest == nil || first.Before(*earliest) {
			earliest = &first
		}
	}

	err := s.store.StoreJobsAndTriggers(ctx, map[*schedule.JobDetail][]*schedule.Trigger{job: triggers}, replace)
	if err != nil {
		return err
	}

	logger.PulseInfow(s.logger, "Job scheduled",
		logger.FieldJob, job.Key.String(),
		logger.FieldCount, len(triggers),
		logger.FieldNextFireTime, earliest)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobAdded(job) })
	for _, t := range triggers {
		t := t
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobScheduled(t) })
	}
	s.signalSchedulingChange(earliest, true)
	return nil
}

type addJobOptions struct {
	allowNonDurable bool
}

// AddJobOption modifies AddJob.
type AddJobOption func(*addJobOptions)

// StoreNonDurableWhileAwaitingScheduling lets AddJob store a non-durable
// job whose trigger will be scheduled separately. The job is still deleted
// once it has triggers and the last of them goes away.
func StoreNonDurableWhileAwaitingScheduling() AddJobOption {
	return func(o *addJobOptions) { o.allowNonDurable = true }
}

// AddJob stores a job without a trigger. The job must be durable unless
// StoreNonDurableWhileAwaitingScheduling is given.
func (s *Scheduler) AddJob(ctx context.Context, job *schedule.JobDetail, replace bool, opts ...AddJobOption) error {
	if err := s.validateState(); err != nil {
		return err
	}
	var o addJobOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if !job.Durable && !o.allowNonDurable {
		return nonDurableError(job)
	}
	if err := s.validateJob(job); err != nil {
		return err
	}
	if err := s.store.StoreJob(ctx, job, replace); err != nil {
		return err
	}
	logger.PulseInfow(s.logger, "Job added", logger.FieldJob, job.Key.String(), "replace", replace)
	s.signalSchedulingChange(nil, false)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobAdded(job) })
	return nil
}

func nonDurableError(job *schedule.JobDetail) error {
	return errors.WithHint(
		errors.SchedulerMisuse("Jobs added with no trigger must be durable. job= '%s'", job.Key),
		"call StoreDurably(true) on the job or schedule it together with a trigger")
}

// DeleteJob removes a job and all of its triggers.
func (s *Scheduler) DeleteJob(ctx context.Context, key schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	triggers, err := s.store.GetTriggersForJob(ctx, key)
	if err != nil {
		return false, err
	}
	removed, err := s.store.RemoveJob(ctx, key, true)
	if err != nil {
		return false, err
	}
	for _, t := range triggers {
		tk := t.Key
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobUnscheduled(tk) })
	}
	if removed {
		logger.PulseInfow(s.logger, "Job deleted", logger.FieldJob, key.String(), logger.FieldCount, len(triggers))
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobDeleted(key) })
		s.signalSchedulingChange(nil, true)
	}
	return removed, nil
}

// DeleteJobs removes several jobs. It reports whether all of them existed.
func (s *Scheduler) DeleteJobs(ctx context.Context, keys []schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	all := true
	for _, k := range keys {
		removed, err := s.DeleteJob(ctx, k)
		if err != nil {
			return false, err
		}
		all = all && removed
	}
	return all, nil
}

// UnscheduleJob removes a trigger. A non-durable job left without
// triggers is removed with it.
func (s *Scheduler) UnscheduleJob(ctx context.Context, triggerKey schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	removed, err := s.store.RemoveTrigger(ctx, triggerKey)
	if err != nil {
		return false, err
	}
	if removed {
		logger.PulseInfow(s.logger, "Trigger unscheduled", logger.FieldTrigger, triggerKey.String())
		s.signalSchedulingChange(nil, true)
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobUnscheduled(triggerKey) })
	}
	return removed, nil
}

// UnscheduleJobs removes several triggers. It reports whether all of them existed.
func (s *Scheduler) UnscheduleJobs(ctx context.Context, keys []schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	all := true
	for _, k := range keys {
		removed, err := s.UnscheduleJob(ctx, k)
		if err != nil {
			return false, err
		}
		all = all && removed
	}
	return all, nil
}

// RescheduleJob replaces the trigger stored under triggerKey with
// newTrigger, which fires the same job. It returns nil when no trigger was
// stored under triggerKey.
func (s *Scheduler) RescheduleJob(ctx context.Context, triggerKey schedule.Key, newTrigger *schedule.Trigger) (*time.Time, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	if newTrigger == nil {
		return nil, errors.SchedulerMisuse("new trigger cannot be nil")
	}
	old, err := s.store.RetrieveTrigger(ctx, triggerKey)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, nil
	}
	newTrigger.JobKey = old.JobKey

	first, err := s.prepareTrigger(ctx, newTrigger)
	if err != nil {
		return nil, err
	}
	replaced, err := s.store.ReplaceTrigger(ctx, triggerKey, newTrigger)
	if err != nil {
		return nil, err
	}
	if !replaced {
		return nil, nil
	}

	logger.PulseInfow(s.logger, "Job rescheduled",
		logger.FieldTrigger, triggerKey.String(),
		"new_trigger", newTrigger.Key.String(),
		logger.FieldNextFireTime, first)
	s.signalSchedulingChange(newTrigger.NextFireTime, true)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobUnscheduled(triggerKey) })
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobScheduled(newTrigger) })
	return &first, nil
}

// TriggerJob fires a stored job now with a one-shot trigger in the
// MANUAL_TRIGGER group. data overlays the job's data for this fire.
func (s *Scheduler) TriggerJob(ctx context.Context, jobKey schedule.Key, data schedule.JobDataMap) error {
	if err := s.validateState(); err != nil {
		return err
	}
	exists, err := s.store.CheckJobExists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		return errors.NewNotFoundError("job %s does not exist", jobKey)
	}

	for attempt := 1; ; attempt++ {
		b := schedule.NewTrigger(manualTriggerName(), schedule.ManualTriggerGroup).
			ForJob(jobKey).
			StartAt(s.clock.Now())
		for k, v := range data {
			b.UsingJobData(k, v)
		}
		t := b.Build()
		t.ComputeFirstFireTime(nil)

		err := s.store.StoreTrigger(ctx, t, false)
		if errors.IsObjectAlreadyExists(err) && attempt < manualTriggerAttempts {
			continue
		}
		if err != nil {
			return err
		}
		logger.PulseInfow(s.logger, "Job triggered manually",
			logger.FieldJob, jobKey.String(), logger.FieldTrigger, t.Key.String())
		s.signalSchedulingChange(t.NextFireTime, true)
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobScheduled(t) })
		return nil
	}
}

func manualTriggerName() string {
	return "MT_" + uuid.NewString()[:13]
}

// PauseTrigger pauses one trigger.
func (s *Scheduler) PauseTrigger(ctx context.Context, key schedule.Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseTrigger(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, false)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggerPaused(key) })
	return nil
}

// PauseTriggers pauses every trigger in group, and triggers added to the
// group later. It returns the paused group names.
func (s *Scheduler) PauseTriggers(ctx context.Context, group string) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	groups, err := s.store.PauseTriggers(ctx, group)
	if err != nil {
		return nil, err
	}
	s.signalSchedulingChange(nil, false)
	for _, g := range groups {
		g := g
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggersPaused(g) })
	}
	return groups, nil
}

// PauseJob pauses every trigger of a job.
func (s *Scheduler) PauseJob(ctx context.Context, key schedule.Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseJob(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, false)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobPaused(key) })
	return nil
}

// PauseJobs pauses the triggers of every job in group.
func (s *Scheduler) PauseJobs(ctx context.Context, group string) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	groups, err := s.store.PauseJobs(ctx, group)
	if err != nil {
		return nil, err
	}
	s.signalSchedulingChange(nil, false)
	for _, g := range groups {
		g := g
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobsPaused(g) })
	}
	return groups, nil
}

// PauseAll pauses every trigger group, including groups created later.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseAll(ctx); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, false)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggersPaused("") })
	return nil
}

// ResumeTrigger resumes one trigger. Fires missed while paused go through
// misfire handling.
func (s *Scheduler) ResumeTrigger(ctx context.Context, key schedule.Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, true)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggerResumed(key) })
	return nil
}

// ResumeTriggers resumes every trigger in group.
func (s *Scheduler) ResumeTriggers(ctx context.Context, group string) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	groups, err := s.store.ResumeTriggers(ctx, group)
	if err != nil {
		return nil, err
	}
	s.signalSchedulingChange(nil, true)
	for _, g := range groups {
		g := g
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggersResumed(g) })
	}
	return groups, nil
}

// ResumeJob resumes every trigger of a job.
func (s *Scheduler) ResumeJob(ctx context.Context, key schedule.Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeJob(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, true)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobResumed(key) })
	return nil
}

// ResumeJobs resumes the triggers of every job in group.
func (s *Scheduler) ResumeJobs(ctx context.Context, group string) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	groups, err := s.store.ResumeJobs(ctx, group)
	if err != nil {
		return nil, err
	}
	s.signalSchedulingChange(nil, true)
	for _, g := range groups {
		g := g
		s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobsResumed(g) })
	}
	return groups, nil
}

// ResumeAll resumes every trigger and clears all paused groups.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeAll(ctx); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, true)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggersResumed("") })
	return nil
}

// ResetTriggerFromErrorState puts an ERROR trigger back into scheduling.
func (s *Scheduler) ResetTriggerFromErrorState(ctx context.Context, key schedule.Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResetTriggerFromErrorState(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil, true)
	return nil
}

// GetJobDetail returns the stored job, or nil.
func (s *Scheduler) GetJobDetail(ctx context.Context, key schedule.Key) (*schedule.JobDetail, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.RetrieveJob(ctx, key)
}

// GetTrigger returns the stored trigger, or nil.
func (s *Scheduler) GetTrigger(ctx context.Context, key schedule.Key) (*schedule.Trigger, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.RetrieveTrigger(ctx, key)
}

// GetTriggersOfJob lists the triggers that fire a job.
func (s *Scheduler) GetTriggersOfJob(ctx context.Context, jobKey schedule.Key) ([]*schedule.Trigger, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetTriggersForJob(ctx, jobKey)
}

// GetTriggerState reports a trigger's state; StateNone for unknown keys.
func (s *Scheduler) GetTriggerState(ctx context.Context, key schedule.Key) (schedule.TriggerState, error) {
	if err := s.validateState(); err != nil {
		return schedule.StateNone, err
	}
	return s.store.GetTriggerState(ctx, key)
}

// GetJobKeys lists job keys in group, or every job when group is empty.
func (s *Scheduler) GetJobKeys(ctx context.Context, group string) ([]schedule.Key, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetJobKeys(ctx, group)
}

// GetTriggerKeys lists trigger keys in group, or every trigger when group is empty.
func (s *Scheduler) GetTriggerKeys(ctx context.Context, group string) ([]schedule.Key, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetTriggerKeys(ctx, group)
}

// GetJobGroupNames lists job groups.
func (s *Scheduler) GetJobGroupNames(ctx context.Context) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetJobGroupNames(ctx)
}

// GetTriggerGroupNames lists trigger groups.
func (s *Scheduler) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetTriggerGroupNames(ctx)
}

// GetPausedTriggerGroups lists paused trigger groups.
func (s *Scheduler) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetPausedTriggerGroups(ctx)
}

// CheckJobExists reports whether a job is stored under key.
func (s *Scheduler) CheckJobExists(ctx context.Context, key schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	return s.store.CheckJobExists(ctx, key)
}

// CheckTriggerExists reports whether a trigger is stored under key.
func (s *Scheduler) CheckTriggerExists(ctx context.Context, key schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	return s.store.CheckTriggerExists(ctx, key)
}

// Clear deletes all jobs, triggers and calendars.
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ClearAllSchedulingData(ctx); err != nil {
		return err
	}
	logger.PulseWarnw(s.logger, "All scheduling data cleared")
	s.signalSchedulingChange(nil, true)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulingDataCleared() })
	return nil
}

// AddCalendar stores cal under name. With updateTriggers set, triggers
// using the calendar get their next fire times recomputed.
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if name == "" {
		return errors.SchedulerMisuse("calendar name cannot be empty")
	}
	if cal == nil {
		return errors.SchedulerMisuse("calendar %q cannot be nil", name)
	}
	if err := s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers); err != nil {
		return err
	}
	logger.PulseInfow(s.logger, "Calendar stored", logger.FieldCalendar, name, "update_triggers", updateTriggers)
	if updateTriggers {
		s.signalSchedulingChange(nil, true)
	}
	return nil
}

// DeleteCalendar removes a calendar. It fails while triggers reference it.
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	return s.store.RemoveCalendar(ctx, name)
}

// GetCalendar returns the calendar stored under name, or nil.
func (s *Scheduler) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.RetrieveCalendar(ctx, name)
}

// GetCalendarNames lists stored calendars.
func (s *Scheduler) GetCalendarNames(ctx context.Context) ([]string, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.GetCalendarNames(ctx)
}

// NextFireTime is the earliest fire time of any waiting trigger, nil when
// nothing is scheduled.
func (s *Scheduler) NextFireTime(ctx context.Context) (*time.Time, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	return s.store.EarliestFireTime(ctx)
}

func (s *Scheduler) validateJob(job *schedule.JobDetail) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if !s.registry.Has(job.JobType) {
		return errors.WithHint(
			errors.SchedulerMisuse("job %s has unregistered job type %q", job.Key, job.JobType),
			"register the type with the scheduler's JobRegistry first")
	}
	return nil
}

// prepareTrigger validates t and computes its first fire time against its
// calendar.
func (s *Scheduler) prepareTrigger(ctx context.Context, t *schedule.Trigger) (time.Time, error) {
	if err := t.Validate(); err != nil {
		return time.Time{}, err
	}
	var cal calendar.Calendar
	if t.CalendarName != "" {
		c, err := s.store.RetrieveCalendar(ctx, t.CalendarName)
		if err != nil {
			return time.Time{}, err
		}
		if c == nil {
			return time.Time{}, errors.SchedulerMisuse("calendar not found: %s", t.CalendarName)
		}
		cal = c
	}
	first := t.ComputeFirstFireTime(cal)
	if first == nil {
		return time.Time{}, errors.SchedulerMisuse("based on configured schedule, the given trigger '%s' will never fire", t.Key)
	}
	return *first, nil
}
