package jobstore

import (
	"context"
	"time"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

func (s *SQLStore) calendarFor(tx *txn, tr *schedule.Trigger) (calendar.Calendar, error) {
	if tr.CalendarName == "" {
		return nil, nil
	}
	return tx.selectCalendar(tr.CalendarName)
}

func (s *SQLStore) storeJob(tx *txn, job *schedule.JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	exists, err := tx.jobExists(job.Key)
	if err != nil {
		return err
	}
	if exists {
		if !replace {
			return errors.ObjectAlreadyExists("job", job.Key)
		}
		return tx.updateJob(job)
	}
	return tx.insertJob(job)
}

// storeTrigger writes tr with state. Unless force is set, state is adjusted
// for a paused group or a blocked non-concurrent job.
func (s *SQLStore) storeTrigger(tx *txn, tr *schedule.Trigger, replace bool, state schedule.TriggerState, force bool) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	exists, err := tx.triggerExists(tr.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return errors.ObjectAlreadyExists("trigger", tr.Key)
	}
	job, err := tx.selectJob(tr.JobKey)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.NewJobPersistence("the job (%s) referenced by the trigger does not exist", tr.JobKey)
	}
	if !force {
		paused, err := tx.groupPaused(tr.Key.Group)
		if err != nil {
			return err
		}
		if paused && (state == schedule.StateWaiting || state == schedule.StateAcquired) {
			state = schedule.StatePaused
		}
		if job.ConcurrentExecutionDisallowed {
			blocked, err := tx.jobBlocked(job.Key)
			if err != nil {
				return err
			}
			if blocked {
				if state == schedule.StatePaused {
					state = schedule.StatePausedBlocked
				} else if state == schedule.StateWaiting {
					state = schedule.StateBlocked
				}
			}
		}
	}
	if exists {
		return tx.updateTrigger(tr, state)
	}
	return tx.insertTrigger(tr, state)
}

// removeTrigger deletes a trigger. With deleteOrphanedJob, a non-durable
// job left without triggers goes too.
func (s *SQLStore) removeTrigger(tx *txn, key schedule.Key, deleteOrphanedJob bool) (bool, error) {
	tr, _, err := tx.selectTrigger(key)
	if err != nil || tr == nil {
		return false, err
	}
	if _, err := tx.deleteTrigger(key); err != nil {
		return false, err
	}
	if !deleteOrphanedJob {
		return true, nil
	}
	job, err := tx.selectJob(tr.JobKey)
	if err != nil || job == nil || job.Durable {
		return true, err
	}
	n, err := tx.countTriggersForJob(job.Key)
	if err != nil || n > 0 {
		return true, err
	}
	if _, err := tx.deleteJob(job.Key); err != nil {
		return true, err
	}
	tx.n.jobDeleted(job.Key)
	return true, nil
}

func (s *SQLStore) removeJob(tx *txn, key schedule.Key, cascade bool) (bool, error) {
	keys, err := tx.selectTriggerKeysForJob(key)
	if err != nil {
		return false, err
	}
	if len(keys) > 0 && !cascade {
		return false, errors.NewJobPersistence("job %s is still referenced by %d trigger(s)", key, len(keys))
	}
	for _, k := range keys {
		if _, err := tx.deleteTrigger(k); err != nil {
			return false, err
		}
	}
	return tx.deleteJob(key)
}

// StoreJobAndTrigger implements JobStore.
func (s *SQLStore) StoreJobAndTrigger(ctx context.Context, job *schedule.JobDetail, trigger *schedule.Trigger) error {
	if trigger.JobKey != job.Key {
		return errors.NewInvalidRequestError("trigger %s does not reference job %s", trigger.Key, job.Key)
	}
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		if err := s.storeJob(tx, job, false); err != nil {
			return err
		}
		return s.storeTrigger(tx, trigger, false, schedule.StateWaiting, false)
	})
}

// StoreJob implements JobStore.
func (s *SQLStore) StoreJob(ctx context.Context, job *schedule.JobDetail, replace bool) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.storeJob(tx, job, replace)
	})
}

// StoreJobsAndTriggers implements JobStore. The whole set is stored in one
// transaction.
func (s *SQLStore) StoreJobsAndTriggers(ctx context.Context, jobs map[*schedule.JobDetail][]*schedule.Trigger, replace bool) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		for job, triggers := range jobs {
			if err := s.storeJob(tx, job, replace); err != nil {
				return err
			}
			for _, t := range triggers {
				if err := s.storeTrigger(tx, t, replace, schedule.StateWaiting, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RemoveJob implements JobStore.
func (s *SQLStore) RemoveJob(ctx context.Context, key schedule.Key, cascade bool) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		return s.removeJob(tx, key, cascade)
	})
}

// RemoveJobs implements JobStore.
func (s *SQLStore) RemoveJobs(ctx context.Context, keys []schedule.Key) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		all := true
		for _, k := range keys {
			found, err := s.removeJob(tx, k, true)
			if err != nil {
				return false, err
			}
			all = all && found
		}
		return all, nil
	})
}

// RetrieveJob implements JobStore.
func (s *SQLStore) RetrieveJob(ctx context.Context, key schedule.Key) (*schedule.JobDetail, error) {
	j, err := s.read(ctx).selectJob(key)
	return j, persistenceError(err, "retrieve job")
}

// StoreTrigger implements JobStore.
func (s *SQLStore) StoreTrigger(ctx context.Context, trigger *schedule.Trigger, replace bool) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.storeTrigger(tx, trigger, replace, schedule.StateWaiting, false)
	})
}

// RemoveTrigger implements JobStore.
func (s *SQLStore) RemoveTrigger(ctx context.Context, key schedule.Key) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		return s.removeTrigger(tx, key, true)
	})
}

// RemoveTriggers implements JobStore.
func (s *SQLStore) RemoveTriggers(ctx context.Context, keys []schedule.Key) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		all := true
		for _, k := range keys {
			found, err := s.removeTrigger(tx, k, true)
			if err != nil {
				return false, err
			}
			all = all && found
		}
		return all, nil
	})
}

// ReplaceTrigger implements JobStore.
func (s *SQLStore) ReplaceTrigger(ctx context.Context, key schedule.Key, trigger *schedule.Trigger) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		old, _, err := tx.selectTrigger(key)
		if err != nil || old == nil {
			return false, err
		}
		if trigger.JobKey != old.JobKey {
			return false, errors.NewJobPersistence("new trigger %s is not related to the same job as the old trigger %s", trigger.Key, key)
		}
		if _, err := s.removeTrigger(tx, key, false); err != nil {
			return false, err
		}
		return true, s.storeTrigger(tx, trigger, false, schedule.StateWaiting, false)
	})
}

// RetrieveTrigger implements JobStore.
func (s *SQLStore) RetrieveTrigger(ctx context.Context, key schedule.Key) (*schedule.Trigger, error) {
	tr, _, err := s.read(ctx).selectTrigger(key)
	return tr, persistenceError(err, "retrieve trigger")
}

// CheckJobExists implements JobStore.
func (s *SQLStore) CheckJobExists(ctx context.Context, key schedule.Key) (bool, error) {
	ok, err := s.read(ctx).jobExists(key)
	return ok, persistenceError(err, "check job exists")
}

// CheckTriggerExists implements JobStore.
func (s *SQLStore) CheckTriggerExists(ctx context.Context, key schedule.Key) (bool, error) {
	ok, err := s.read(ctx).triggerExists(key)
	return ok, persistenceError(err, "check trigger exists")
}

// ClearAllSchedulingData implements JobStore.
func (s *SQLStore) ClearAllSchedulingData(ctx context.Context) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		if err := tx.clearAll(); err != nil {
			return err
		}
		tx.n.schedulingChange(nil)
		return nil
	})
}

// StoreCalendar implements JobStore.
func (s *SQLStore) StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	if name == "" || cal == nil {
		return errors.NewInvalidRequestError("calendar name and calendar are required")
	}
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		exists, err := tx.calendarExists(name)
		if err != nil {
			return err
		}
		if exists && !replace {
			return errors.ObjectAlreadyExists("calendar", calendarName(name))
		}
		if err := tx.upsertCalendar(name, cal, exists); err != nil {
			return err
		}
		if !updateTriggers {
			return nil
		}
		triggers, states, err := tx.selectTriggers("calendar_name = ?", name)
		if err != nil {
			return err
		}
		now := s.opts.Clock.Now()
		for i, tr := range triggers {
			tr.UpdateWithNewCalendar(cal, now, s.opts.MisfireThreshold)
			if err := tx.updateTrigger(tr, states[i]); err != nil {
				return err
			}
		}
		tx.n.schedulingChange(nil)
		return nil
	})
}

// RemoveCalendar implements JobStore.
func (s *SQLStore) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (bool, error) {
		n, err := tx.count(`SELECT COUNT(*) FROM sched_triggers WHERE sched_name = ? AND calendar_name = ?`, tx.sched, name)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, errors.NewJobPersistence("calendar %q cannot be removed while %d trigger(s) reference it", name, n)
		}
		deleted, err := tx.execCount(`DELETE FROM sched_calendars WHERE sched_name = ? AND calendar_name = ?`, tx.sched, name)
		return deleted > 0, err
	})
}

// RetrieveCalendar implements JobStore.
func (s *SQLStore) RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	cal, err := s.read(ctx).selectCalendar(name)
	return cal, persistenceError(err, "retrieve calendar")
}

// GetCalendarNames implements JobStore.
func (s *SQLStore) GetCalendarNames(ctx context.Context) ([]string, error) {
	tx := s.read(ctx)
	names, err := tx.stringColumn(`SELECT calendar_name FROM sched_calendars WHERE sched_name = ? ORDER BY calendar_name`, tx.sched)
	return names, persistenceError(err, "list calendars")
}

// NumberOfJobs implements JobStore.
func (s *SQLStore) NumberOfJobs(ctx context.Context) (int, error) {
	tx := s.read(ctx)
	n, err := tx.count(`SELECT COUNT(*) FROM sched_jobs WHERE sched_name = ?`, tx.sched)
	return n, persistenceError(err, "count jobs")
}

// NumberOfTriggers implements JobStore.
func (s *SQLStore) NumberOfTriggers(ctx context.Context) (int, error) {
	tx := s.read(ctx)
	n, err := tx.count(`SELECT COUNT(*) FROM sched_triggers WHERE sched_name = ?`, tx.sched)
	return n, persistenceError(err, "count triggers")
}

// NumberOfCalendars implements JobStore.
func (s *SQLStore) NumberOfCalendars(ctx context.Context) (int, error) {
	tx := s.read(ctx)
	n, err := tx.count(`SELECT COUNT(*) FROM sched_calendars WHERE sched_name = ?`, tx.sched)
	return n, persistenceError(err, "count calendars")
}

// GetJobKeys implements JobStore.
func (s *SQLStore) GetJobKeys(ctx context.Context, group string) ([]schedule.Key, error) {
	keys, err := s.read(ctx).selectJobKeys(group)
	return keys, persistenceError(err, "list job keys")
}

// GetTriggerKeys implements JobStore.
func (s *SQLStore) GetTriggerKeys(ctx context.Context, group string) ([]schedule.Key, error) {
	keys, err := s.read(ctx).selectTriggerKeys(group)
	return keys, persistenceError(err, "list trigger keys")
}

// GetJobGroupNames implements JobStore.
func (s *SQLStore) GetJobGroupNames(ctx context.Context) ([]string, error) {
	tx := s.read(ctx)
	names, err := tx.stringColumn(`SELECT DISTINCT job_group FROM sched_jobs WHERE sched_name = ? ORDER BY job_group`, tx.sched)
	return names, persistenceError(err, "list job groups")
}

func (t *txn) selectTriggerGroups() ([]string, error) {
	return t.stringColumn(`SELECT DISTINCT trigger_group FROM sched_triggers WHERE sched_name = ? ORDER BY trigger_group`, t.sched)
}

// GetTriggerGroupNames implements JobStore.
func (s *SQLStore) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	names, err := s.read(ctx).selectTriggerGroups()
	return names, persistenceError(err, "list trigger groups")
}

// GetTriggersForJob implements JobStore.
func (s *SQLStore) GetTriggersForJob(ctx context.Context, jobKey schedule.Key) ([]*schedule.Trigger, error) {
	triggers, _, err := s.read(ctx).selectTriggersForJob(jobKey)
	return triggers, persistenceError(err, "list triggers of job")
}

// GetTriggerState implements JobStore.
func (s *SQLStore) GetTriggerState(ctx context.Context, key schedule.Key) (schedule.TriggerState, error) {
	st, err := s.read(ctx).selectTriggerState(key)
	return st, persistenceError(err, "read trigger state")
}

// GetPausedTriggerGroups implements JobStore.
func (s *SQLStore) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	tx := s.read(ctx)
	names, err := tx.stringColumn(`SELECT trigger_group FROM sched_paused_trigger_grps
		WHERE sched_name = ? AND trigger_group <> ? ORDER BY trigger_group`, tx.sched, AllGroupsPaused)
	return names, persistenceError(err, "list paused groups")
}

// EarliestFireTime implements JobStore.
func (s *SQLStore) EarliestFireTime(ctx context.Context) (*time.Time, error) {
	next, err := s.read(ctx).selectEarliestFireTime()
	return next, persistenceError(err, "read earliest fire time")
}

// updateMisfiredTrigger applies tr's misfire instruction as of now and stores
// it with state, or COMPLETE when it cannot fire again. It reports whether
// the next fire time changed.
func (s *SQLStore) updateMisfiredTrigger(tx *txn, tr *schedule.Trigger, state schedule.TriggerState, now time.Time) (bool, error) {
	cal, err := s.calendarFor(tx, tr)
	if err != nil {
		return false, err
	}
	orig := *tr.NextFireTime
	tx.n.misfired(tr)
	instr := tr.UpdateAfterMisfire(cal, now)
	s.log.Debugw("Handled misfire",
		logger.FieldTrigger, tr.Key.String(),
		logger.FieldScheduledFireTime, orig,
		logger.FieldMisfireInstruction, instr.String(),
		logger.FieldNextFireTime, tr.NextFireTime)
	if tr.NextFireTime == nil {
		if err := tx.updateTrigger(tr, schedule.StateComplete); err != nil {
			return false, err
		}
		tx.n.finalized(tr)
		return true, nil
	}
	if tr.NextFireTime.Equal(orig) {
		return false, nil
	}
	return true, tx.updateTrigger(tr, state)
}
