package jobstore

import (
	"context"
	"time"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// maxAcquireAttempts bounds how often one acquisition re-queries after every
// candidate was lost to another scheduler or excluded.
const maxAcquireAttempts = 3

// AcquireNextTriggers implements JobStore. Candidates move to ACQUIRED with a
// compare-and-set on WAITING, so concurrent schedulers never acquire the same
// trigger twice.
func (s *SQLStore) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*schedule.Trigger, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) ([]*schedule.Trigger, error) {
		return s.acquireNextTriggers(tx, noLaterThan, maxCount, timeWindow)
	})
}

func (s *SQLStore) acquireNextTriggers(tx *txn, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*schedule.Trigger, error) {
	now := s.opts.Clock.Now()
	if err := s.handleMisfires(tx, now); err != nil {
		return nil, err
	}

	var (
		acquired      []*schedule.Trigger
		batchEnd      = noLaterThan
		misfireBefore = now.Add(-s.opts.MisfireThreshold)
		picked        = map[schedule.Key]struct{}{}
		limit         = maxCount + s.opts.MaxMisfiresPerPass
	)
	for attempt := 0; attempt < maxAcquireAttempts && len(acquired) == 0; attempt++ {
		keys, err := tx.selectTriggersToAcquire(misfireBefore, batchEnd, limit)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			if len(acquired) >= maxCount {
				break
			}
			tr, state, err := tx.selectTrigger(key)
			if err != nil {
				return nil, err
			}
			if tr == nil || state != schedule.StateWaiting || tr.NextFireTime == nil {
				continue
			}
			// only triggers on the millisecond boundary get here
			if tr.IsMisfired(now, s.opts.MisfireThreshold) {
				if _, err := s.updateMisfiredTrigger(tx, tr, schedule.StateWaiting, now); err != nil {
					return nil, err
				}
				if tr.NextFireTime == nil {
					continue
				}
			}
			if tr.NextFireTime.After(batchEnd) {
				continue
			}
			job, err := tx.selectJob(tr.JobKey)
			if err != nil {
				return nil, err
			}
			if job == nil {
				s.log.Warnw("Trigger references a missing job", logger.FieldTrigger, key.String(), logger.FieldJob, tr.JobKey.String())
				continue
			}
			if job.ConcurrentExecutionDisallowed {
				if _, dup := picked[job.Key]; dup {
					continue
				}
			}
			ok, err := tx.updateTriggerStateFrom(key, schedule.StateAcquired, schedule.StateWaiting)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if job.ConcurrentExecutionDisallowed {
				picked[job.Key] = struct{}{}
			}
			rec := &FiredTriggerRecord{
				EntryID:          newFireInstanceID(),
				TriggerKey:       key,
				JobKey:           job.Key,
				InstanceID:       s.opts.InstanceID,
				FiredTime:        now,
				ScheduledTime:    *tr.NextFireTime,
				Priority:         tr.Priority,
				State:            schedule.FiredAcquired,
				NonConcurrent:    job.ConcurrentExecutionDisallowed,
				RequestsRecovery: job.RequestsRecovery,
			}
			if err := tx.insertFired(rec); err != nil {
				return nil, err
			}
			tr.FireInstanceID = rec.EntryID
			if len(acquired) == 0 {
				batchEnd = maxTime(*tr.NextFireTime, now).Add(timeWindow)
			}
			acquired = append(acquired, tr)
		}
		if len(keys) < limit {
			break
		}
	}
	return acquired, nil
}

// handleMisfires applies misfire instructions to at most MaxMisfiresPerPass
// triggers that fell behind the threshold. When more remain, the scheduler is
// signaled so the next pass follows immediately instead of after idle_wait.
func (s *SQLStore) handleMisfires(tx *txn, now time.Time) error {
	keys, err := tx.selectMisfiredTriggers(now.Add(-s.opts.MisfireThreshold), s.opts.MaxMisfiresPerPass+1)
	if err != nil {
		return err
	}
	more := len(keys) > s.opts.MaxMisfiresPerPass
	if more {
		keys = keys[:s.opts.MaxMisfiresPerPass]
	}
	for _, key := range keys {
		tr, state, err := tx.selectTrigger(key)
		if err != nil {
			return err
		}
		if tr == nil || state != schedule.StateWaiting || !tr.IsMisfired(now, s.opts.MisfireThreshold) {
			continue
		}
		if _, err := s.updateMisfiredTrigger(tx, tr, schedule.StateWaiting, now); err != nil {
			return err
		}
	}
	if more {
		s.log.Debugw("More misfired triggers than one pass handles", logger.FieldBatchSize, len(keys))
		tx.n.schedulingChange(nil)
	}
	return nil
}

// ReleaseAcquiredTrigger implements JobStore.
func (s *SQLStore) ReleaseAcquiredTrigger(ctx context.Context, trigger *schedule.Trigger) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		if _, err := tx.updateTriggerStateFrom(trigger.Key, schedule.StateWaiting, schedule.StateAcquired); err != nil {
			return err
		}
		if err := tx.deleteFired(trigger.FireInstanceID); err != nil {
			return err
		}
		tx.n.schedulingChange(trigger.NextFireTime)
		return nil
	})
}

// TriggersFired implements JobStore. A trigger whose stored data cannot be
// decoded is moved to ERROR and reported in its result; any other failure
// aborts the whole batch.
func (s *SQLStore) TriggersFired(ctx context.Context, triggers []*schedule.Trigger) ([]TriggerFiredResult, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) ([]TriggerFiredResult, error) {
		results := make([]TriggerFiredResult, 0, len(triggers))
		for _, t := range triggers {
			bundle, err := s.triggerFired(tx, t)
			if err != nil {
				if !errors.IsJobPersistence(err) {
					return nil, err
				}
				if stateErr := tx.updateTriggerState(t.Key, schedule.StateError); stateErr != nil {
					return nil, stateErr
				}
				if delErr := tx.deleteFired(t.FireInstanceID); delErr != nil {
					return nil, delErr
				}
			}
			results = append(results, TriggerFiredResult{Bundle: bundle, Err: err})
		}
		return results, nil
	})
}

func (s *SQLStore) triggerFired(tx *txn, t *schedule.Trigger) (*TriggerFiredBundle, error) {
	tr, state, err := tx.selectTrigger(t.Key)
	if err != nil || tr == nil || state != schedule.StateAcquired {
		return nil, err
	}
	rec, err := tx.selectFiredByEntry(t.FireInstanceID)
	if err != nil || rec == nil {
		return nil, err
	}
	cal, err := s.calendarFor(tx, tr)
	if err != nil {
		return nil, err
	}
	if tr.CalendarName != "" && cal == nil {
		return nil, nil
	}
	job, err := tx.selectJob(tr.JobKey)
	if err != nil || job == nil {
		return nil, err
	}
	now := s.opts.Clock.Now()

	if tr.IsMisfired(now, s.opts.MisfireThreshold) {
		tx.n.misfired(tr)
		tr.UpdateAfterMisfire(cal, now)
		switch {
		case tr.NextFireTime == nil:
			if err := tx.deleteFired(rec.EntryID); err != nil {
				return nil, err
			}
			tx.n.finalized(tr)
			return nil, tx.updateTrigger(tr, schedule.StateComplete)
		case tr.NextFireTime.After(now):
			if err := tx.deleteFired(rec.EntryID); err != nil {
				return nil, err
			}
			tx.n.schedulingChange(tr.NextFireTime)
			return nil, tx.updateTrigger(tr, schedule.StateWaiting)
		}
	}

	scheduled := *tr.NextFireTime
	rec.State = schedule.FiredExecuting
	rec.InstanceID = s.opts.InstanceID
	rec.FiredTime = now
	rec.ScheduledTime = scheduled
	rec.JobKey = job.Key
	rec.NonConcurrent = job.ConcurrentExecutionDisallowed
	rec.RequestsRecovery = job.RequestsRecovery
	if err := tx.updateFired(rec); err != nil {
		return nil, err
	}

	prev := tr.PreviousFireTime
	tr.Triggered(cal)

	if job.ConcurrentExecutionDisallowed {
		if err := tx.updateJobTriggerStatesFrom(job.Key, schedule.StateBlocked, schedule.StateWaiting, schedule.StateAcquired); err != nil {
			return nil, err
		}
		if err := tx.updateJobTriggerStatesFrom(job.Key, schedule.StatePausedBlocked, schedule.StatePaused); err != nil {
			return nil, err
		}
	}
	if err := tx.updateTrigger(tr, firedState(job, tr)); err != nil {
		return nil, err
	}

	tr.FireInstanceID = t.FireInstanceID
	next := tr.Clone().NextFireTime
	return &TriggerFiredBundle{
		Job:               job,
		Trigger:           tr,
		Calendar:          cal,
		Recovering:        tr.Key.Group == schedule.RecoveringJobsGroup,
		FireTime:          now,
		ScheduledFireTime: scheduled,
		PrevFireTime:      prev,
		NextFireTime:      next,
	}, nil
}

// TriggeredJobComplete implements JobStore. It is idempotent so that the
// caller may retry it after a transient failure.
func (s *SQLStore) TriggeredJobComplete(ctx context.Context, trigger *schedule.Trigger, job *schedule.JobDetail, instruction schedule.CompletedExecutionInstruction) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		if err := tx.deleteFired(trigger.FireInstanceID); err != nil {
			return err
		}

		stored, err := tx.selectJob(job.Key)
		if err != nil {
			return err
		}
		if stored != nil {
			if stored.PersistJobDataAfterExecution {
				if err := tx.updateJobData(job.Key, job.JobData); err != nil {
					return err
				}
			}
			if stored.ConcurrentExecutionDisallowed {
				if err := tx.updateJobTriggerStatesFrom(job.Key, schedule.StateWaiting, schedule.StateBlocked); err != nil {
					return err
				}
				if err := tx.updateJobTriggerStatesFrom(job.Key, schedule.StatePaused, schedule.StatePausedBlocked); err != nil {
					return err
				}
				tx.n.schedulingChange(nil)
			}
		}

		tr, state, err := tx.selectTrigger(trigger.Key)
		if err != nil {
			return err
		}
		if tr != nil && state == schedule.StateExecuting {
			executing, err := tx.triggerExecuting(trigger.Key)
			if err != nil {
				return err
			}
			if !executing {
				if err := tx.updateTriggerState(trigger.Key, completedState(tr)); err != nil {
					return err
				}
			}
		}

		switch instruction {
		case schedule.InstructionDeleteTrigger:
			if tr == nil {
				break
			}
			if trigger.NextFireTime == nil && tr.NextFireTime != nil {
				// rescheduled while the job ran
				break
			}
			if _, err := s.removeTrigger(tx, trigger.Key, true); err != nil {
				return err
			}
			tx.n.finalized(trigger)
			tx.n.schedulingChange(nil)
		case schedule.InstructionSetTriggerComplete:
			if err := tx.updateTriggerState(trigger.Key, schedule.StateComplete); err != nil {
				return err
			}
			tx.n.finalized(trigger)
			tx.n.schedulingChange(nil)
		case schedule.InstructionSetTriggerError:
			s.log.Warnw("Trigger set to ERROR state", logger.FieldTrigger, trigger.Key.String(), logger.FieldJob, job.Key.String())
			if err := tx.updateTriggerState(trigger.Key, schedule.StateError); err != nil {
				return err
			}
			tx.n.schedulingChange(nil)
		case schedule.InstructionSetAllJobTriggersComplete:
			if err := tx.updateJobTriggerStates(job.Key, schedule.StateComplete); err != nil {
				return err
			}
			tx.n.schedulingChange(nil)
		case schedule.InstructionSetAllJobTriggersError:
			s.log.Warnw("All triggers of job set to ERROR state", logger.FieldJob, job.Key.String())
			if err := tx.updateJobTriggerStates(job.Key, schedule.StateError); err != nil {
				return err
			}
			tx.n.schedulingChange(nil)
		}
		return nil
	})
}
