package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/sym"
)

// Data keys set on recovery triggers. They identify the fire being
// re-executed; times are unix milliseconds.
const (
	RecoveryTriggerName          = "pulse.recovery.trigger_name"
	RecoveryTriggerGroup         = "pulse.recovery.trigger_group"
	RecoveryTriggerFiredTime     = "pulse.recovery.fired_time"
	RecoveryTriggerScheduledTime = "pulse.recovery.scheduled_time"
)

// maintenanceFailureLimit is how many consecutive failed maintenance passes
// are tolerated before the scheduler is told.
const maintenanceFailureLimit = 3

// checkin records this instance as alive and recovers the fires of every
// instance found dead. On the first checkin this instance's own leftovers
// from a previous run count as dead too. It returns the number of fired
// records recovered.
func (s *SQLStore) checkin(ctx context.Context) (int, error) {
	first := s.firstCheckin.Load()
	failed, err := inLockValue(ctx, s, LockStateAccess, func(tx *txn) ([]string, error) {
		failed, err := s.findFailedInstances(tx, first)
		if err != nil {
			return nil, err
		}
		return failed, tx.upsertSchedulerState(s.opts.InstanceID, s.opts.Clock.Now(), s.opts.CheckinInterval)
	})
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 && !first {
		return 0, nil
	}

	recovered, err := inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (int, error) {
		n, err := s.clusterRecover(tx, failed)
		if err != nil || !first {
			return n, err
		}
		return n, s.removeCompleteTriggers(tx)
	})
	if err != nil {
		return 0, err
	}
	s.firstCheckin.Store(false)
	return recovered, nil
}

// findFailedInstances lists instances whose fires must be recovered: those
// that stopped checking in, and those that own fired records without any
// scheduler state row.
func (s *SQLStore) findFailedInstances(tx *txn, first bool) ([]string, error) {
	states, err := tx.selectSchedulerStates()
	if err != nil {
		return nil, err
	}
	owners, err := tx.selectFiredInstances()
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now()
	self := s.opts.InstanceID

	var failed []string
	known := make(map[string]bool, len(states))
	for _, st := range states {
		known[st.InstanceID] = true
		switch {
		case st.InstanceID == self:
			if first {
				failed = append(failed, self)
			}
		case now.Sub(st.LastCheckin) > s.opts.CheckinTimeout:
			failed = append(failed, st.InstanceID)
		}
	}
	for _, owner := range owners {
		if known[owner] {
			continue
		}
		if owner == self && !first {
			continue
		}
		known[owner] = true
		failed = append(failed, owner)
	}
	return failed, nil
}

func (s *SQLStore) clusterRecover(tx *txn, failed []string) (int, error) {
	total := 0
	for _, instance := range failed {
		recs, err := tx.selectFiredByInstance(instance)
		if err != nil {
			return total, err
		}
		if len(recs) > 0 {
			s.log.Warnw(fmt.Sprintf("%s Recovering fires of failed instance", sym.Cluster),
				logger.FieldInstanceID, instance,
				logger.FieldCount, len(recs))
		}
		n, err := s.recoverFiredRecords(tx, recs, instance)
		if err != nil {
			return total, errors.Wrapf(err, "recover instance %s", instance)
		}
		total += n
		if instance != s.opts.InstanceID {
			if err := tx.deleteSchedulerState(instance); err != nil {
				return total, err
			}
		}
	}
	if total > 0 {
		tx.n.schedulingChange(nil)
	}
	return total, nil
}

// recoverFiredRecords releases acquired fires and settles executing ones.
// An executing fire of a job that requests recovery is re-run through a
// one-shot trigger in RECOVERING_JOBS; any other executing fire is dropped.
func (s *SQLStore) recoverFiredRecords(tx *txn, recs []*FiredTriggerRecord, instance string) (int, error) {
	recovered := 0
	for _, rec := range recs {
		if err := tx.deleteFired(rec.EntryID); err != nil {
			return recovered, err
		}
		if rec.State == schedule.FiredAcquired {
			if _, err := tx.updateTriggerStateFrom(rec.TriggerKey, schedule.StateWaiting, schedule.StateAcquired); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}

		if rec.NonConcurrent {
			if err := tx.updateJobTriggerStatesFrom(rec.JobKey, schedule.StateWaiting, schedule.StateBlocked); err != nil {
				return recovered, err
			}
			if err := tx.updateJobTriggerStatesFrom(rec.JobKey, schedule.StatePaused, schedule.StatePausedBlocked); err != nil {
				return recovered, err
			}
		}

		tr, state, err := tx.selectTrigger(rec.TriggerKey)
		if err != nil {
			return recovered, err
		}

		if rec.RequestsRecovery {
			exists, err := tx.jobExists(rec.JobKey)
			if err != nil {
				return recovered, err
			}
			if exists {
				if err := s.injectRecoveryTrigger(tx, rec, tr, instance); err != nil {
					return recovered, err
				}
			} else {
				s.log.Warnw("Job of a recoverable fire no longer exists; fire dropped",
					logger.FieldJob, rec.JobKey.String(),
					logger.FieldTrigger, rec.TriggerKey.String())
			}
		} else {
			s.log.Warnw("Executing fire lost with its instance; job does not request recovery",
				logger.FieldInstanceID, instance,
				logger.FieldJob, rec.JobKey.String(),
				logger.FieldTrigger, rec.TriggerKey.String(),
				logger.FieldScheduledFireTime, rec.ScheduledTime)
		}

		if tr != nil {
			switch {
			case state == schedule.StateExecuting && tr.NextFireTime == nil:
				if _, err := s.removeTrigger(tx, tr.Key, true); err != nil {
					return recovered, err
				}
			case state == schedule.StateExecuting:
				if err := tx.updateTriggerState(tr.Key, schedule.StateWaiting); err != nil {
					return recovered, err
				}
			case state == schedule.StatePausedBlocked:
				if err := tx.updateTriggerState(tr.Key, schedule.StatePaused); err != nil {
					return recovered, err
				}
			}
		}
		recovered++
	}
	return recovered, nil
}

func (s *SQLStore) injectRecoveryTrigger(tx *txn, rec *FiredTriggerRecord, orig *schedule.Trigger, instance string) error {
	now := s.opts.Clock.Now()
	data := schedule.JobDataMap{}
	if orig != nil {
		data = orig.JobData.Clone()
	}
	data[RecoveryTriggerName] = rec.TriggerKey.Name
	data[RecoveryTriggerGroup] = rec.TriggerKey.Group
	data[RecoveryTriggerFiredTime] = toMillis(rec.FiredTime)
	data[RecoveryTriggerScheduledTime] = toMillis(rec.ScheduledTime)

	rt := &schedule.Trigger{
		Key: schedule.NewKey(
			fmt.Sprintf("recover_%s_%d_%d", instance, now.UnixMilli(), s.recoveryCounter.Add(1)),
			schedule.RecoveringJobsGroup),
		JobKey:             rec.JobKey,
		Description:        "recovery of " + rec.TriggerKey.String(),
		JobData:            data,
		Priority:           rec.Priority,
		MisfireInstruction: schedule.MisfireIgnore,
		StartTime:          rec.ScheduledTime,
		Schedule:           schedule.OneShot(),
	}
	rt.ComputeFirstFireTime(nil)
	if err := s.storeTrigger(tx, rt, false, schedule.StateWaiting, false); err != nil {
		return err
	}
	s.log.Infow(fmt.Sprintf("%s Injected recovery trigger", sym.PulseOpen),
		logger.FieldTrigger, rt.Key.String(),
		logger.FieldJob, rec.JobKey.String(),
		logger.FieldScheduledFireTime, rec.ScheduledTime)
	tx.n.schedulingChange(rt.NextFireTime)
	return nil
}

// recoverJobs settles everything a standalone scheduler left in flight when
// it last stopped.
func (s *SQLStore) recoverJobs(ctx context.Context) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		if err := tx.updateAllTriggerStatesFrom(schedule.StateWaiting, schedule.StateAcquired, schedule.StateBlocked); err != nil {
			return err
		}
		if err := tx.updateAllTriggerStatesFrom(schedule.StatePaused, schedule.StatePausedBlocked); err != nil {
			return err
		}
		recs, err := tx.selectFired("1 = 1")
		if err != nil {
			return err
		}
		recovered, err := s.recoverFiredRecords(tx, recs, s.opts.InstanceID)
		if err != nil {
			return err
		}

		keys, err := tx.selectTriggerKeysInState(schedule.StateExecuting)
		if err != nil {
			return err
		}
		for _, k := range keys {
			tr, _, err := tx.selectTrigger(k)
			if err != nil {
				return err
			}
			if tr == nil {
				continue
			}
			if tr.NextFireTime == nil {
				if _, err := s.removeTrigger(tx, k, true); err != nil {
					return err
				}
				continue
			}
			if err := tx.updateTriggerState(k, schedule.StateWaiting); err != nil {
				return err
			}
		}
		if err := s.removeCompleteTriggers(tx); err != nil {
			return err
		}
		s.log.Infow(fmt.Sprintf("%s Recovered in-flight fires", sym.PulseOpen),
			logger.FieldCount, recovered)
		tx.n.schedulingChange(nil)
		return nil
	})
}

func (s *SQLStore) removeCompleteTriggers(tx *txn) error {
	keys, err := tx.selectTriggerKeysInState(schedule.StateComplete)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := s.removeTrigger(tx, k, true); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		s.log.Debugw("Removed complete triggers", logger.FieldCount, len(keys))
	}
	return nil
}

// releaseStaleAcquired returns triggers that were acquired but never fired
// within AcquiredStaleTimeout to WAITING. It returns how many were released.
func (s *SQLStore) releaseStaleAcquired(ctx context.Context) (int, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) (int, error) {
		cutoff := s.opts.Clock.Now().Add(-s.opts.AcquiredStaleTimeout)
		recs, err := tx.selectFired("state = ? AND fired_time < ?", string(schedule.FiredAcquired), toMillis(cutoff))
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			if _, err := tx.updateTriggerStateFrom(rec.TriggerKey, schedule.StateWaiting, schedule.StateAcquired); err != nil {
				return 0, err
			}
			if err := tx.deleteFired(rec.EntryID); err != nil {
				return 0, err
			}
			s.log.Warnw("Released stale acquired trigger",
				logger.FieldTrigger, rec.TriggerKey.String(),
				logger.FieldInstanceID, rec.InstanceID,
				logger.FieldFireInstanceID, rec.EntryID)
		}
		if len(recs) > 0 {
			tx.n.schedulingChange(nil)
		}
		return len(recs), nil
	})
}

func (s *SQLStore) maintainOnce(ctx context.Context) error {
	if s.opts.Clustered {
		if _, err := s.checkin(ctx); err != nil {
			return errors.Wrap(err, "cluster checkin")
		}
	}
	if _, err := s.releaseStaleAcquired(ctx); err != nil {
		return errors.Wrap(err, "release stale acquired triggers")
	}
	return nil
}

// maintain runs checkin and stale-fire release every CheckinInterval until
// ctx is cancelled.
func (s *SQLStore) maintain(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CheckinInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.maintainOnce(ctx)
		if err == nil {
			if failures > 0 {
				s.log.Infow("Store maintenance recovered", logger.FieldFailures, failures)
			}
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		s.log.Errorw("Store maintenance failed",
			logger.FieldError, err,
			logger.FieldFailures, failures)
		if failures == maintenanceFailureLimit {
			if sig := s.currentSignaler(); sig != nil {
				sig.NotifySchedulerListenersError(
					fmt.Sprintf("job store maintenance failed %d times in a row", failures), err)
			}
		}
	}
}
