package jobstore

import (
	"context"
	"time"

	"github.com/teranos/pulse/schedule"
)

func (s *SQLStore) pauseTrigger(tx *txn, key schedule.Key) error {
	state, err := tx.selectTriggerState(key)
	if err != nil {
		return err
	}
	switch state {
	case schedule.StateWaiting, schedule.StateAcquired, schedule.StateBlocked, schedule.StateExecuting:
		_, err = tx.updateTriggerStateFrom(key, state.Paused(), state)
	}
	return err
}

func (s *SQLStore) pauseGroup(tx *txn, group string) error {
	if err := tx.updateGroupTriggerStatesFrom(group, schedule.StatePaused,
		schedule.StateWaiting, schedule.StateAcquired); err != nil {
		return err
	}
	if err := tx.updateGroupTriggerStatesFrom(group, schedule.StatePausedBlocked,
		schedule.StateBlocked, schedule.StateExecuting); err != nil {
		return err
	}
	return tx.insertPausedGroup(group)
}

func (s *SQLStore) pauseJob(tx *txn, key schedule.Key) error {
	keys, err := tx.selectTriggerKeysForJob(key)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.pauseTrigger(tx, k); err != nil {
			return err
		}
	}
	return nil
}

// PauseTrigger implements JobStore.
func (s *SQLStore) PauseTrigger(ctx context.Context, key schedule.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.pauseTrigger(tx, key)
	})
}

// PauseTriggers implements JobStore.
func (s *SQLStore) PauseTriggers(ctx context.Context, group string) ([]string, error) {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.pauseGroup(tx, group)
	})
	if err != nil {
		return nil, err
	}
	return []string{group}, nil
}

// PauseJob implements JobStore.
func (s *SQLStore) PauseJob(ctx context.Context, key schedule.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.pauseJob(tx, key)
	})
}

// PauseJobs implements JobStore.
func (s *SQLStore) PauseJobs(ctx context.Context, group string) ([]string, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) ([]string, error) {
		keys, err := tx.selectJobKeys(group)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := s.pauseJob(tx, k); err != nil {
				return nil, err
			}
		}
		if len(keys) == 0 {
			return []string{}, nil
		}
		return []string{group}, nil
	})
}

// PauseAll implements JobStore.
func (s *SQLStore) PauseAll(ctx context.Context) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		groups, err := tx.selectTriggerGroups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := s.pauseGroup(tx, g); err != nil {
				return err
			}
		}
		return tx.insertPausedGroup(AllGroupsPaused)
	})
}

// resumeTrigger returns a paused trigger to scheduling. A fire time that
// passed while paused goes through misfire handling.
func (s *SQLStore) resumeTrigger(tx *txn, key schedule.Key, now time.Time) error {
	tr, state, err := tx.selectTrigger(key)
	if err != nil || tr == nil || !state.IsPaused() {
		return err
	}
	blocked, err := tx.jobBlocked(tr.JobKey)
	if err != nil {
		return err
	}
	own, err := tx.triggerExecuting(key)
	if err != nil {
		return err
	}
	next := resumedState(state, blocked, own)
	if next == schedule.StateWaiting && tr.IsMisfired(now, s.opts.MisfireThreshold) {
		changed, err := s.updateMisfiredTrigger(tx, tr, next, now)
		if err != nil {
			return err
		}
		if changed {
			tx.n.schedulingChange(tr.NextFireTime)
			return nil
		}
	}
	if _, err := tx.updateTriggerStateFrom(key, next, state); err != nil {
		return err
	}
	tx.n.schedulingChange(tr.NextFireTime)
	return nil
}

func (s *SQLStore) resumeGroup(tx *txn, group string, now time.Time) error {
	if err := tx.deletePausedGroup(group); err != nil {
		return err
	}
	keys, err := tx.selectTriggerKeys(group)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.resumeTrigger(tx, k, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) resumeJob(tx *txn, key schedule.Key, now time.Time) error {
	keys, err := tx.selectTriggerKeysForJob(key)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.resumeTrigger(tx, k, now); err != nil {
			return err
		}
	}
	return nil
}

// ResumeTrigger implements JobStore.
func (s *SQLStore) ResumeTrigger(ctx context.Context, key schedule.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.resumeTrigger(tx, key, s.opts.Clock.Now())
	})
}

// ResumeTriggers implements JobStore.
func (s *SQLStore) ResumeTriggers(ctx context.Context, group string) ([]string, error) {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.resumeGroup(tx, group, s.opts.Clock.Now())
	})
	if err != nil {
		return nil, err
	}
	return []string{group}, nil
}

// ResumeJob implements JobStore.
func (s *SQLStore) ResumeJob(ctx context.Context, key schedule.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		return s.resumeJob(tx, key, s.opts.Clock.Now())
	})
}

// ResumeJobs implements JobStore.
func (s *SQLStore) ResumeJobs(ctx context.Context, group string) ([]string, error) {
	return inLockValue(ctx, s, LockTriggerAccess, func(tx *txn) ([]string, error) {
		keys, err := tx.selectJobKeys(group)
		if err != nil {
			return nil, err
		}
		now := s.opts.Clock.Now()
		for _, k := range keys {
			if err := s.resumeJob(tx, k, now); err != nil {
				return nil, err
			}
		}
		if len(keys) == 0 {
			return []string{}, nil
		}
		return []string{group}, nil
	})
}

// ResumeAll implements JobStore.
func (s *SQLStore) ResumeAll(ctx context.Context) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		groups, err := tx.selectTriggerGroups()
		if err != nil {
			return err
		}
		now := s.opts.Clock.Now()
		for _, g := range groups {
			if err := s.resumeGroup(tx, g, now); err != nil {
				return err
			}
		}
		_, err = tx.exec(`DELETE FROM sched_paused_trigger_grps WHERE sched_name = ?`, tx.sched)
		return err
	})
}

// ResetTriggerFromErrorState implements JobStore.
func (s *SQLStore) ResetTriggerFromErrorState(ctx context.Context, key schedule.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *txn) error {
		tr, state, err := tx.selectTrigger(key)
		if err != nil || tr == nil || state != schedule.StateError {
			return err
		}
		next := schedule.StateWaiting
		paused, err := tx.groupPaused(key.Group)
		if err != nil {
			return err
		}
		if paused {
			next = schedule.StatePaused
		}
		blocked, err := tx.jobBlocked(tr.JobKey)
		if err != nil {
			return err
		}
		if blocked {
			if next == schedule.StatePaused {
				next = schedule.StatePausedBlocked
			} else {
				next = schedule.StateBlocked
			}
		}
		if _, err := tx.updateTriggerStateFrom(key, next, schedule.StateError); err != nil {
			return err
		}
		tx.n.schedulingChange(tr.NextFireTime)
		return nil
	})
}
