package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// A batch already due this soon is fired even when a signal reports an
// earlier trigger; re-acquiring would cost more than it saves.
const (
	persistentReacquireCost = 70 * time.Millisecond
	ramReacquireCost        = 7 * time.Millisecond
)

// firingLoop is the single goroutine that acquires due triggers and hands
// them to the thread pool.
type firingLoop struct {
	s      *Scheduler
	logger *zap.SugaredLogger

	mu           sync.Mutex
	paused       bool
	halted       bool
	stateChanged chan struct{} // closed and replaced on pause, resume and halt
	signaled     bool
	signaledNext *time.Time // nil with signaled set means unknown

	wake chan struct{}
	done chan struct{}
}

func newFiringLoop(s *Scheduler) *firingLoop {
	return &firingLoop{
		s:            s,
		logger:       s.logger.Named("loop"),
		paused:       true,
		stateChanged: make(chan struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (l *firingLoop) broadcastStateLocked() {
	close(l.stateChanged)
	l.stateChanged = make(chan struct{})
}

func (l *firingLoop) togglePause(pause bool) {
	l.mu.Lock()
	l.paused = pause
	l.broadcastStateLocked()
	l.mu.Unlock()
}

func (l *firingLoop) halt() {
	l.mu.Lock()
	l.halted = true
	l.broadcastStateLocked()
	l.mu.Unlock()
}

func (l *firingLoop) wait() {
	<-l.done
}

func (l *firingLoop) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *firingLoop) pausedOrHalted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused || l.halted
}

func (l *firingLoop) signalSchedulingChange(candidate *time.Time) {
	l.mu.Lock()
	if !l.signaled || candidate == nil {
		l.signaledNext = nil
		if candidate != nil {
			c := *candidate
			l.signaledNext = &c
		}
	} else if l.signaledNext != nil && candidate.Before(*l.signaledNext) {
		c := *candidate
		l.signaledNext = &c
	}
	l.signaled = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *firingLoop) clearSignaled() {
	l.mu.Lock()
	l.signaled = false
	l.signaledNext = nil
	l.mu.Unlock()
}

func (l *firingLoop) scheduleChanged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signaled
}

// waitWhilePaused blocks until the loop is unpaused. It returns false once
// the loop must exit.
func (l *firingLoop) waitWhilePaused(ctx context.Context) bool {
	for {
		l.mu.Lock()
		if l.halted {
			l.mu.Unlock()
			return false
		}
		if !l.paused {
			l.mu.Unlock()
			return true
		}
		ch := l.stateChanged
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// sleep waits for d, a scheduling signal, a state change or ctx, whichever
// comes first.
func (l *firingLoop) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	ch := l.stateChanged
	l.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.wake:
	case <-ch:
	case <-ctx.Done():
	}
}

func (l *firingLoop) run(ctx context.Context) {
	defer close(l.done)
	logger.PulseDebugw(l.logger, "Firing loop started")
	defer logger.PulseDebugw(l.logger, "Firing loop stopped")

	failures := 0
	for {
		if !l.waitWhilePaused(ctx) {
			return
		}

		if failures > 0 {
			l.backoff(ctx, l.s.store.AcquireRetryDelay(failures))
			if !l.waitWhilePaused(ctx) {
				return
			}
		}

		avail := l.s.pool.BlockForAvailableThreads(ctx)
		if avail <= 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		now := l.s.clock.Now()
		l.clearSignaled()
		maxCount := min(avail, l.s.cfg.BatchMaxSize)
		triggers, err := l.s.store.AcquireNextTriggers(ctx, now.Add(l.s.cfg.IdleWait), maxCount, l.s.cfg.BatchTimeWindow)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures = l.acquireFailed(err, failures)
			continue
		}
		if failures > 0 {
			logger.PulseInfow(l.logger, "Trigger acquisition recovered", logger.FieldFailures, failures)
			failures = 0
		}

		if len(triggers) == 0 {
			if !l.scheduleChanged() {
				l.sleep(ctx, l.s.cfg.IdleWait)
			}
			continue
		}

		logger.PulseDebugw(l.logger, "Acquired triggers",
			logger.FieldBatchSize, len(triggers), logger.FieldAvailable, avail)
		l.dispatch(ctx, triggers)
	}
}

// backoff sleeps between failed acquisitions; only a halt cuts it short.
func (l *firingLoop) backoff(ctx context.Context, d time.Duration) {
	l.mu.Lock()
	ch := l.stateChanged
	l.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ch:
	case <-ctx.Done():
	}
}

// acquireFailed records an acquisition failure and returns the new failure
// count. Past the retry budget, or on a non-transient error, the scheduler
// reports the error and goes to standby.
func (l *firingLoop) acquireFailed(err error, failures int) int {
	failures++
	if errors.IsTransient(err) && failures <= l.s.storeRetryAttempts {
		logger.PulseWarnw(l.logger, "Failed to acquire next triggers, retrying",
			logger.FieldError, err, logger.FieldFailures, failures)
		return failures
	}
	logger.PulseErrorw(l.logger, "Failed to acquire next triggers, entering standby",
		logger.FieldError, err, logger.FieldFailures, failures)
	l.s.notifySchedulerError("An error occurred while scanning for the next triggers to fire.", err)
	l.s.standby()
	return 0
}

// dispatch waits for the batch's fire time, then fires it. The batch goes
// back to the store when a significantly earlier trigger shows up or the
// loop is paused or halted.
func (l *firingLoop) dispatch(ctx context.Context, triggers []*schedule.Trigger) {
	fireAt := *triggers[0].NextFireTime
	for {
		if l.pausedOrHalted() || ctx.Err() != nil {
			l.releaseAll(triggers)
			return
		}
		if l.changedSignificantly(fireAt) {
			logger.PulseDebugw(l.logger, "Earlier trigger scheduled, releasing batch", logger.FieldBatchSize, len(triggers))
			l.releaseAll(triggers)
			return
		}
		until := fireAt.Sub(l.s.clock.Now())
		if until <= 2*time.Millisecond {
			break
		}
		l.sleep(ctx, until)
	}

	fire := make([]*schedule.Trigger, 0, len(triggers))
	slots := make([]*Slot, 0, len(triggers))
	for i, t := range triggers {
		if l.s.limiter != nil {
			if err := l.s.limiter.Wait(ctx); err != nil {
				l.releaseAll(triggers[i:])
				break
			}
		}
		slot := l.s.pool.Reserve(ctx, l.s.cfg.DispatchWait)
		if slot == nil {
			logger.PulseWarnw(l.logger, "No worker free within dispatch wait, releasing trigger",
				logger.FieldTrigger, t.Key.String(), logger.FieldWait, l.s.cfg.DispatchWait)
			l.release(t)
			continue
		}
		fire = append(fire, t)
		slots = append(slots, slot)
	}
	if len(fire) == 0 {
		return
	}

	results, err := l.s.store.TriggersFired(ctx, fire)
	if err != nil {
		logger.PulseErrorw(l.logger, "Failed to mark triggers fired", logger.FieldError, err, logger.FieldBatchSize, len(fire))
		l.s.notifySchedulerError("An error occurred while firing triggers", err)
		for i, t := range fire {
			slots[i].Release()
			l.release(t)
		}
		return
	}

	for i, r := range results {
		t := fire[i]
		switch {
		case r.Err != nil:
			slots[i].Release()
			logger.PulseErrorw(l.logger, "Trigger could not be fired",
				logger.FieldTrigger, t.Key.String(), logger.FieldError, r.Err)
			l.s.notifySchedulerError("An error occurred while firing trigger "+t.Key.String(), r.Err)
		case r.Bundle == nil:
			slots[i].Release()
			l.release(t)
		default:
			shell := newJobRunShell(l.s, r.Bundle)
			l.s.pool.Run(slots[i], shell.run)
		}
	}
}

// changedSignificantly consumes a pending signal when it names a fire time
// earlier than fireAt and fireAt is not imminent.
func (l *firingLoop) changedSignificantly(fireAt time.Time) bool {
	cost := ramReacquireCost
	if l.s.store.SupportsPersistence() {
		cost = persistentReacquireCost
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.signaled {
		return false
	}
	earlier := l.signaledNext == nil || l.signaledNext.Before(fireAt)
	if earlier && fireAt.Sub(l.s.clock.Now()) < cost {
		earlier = false
	}
	if earlier {
		l.signaled = false
		l.signaledNext = nil
	}
	return earlier
}

func (l *firingLoop) releaseAll(triggers []*schedule.Trigger) {
	for _, t := range triggers {
		l.release(t)
	}
}

func (l *firingLoop) release(t *schedule.Trigger) {
	ctx, cancel := l.s.storeContext()
	defer cancel()
	if err := l.s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
		logger.PulseWarnw(l.logger, "Failed to release acquired trigger",
			logger.FieldTrigger, t.Key.String(), logger.FieldError, err)
	}
}
