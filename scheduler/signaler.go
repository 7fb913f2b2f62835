package scheduler

import (
	"time"

	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// storeSignaler is how the job store reaches the scheduler.
type storeSignaler struct {
	s *Scheduler
}

func (g storeSignaler) NotifyTriggerListenersMisfired(t *schedule.Trigger) {
	logger.PulseInfow(g.s.logger, "Trigger misfired",
		logger.FieldTrigger, t.Key.String(),
		logger.FieldMisfireInstruction, t.MisfireInstruction.String())
	g.s.listeners.notifyTriggerMisfired(t)
}

func (g storeSignaler) NotifySchedulerListenersFinalized(t *schedule.Trigger) {
	g.s.listeners.notifyScheduler(func(l SchedulerListener) { l.TriggerFinalized(t) })
}

func (g storeSignaler) NotifySchedulerListenersJobDeleted(key schedule.Key) {
	g.s.listeners.notifyScheduler(func(l SchedulerListener) { l.JobDeleted(key) })
}

func (g storeSignaler) SignalSchedulingChange(candidate *time.Time) {
	g.s.signalSchedulingChange(candidate, true)
}

func (g storeSignaler) NotifySchedulerListenersError(msg string, err error) {
	logger.PulseErrorw(g.s.logger, msg, logger.FieldError, err)
	g.s.notifySchedulerError(msg, err)
}
