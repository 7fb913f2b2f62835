package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// JobListener is told about the executions of matching jobs.
type JobListener interface {
	Name() string
	JobToBeExecuted(jc *JobExecutionContext)
	// JobExecutionVetoed is called instead of JobToBeExecuted when a
	// trigger listener vetoed the execution.
	JobExecutionVetoed(jc *JobExecutionContext)
	JobWasExecuted(jc *JobExecutionContext, err error)
}

// TriggerListener is told about the fires of matching triggers.
type TriggerListener interface {
	Name() string
	TriggerFired(trigger *schedule.Trigger, jc *JobExecutionContext)
	// VetoJobExecution returning true skips the execution. The trigger
	// still advances as if the job ran.
	VetoJobExecution(trigger *schedule.Trigger, jc *JobExecutionContext) bool
	TriggerMisfired(trigger *schedule.Trigger)
	TriggerComplete(trigger *schedule.Trigger, jc *JobExecutionContext, instruction schedule.CompletedExecutionInstruction)
}

// SchedulerListener is told about scheduler-wide events.
type SchedulerListener interface {
	JobScheduled(trigger *schedule.Trigger)
	JobUnscheduled(triggerKey schedule.Key)
	TriggerFinalized(trigger *schedule.Trigger)
	TriggerPaused(triggerKey schedule.Key)
	TriggersPaused(group string)
	TriggerResumed(triggerKey schedule.Key)
	TriggersResumed(group string)
	JobAdded(job *schedule.JobDetail)
	JobDeleted(jobKey schedule.Key)
	JobPaused(jobKey schedule.Key)
	JobsPaused(group string)
	JobResumed(jobKey schedule.Key)
	JobsResumed(group string)
	SchedulerError(msg string, err error)
	SchedulerInStandbyMode()
	SchedulerStarting()
	SchedulerStarted()
	SchedulerShuttingdown()
	SchedulerShutdown()
	SchedulingDataCleared()
}

// BaseJobListener implements JobListener with no-ops; embed it and
// override what you need.
type BaseJobListener struct{}

func (BaseJobListener) JobToBeExecuted(*JobExecutionContext)       {}
func (BaseJobListener) JobExecutionVetoed(*JobExecutionContext)    {}
func (BaseJobListener) JobWasExecuted(*JobExecutionContext, error) {}

// BaseTriggerListener implements TriggerListener with no-ops.
type BaseTriggerListener struct{}

func (BaseTriggerListener) TriggerFired(*schedule.Trigger, *JobExecutionContext) {}
func (BaseTriggerListener) VetoJobExecution(*schedule.Trigger, *JobExecutionContext) bool {
	return false
}
func (BaseTriggerListener) TriggerMisfired(*schedule.Trigger) {}
func (BaseTriggerListener) TriggerComplete(*schedule.Trigger, *JobExecutionContext, schedule.CompletedExecutionInstruction) {
}

// BaseSchedulerListener implements SchedulerListener with no-ops.
type BaseSchedulerListener struct{}

func (BaseSchedulerListener) JobScheduled(*schedule.Trigger)     {}
func (BaseSchedulerListener) JobUnscheduled(schedule.Key)        {}
func (BaseSchedulerListener) TriggerFinalized(*schedule.Trigger) {}
func (BaseSchedulerListener) TriggerPaused(schedule.Key)         {}
func (BaseSchedulerListener) TriggersPaused(string)              {}
func (BaseSchedulerListener) TriggerResumed(schedule.Key)        {}
func (BaseSchedulerListener) TriggersResumed(string)             {}
func (BaseSchedulerListener) JobAdded(*schedule.JobDetail)       {}
func (BaseSchedulerListener) JobDeleted(schedule.Key)            {}
func (BaseSchedulerListener) JobPaused(schedule.Key)             {}
func (BaseSchedulerListener) JobsPaused(string)                  {}
func (BaseSchedulerListener) JobResumed(schedule.Key)            {}
func (BaseSchedulerListener) JobsResumed(string)                 {}
func (BaseSchedulerListener) SchedulerError(string, error)       {}
func (BaseSchedulerListener) SchedulerInStandbyMode()            {}
func (BaseSchedulerListener) SchedulerStarting()                 {}
func (BaseSchedulerListener) SchedulerStarted()                  {}
func (BaseSchedulerListener) SchedulerShuttingdown()             {}
func (BaseSchedulerListener) SchedulerShutdown()                 {}
func (BaseSchedulerListener) SchedulingDataCleared()             {}

// Matcher selects the keys a job or trigger listener cares about.
type Matcher func(schedule.Key) bool

// KeyEquals matches one key.
func KeyEquals(key schedule.Key) Matcher {
	return func(k schedule.Key) bool { return k == key }
}

// GroupEquals matches every key of a group.
func GroupEquals(group string) Matcher {
	return func(k schedule.Key) bool { return k.Group == group }
}

// EverythingMatcher matches all keys.
func EverythingMatcher() Matcher {
	return func(schedule.Key) bool { return true }
}

type jobListenerEntry struct {
	l        JobListener
	matchers []Matcher
}

type triggerListenerEntry struct {
	l        TriggerListener
	matchers []Matcher
}

func matches(matchers []Matcher, key schedule.Key) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if m(key) {
			return true
		}
	}
	return false
}

// ListenerManager holds registered listeners and delivers events to them.
// Listener panics are recovered and logged so that a faulty listener never
// disturbs scheduling.
type ListenerManager struct {
	mu                 sync.RWMutex
	jobListeners       []jobListenerEntry
	triggerListeners   []triggerListenerEntry
	schedulerListeners []SchedulerListener
	logger             *zap.SugaredLogger
}

func newListenerManager(log *zap.SugaredLogger) *ListenerManager {
	return &ListenerManager{logger: logger.OrNop(log)}
}

// AddJobListener registers l for jobs matching any of matchers (all jobs when none).
// A listener with the same name is replaced.
func (m *ListenerManager) AddJobListener(l JobListener, matchers ...Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.jobListeners {
		if e.l.Name() == l.Name() {
			m.jobListeners[i] = jobListenerEntry{l, matchers}
			return
		}
	}
	m.jobListeners = append(m.jobListeners, jobListenerEntry{l, matchers})
}

// RemoveJobListener unregisters the job listener called name.
func (m *ListenerManager) RemoveJobListener(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.jobListeners {
		if e.l.Name() == name {
			m.jobListeners = append(m.jobListeners[:i], m.jobListeners[i+1:]...)
			return true
		}
	}
	return false
}

// AddTriggerListener registers l for triggers matching any of matchers.
// A listener with the same name is replaced.
func (m *ListenerManager) AddTriggerListener(l TriggerListener, matchers ...Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.triggerListeners {
		if e.l.Name() == l.Name() {
			m.triggerListeners[i] = triggerListenerEntry{l, matchers}
			return
		}
	}
	m.triggerListeners = append(m.triggerListeners, triggerListenerEntry{l, matchers})
}

// RemoveTriggerListener unregisters the trigger listener called name.
func (m *ListenerManager) RemoveTriggerListener(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.triggerListeners {
		if e.l.Name() == name {
			m.triggerListeners = append(m.triggerListeners[:i], m.triggerListeners[i+1:]...)
			return true
		}
	}
	return false
}

// AddSchedulerListener registers l.
func (m *ListenerManager) AddSchedulerListener(l SchedulerListener) {
	m.mu.Lock()
	m.schedulerListeners = append(m.schedulerListeners, l)
	m.mu.Unlock()
}

// RemoveSchedulerListener unregisters l.
func (m *ListenerManager) RemoveSchedulerListener(l SchedulerListener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.schedulerListeners {
		if e == l {
			m.schedulerListeners = append(m.schedulerListeners[:i], m.schedulerListeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *ListenerManager) jobListenersFor(key schedule.Key) []JobListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []JobListener
	for _, e := range m.jobListeners {
		if matches(e.matchers, key) {
			out = append(out, e.l)
		}
	}
	return out
}

func (m *ListenerManager) triggerListenersFor(key schedule.Key) []TriggerListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TriggerListener
	for _, e := range m.triggerListeners {
		if matches(e.matchers, key) {
			out = append(out, e.l)
		}
	}
	return out
}

func (m *ListenerManager) schedulerListenersSnapshot() []SchedulerListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SchedulerListener(nil), m.schedulerListeners...)
}

// safely runs fn, logging a panic instead of propagating it.
func (m *ListenerManager) safely(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.PulseErrorw(m.logger, "Listener panicked", "listener_kind", kind, "listener", name, "panic", r)
		}
	}()
	fn()
}

// notifyTriggerFired reports whether any trigger listener vetoed the execution.
func (m *ListenerManager) notifyTriggerFired(jc *JobExecutionContext) bool {
	vetoed := false
	for _, l := range m.triggerListenersFor(jc.Trigger.Key) {
		l := l
		m.safely("trigger", l.Name(), func() {
			l.TriggerFired(jc.Trigger, jc)
			if l.VetoJobExecution(jc.Trigger, jc) {
				vetoed = true
			}
		})
		if vetoed {
			break
		}
	}
	return vetoed
}

func (m *ListenerManager) notifyTriggerMisfired(t *schedule.Trigger) {
	for _, l := range m.triggerListenersFor(t.Key) {
		l := l
		m.safely("trigger", l.Name(), func() { l.TriggerMisfired(t) })
	}
}

func (m *ListenerManager) notifyTriggerComplete(jc *JobExecutionContext, instr schedule.CompletedExecutionInstruction) {
	for _, l := range m.triggerListenersFor(jc.Trigger.Key) {
		l := l
		m.safely("trigger", l.Name(), func() { l.TriggerComplete(jc.Trigger, jc, instr) })
	}
}

func (m *ListenerManager) notifyJobToBeExecuted(jc *JobExecutionContext) {
	for _, l := range m.jobListenersFor(jc.JobDetail.Key) {
		l := l
		m.safely("job", l.Name(), func() { l.JobToBeExecuted(jc) })
	}
}

func (m *ListenerManager) notifyJobExecutionVetoed(jc *JobExecutionContext) {
	for _, l := range m.jobListenersFor(jc.JobDetail.Key) {
		l := l
		m.safely("job", l.Name(), func() { l.JobExecutionVetoed(jc) })
	}
}

func (m *ListenerManager) notifyJobWasExecuted(jc *JobExecutionContext, err error) {
	for _, l := range m.jobListenersFor(jc.JobDetail.Key) {
		l := l
		m.safely("job", l.Name(), func() { l.JobWasExecuted(jc, err) })
	}
}

// notifyScheduler delivers fn to every scheduler listener.
func (m *ListenerManager) notifyScheduler(fn func(SchedulerListener)) {
	for _, l := range m.schedulerListenersSnapshot() {
		l := l
		m.safely("scheduler", "", func() { fn(l) })
	}
}
