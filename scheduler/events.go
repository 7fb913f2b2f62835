package scheduler

import (
	"time"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
)

// EventType names a scheduler event pushed to live observers.
type EventType string

const (
	EventJobStarted       EventType = "job_started"
	EventJobSucceeded     EventType = "job_succeeded"
	EventJobFailed        EventType = "job_failed"
	EventJobVetoed        EventType = "job_vetoed"
	EventTriggerMisfired  EventType = "trigger_misfired"
	EventTriggerFinalized EventType = "trigger_finalized"
	EventSchedulerError   EventType = "scheduler_error"
	EventSchedulerState   EventType = "scheduler_state"
)

// Event is one observable scheduler occurrence.
type Event struct {
	Type           EventType `json:"type"`
	Time           time.Time `json:"time"`
	Scheduler      string    `json:"scheduler"`
	InstanceID     string    `json:"instance_id"`
	Job            string    `json:"job,omitempty"`
	Trigger        string    `json:"trigger,omitempty"`
	FireInstanceID string    `json:"fire_instance_id,omitempty"`
	Instruction    string    `json:"instruction,omitempty"`
	RefireCount    int       `json:"refire_count,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	State          string    `json:"state,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorDetails   []string  `json:"error_details,omitempty"`
}

// EventBroadcaster receives scheduler events, e.g. to fan them out to
// WebSocket clients. Broadcast must not block.
type EventBroadcaster interface {
	Broadcast(ev Event)
}

// broadcastListener turns listener callbacks into Events.
type broadcastListener struct {
	BaseSchedulerListener
	s *Scheduler
	b EventBroadcaster
}

const broadcastListenerName = "pulse.events"

func newBroadcastListener(s *Scheduler, b EventBroadcaster) *broadcastListener {
	return &broadcastListener{s: s, b: b}
}

func (l *broadcastListener) Name() string { return broadcastListenerName }

func (l *broadcastListener) event(t EventType) Event {
	return Event{
		Type:       t,
		Time:       l.s.clock.Now(),
		Scheduler:  l.s.name,
		InstanceID: l.s.instanceID,
	}
}

func (l *broadcastListener) fireEvent(t EventType, jc *JobExecutionContext) Event {
	ev := l.event(t)
	ev.Job = jc.JobDetail.Key.String()
	ev.Trigger = jc.Trigger.Key.String()
	ev.FireInstanceID = jc.FireInstanceID
	ev.RefireCount = jc.RefireCount()
	return ev
}

func (l *broadcastListener) JobToBeExecuted(jc *JobExecutionContext) {
	l.b.Broadcast(l.fireEvent(EventJobStarted, jc))
}

func (l *broadcastListener) JobExecutionVetoed(jc *JobExecutionContext) {
	l.b.Broadcast(l.fireEvent(EventJobVetoed, jc))
}

func (l *broadcastListener) JobWasExecuted(jc *JobExecutionContext, err error) {
	ev := l.fireEvent(EventJobSucceeded, jc)
	ev.DurationMS = jc.JobRunTime().Milliseconds()
	if err != nil {
		ev.Type = EventJobFailed
		ev.Error = err.Error()
		ev.ErrorDetails = errors.GetAllDetails(err)
	}
	l.b.Broadcast(ev)
}

func (l *broadcastListener) TriggerFired(*schedule.Trigger, *JobExecutionContext) {}

func (l *broadcastListener) VetoJobExecution(*schedule.Trigger, *JobExecutionContext) bool {
	return false
}

func (l *broadcastListener) TriggerMisfired(t *schedule.Trigger) {
	ev := l.event(EventTriggerMisfired)
	ev.Trigger = t.Key.String()
	ev.Job = t.JobKey.String()
	l.b.Broadcast(ev)
}

func (l *broadcastListener) TriggerComplete(*schedule.Trigger, *JobExecutionContext, schedule.CompletedExecutionInstruction) {
}

func (l *broadcastListener) TriggerFinalized(t *schedule.Trigger) {
	ev := l.event(EventTriggerFinalized)
	ev.Trigger = t.Key.String()
	ev.Job = t.JobKey.String()
	l.b.Broadcast(ev)
}

func (l *broadcastListener) SchedulerError(msg string, err error) {
	ev := l.event(EventSchedulerError)
	ev.Error = msg
	if err != nil {
		ev.ErrorDetails = append([]string{err.Error()}, errors.GetAllDetails(err)...)
	}
	l.b.Broadcast(ev)
}

func (l *broadcastListener) state(s string) {
	ev := l.event(EventSchedulerState)
	ev.State = s
	l.b.Broadcast(ev)
}

func (l *broadcastListener) SchedulerInStandbyMode() { l.state("standby") }
func (l *broadcastListener) SchedulerStarted()       { l.state("started") }
func (l *broadcastListener) SchedulerShuttingdown()  { l.state("shutting_down") }
func (l *broadcastListener) SchedulerShutdown()      { l.state("shutdown") }
