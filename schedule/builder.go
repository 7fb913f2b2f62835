package schedule

import (
	"time"
)

// TriggerBuilder assembles a Trigger.
//
//	trig := schedule.NewTrigger("nightly", "reports").
//	    ForJob(job.Key).
//	    WithSchedule(cronSched).
//	    WithPriority(10).
//	    Build()
type TriggerBuilder struct {
	t Trigger
}

// NewTrigger starts a trigger that begins now, fires once, and uses the smart misfire policy.
func NewTrigger(name, group string) *TriggerBuilder {
	return &TriggerBuilder{t: Trigger{
		Key:       NewKey(name, group),
		Priority:  DefaultPriority,
		StartTime: time.Now(),
		Schedule:  OneShot(),
		JobData:   JobDataMap{},
	}}
}

// ForJob sets the job the trigger fires.
func (b *TriggerBuilder) ForJob(key Key) *TriggerBuilder {
	b.t.JobKey = key
	return b
}

// WithDescription sets the description.
func (b *TriggerBuilder) WithDescription(d string) *TriggerBuilder {
	b.t.Description = d
	return b
}

// WithSchedule sets the fire-time strategy.
func (b *TriggerBuilder) WithSchedule(s Schedule) *TriggerBuilder {
	b.t.Schedule = s
	return b
}

// StartAt sets the start time.
func (b *TriggerBuilder) StartAt(t time.Time) *TriggerBuilder {
	b.t.StartTime = t
	return b
}

// EndAt sets the exclusive end time.
func (b *TriggerBuilder) EndAt(t time.Time) *TriggerBuilder {
	b.t.EndTime = &t
	return b
}

// WithPriority sets the tie-break priority.
func (b *TriggerBuilder) WithPriority(p int) *TriggerBuilder {
	b.t.Priority = p
	return b
}

// WithMisfireInstruction sets the misfire instruction.
func (b *TriggerBuilder) WithMisfireInstruction(m MisfireInstruction) *TriggerBuilder {
	b.t.MisfireInstruction = m
	return b
}

// ModifiedByCalendar names the calendar that gates fire times.
func (b *TriggerBuilder) ModifiedByCalendar(name string) *TriggerBuilder {
	b.t.CalendarName = name
	return b
}

// UsingJobData sets one trigger data entry; trigger data wins over job data.
func (b *TriggerBuilder) UsingJobData(key string, value any) *TriggerBuilder {
	b.t.JobData[key] = value
	return b
}

// Build returns the trigger. The builder can be reused.
func (b *TriggerBuilder) Build() *Trigger {
	return b.t.Clone()
}
