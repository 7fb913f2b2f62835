package schedule

import (
	"time"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
)

// DefaultPriority is assigned to triggers that do not set one.
const DefaultPriority = 5

// yearToGiveUpSchedulingAt bounds calendar skipping.
const yearToGiveUpSchedulingAt = 2299

// Trigger decides when a job fires. The fire-time rule is delegated to its
// Schedule; everything else is common bookkeeping.
type Trigger struct {
	Key          Key
	JobKey       Key
	Description  string
	CalendarName string
	JobData      JobDataMap
	// Priority breaks ties between triggers due at the same instant; higher fires first.
	Priority           int
	MisfireInstruction MisfireInstruction

	StartTime time.Time
	// EndTime, when set, is exclusive: no fire happens at or after it.
	EndTime *time.Time

	// NextFireTime is nil once the trigger cannot fire again.
	NextFireTime     *time.Time
	PreviousFireTime *time.Time
	TimesTriggered   int

	Schedule Schedule

	// FireInstanceID is set by the job store while the trigger is acquired.
	// It is not persisted with the trigger.
	FireInstanceID string
}

// Clone returns a deep copy.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.JobData = t.JobData.Clone()
	c.EndTime = cloneTime(t.EndTime)
	c.NextFireTime = cloneTime(t.NextFireTime)
	c.PreviousFireTime = cloneTime(t.PreviousFireTime)
	if t.Schedule != nil {
		c.Schedule = t.Schedule.Clone()
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate rejects triggers that cannot be stored.
func (t *Trigger) Validate() error {
	if t == nil {
		return errors.NewInvalidRequestError("trigger is nil")
	}
	if err := t.Key.Validate(); err != nil {
		return errors.Wrap(err, "trigger key")
	}
	if err := t.JobKey.Validate(); err != nil {
		return errors.Wrapf(err, "trigger %s job key", t.Key)
	}
	if t.Schedule == nil {
		return errors.NewInvalidRequestError("trigger %s has no schedule", t.Key)
	}
	if t.StartTime.IsZero() {
		return errors.NewInvalidRequestError("trigger %s has no start time", t.Key)
	}
	if t.EndTime != nil && !t.EndTime.After(t.StartTime) {
		return errors.NewInvalidRequestError("trigger %s end time must be after its start time", t.Key)
	}
	if t.MisfireInstruction != MisfireIgnore && t.MisfireInstruction != MisfireSmartPolicy &&
		t.MisfireInstruction != MisfireFireNow && t.MisfireInstruction != MisfireDoNothing {
		return errors.NewInvalidRequestError("trigger %s has invalid misfire instruction %d", t.Key, t.MisfireInstruction)
	}
	return t.Schedule.Validate(t)
}

// FireTimeAfter returns the first raw fire time strictly after after, ignoring
// calendars, or nil when the trigger has no more fires.
func (t *Trigger) FireTimeAfter(after time.Time) *time.Time {
	next := t.Schedule.FireTimeAfter(t, after)
	if next == nil {
		return nil
	}
	if t.EndTime != nil && !next.Before(*t.EndTime) {
		return nil
	}
	return next
}

// skipExcluded advances a candidate until cal includes it.
func (t *Trigger) skipExcluded(cal calendar.Calendar, next *time.Time) *time.Time {
	for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
		next = t.FireTimeAfter(*next)
		if next != nil && next.Year() > yearToGiveUpSchedulingAt {
			return nil
		}
	}
	return next
}

// ComputeFirstFireTime sets and returns the first fire time at or after the
// start time that cal includes. Nil means the trigger will never fire.
func (t *Trigger) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	next := t.FireTimeAfter(t.StartTime.Add(-time.Nanosecond))
	t.NextFireTime = t.skipExcluded(cal, next)
	return cloneTime(t.NextFireTime)
}

// Triggered records a fire and advances NextFireTime past it.
func (t *Trigger) Triggered(cal calendar.Calendar) {
	t.TimesTriggered++
	t.PreviousFireTime = cloneTime(t.NextFireTime)
	if t.NextFireTime == nil {
		return
	}
	t.NextFireTime = t.skipExcluded(cal, t.FireTimeAfter(*t.NextFireTime))
}

// MayFireAgain reports whether another fire is scheduled.
func (t *Trigger) MayFireAgain() bool {
	return t.NextFireTime != nil
}

// IsMisfired reports whether NextFireTime lies further than threshold behind now.
func (t *Trigger) IsMisfired(now time.Time, threshold time.Duration) bool {
	if t.MisfireInstruction == MisfireIgnore || t.NextFireTime == nil {
		return false
	}
	return t.NextFireTime.Before(now.Add(-threshold))
}

// EffectiveMisfireInstruction resolves the smart policy to the schedule's default.
func (t *Trigger) EffectiveMisfireInstruction() MisfireInstruction {
	if t.MisfireInstruction == MisfireSmartPolicy {
		return t.Schedule.MisfireDefault(t)
	}
	return t.MisfireInstruction
}

// UpdateAfterMisfire applies the misfire instruction as of now and returns the
// instruction that was applied. FIRE_NOW leaves NextFireTime at now;
// DO_NOTHING moves it strictly past now.
func (t *Trigger) UpdateAfterMisfire(cal calendar.Calendar, now time.Time) MisfireInstruction {
	instr := t.EffectiveMisfireInstruction()
	switch instr {
	case MisfireIgnore:
	case MisfireFireNow:
		if t.EndTime != nil && !now.Before(*t.EndTime) {
			t.NextFireTime = nil
			break
		}
		t.Schedule.FireNow(t, now)
	default:
		t.NextFireTime = t.skipExcluded(cal, t.FireTimeAfter(now))
	}
	return instr
}

// UpdateWithNewCalendar recomputes NextFireTime after the trigger's calendar
// changed. A result already further than threshold behind now is moved past now.
func (t *Trigger) UpdateWithNewCalendar(cal calendar.Calendar, now time.Time, threshold time.Duration) {
	from := t.StartTime.Add(-time.Nanosecond)
	if t.PreviousFireTime != nil {
		from = *t.PreviousFireTime
	}
	next := t.skipExcluded(cal, t.FireTimeAfter(from))
	if next != nil && now.Sub(*next) >= threshold {
		next = t.skipExcluded(cal, t.FireTimeAfter(now))
	}
	t.NextFireTime = next
}

// ExecutionComplete maps the outcome of one execution to the instruction the
// job store applies to this trigger. jobErr is what Execute returned (or a
// recovered panic).
func (t *Trigger) ExecutionComplete(job *JobDetail, jobErr error) CompletedExecutionInstruction {
	if jobErr != nil {
		var jee *JobExecutionError
		if errors.As(jobErr, &jee) {
			switch {
			case jee.RefireImmediately:
				return InstructionReExecuteJob
			case jee.UnscheduleFiringTrigger:
				return InstructionSetTriggerComplete
			case jee.UnscheduleAllTriggers:
				return InstructionSetAllJobTriggersComplete
			}
		} else if job == nil || !job.SwallowErrors {
			return InstructionSetTriggerError
		}
	}
	if !t.MayFireAgain() {
		return InstructionDeleteTrigger
	}
	return InstructionNoop
}
