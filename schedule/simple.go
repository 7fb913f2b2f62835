package schedule

import (
	"time"

	"github.com/teranos/pulse/errors"
)

// RepeatIndefinitely makes a simple schedule repeat forever.
const RepeatIndefinitely = -1

// SimpleSchedule fires at the start time and then RepeatCount more times,
// Interval apart.
type SimpleSchedule struct {
	Interval    time.Duration `json:"interval"`
	RepeatCount int           `json:"repeat_count"`
}

// OneShot fires once at the trigger's start time.
func OneShot() *SimpleSchedule {
	return &SimpleSchedule{}
}

// Every repeats forever at the given interval.
func Every(interval time.Duration) *SimpleSchedule {
	return &SimpleSchedule{Interval: interval, RepeatCount: RepeatIndefinitely}
}

// EveryTimes fires count times in total at the given interval.
func EveryTimes(interval time.Duration, count int) *SimpleSchedule {
	return &SimpleSchedule{Interval: interval, RepeatCount: count - 1}
}

func (s *SimpleSchedule) Kind() Kind { return KindSimple }

func (s *SimpleSchedule) Clone() Schedule {
	c := *s
	return &c
}

func (s *SimpleSchedule) Validate(t *Trigger) error {
	if s.RepeatCount < RepeatIndefinitely {
		return errors.NewInvalidRequestError("trigger %s: repeat count must be >= 0 or RepeatIndefinitely", t.Key)
	}
	if s.RepeatCount != 0 && s.Interval <= 0 {
		return errors.NewInvalidRequestError("trigger %s: repeating simple schedule needs a positive interval", t.Key)
	}
	return nil
}

func (s *SimpleSchedule) FireTimeAfter(t *Trigger, after time.Time) *time.Time {
	start := t.StartTime
	if after.Before(start) {
		return &start
	}
	if s.RepeatCount == 0 {
		return nil
	}
	fired := int64(after.Sub(start)/s.Interval) + 1
	if s.RepeatCount != RepeatIndefinitely && fired > int64(s.RepeatCount) {
		return nil
	}
	next := start.Add(time.Duration(fired) * s.Interval)
	return &next
}

func (s *SimpleSchedule) MisfireDefault(t *Trigger) MisfireInstruction {
	if s.RepeatCount == RepeatIndefinitely {
		return MisfireDoNothing
	}
	return MisfireFireNow
}

// FireNow restarts the schedule at now, keeping the repeats not yet used.
func (s *SimpleSchedule) FireNow(t *Trigger, now time.Time) {
	if s.RepeatCount == 0 {
		t.NextFireTime = &now
		return
	}
	if s.RepeatCount != RepeatIndefinitely {
		s.RepeatCount -= t.TimesTriggered
		if s.RepeatCount < 0 {
			s.RepeatCount = 0
		}
		t.TimesTriggered = 0
	}
	t.StartTime = now
	t.NextFireTime = &now
}
