package schedule

import (
	"strings"
	"time"

	"github.com/teranos/pulse/errors"
)

// IntervalUnit is the step unit of a calendar interval schedule.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

// CalendarIntervalSchedule steps from the start time by a number of
// calendar units, so "every 1 month" keeps the day of month and "every 1
// day" keeps the wall clock time across DST changes.
type CalendarIntervalSchedule struct {
	interval int
	unit     IntervalUnit
	timeZone string
	loc      *time.Location
}

type calendarIntervalDocument struct {
	Interval int          `json:"interval"`
	Unit     IntervalUnit `json:"unit"`
	TimeZone string       `json:"time_zone,omitempty"`
}

// NewCalendarIntervalSchedule validates and builds a schedule.
func NewCalendarIntervalSchedule(interval int, unit IntervalUnit, timeZone string) (*CalendarIntervalSchedule, error) {
	if interval < 1 {
		return nil, errors.NewInvalidRequestError("calendar interval must be at least 1, got %d", interval)
	}
	unit = IntervalUnit(strings.TrimSuffix(strings.ToLower(string(unit)), "s"))
	switch unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
	default:
		return nil, errors.NewInvalidRequestError("unknown interval unit %q", unit)
	}
	loc := time.Local
	if timeZone != "" {
		var err error
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid time zone %q", timeZone), errors.ErrInvalidRequest)
		}
	}
	return &CalendarIntervalSchedule{interval: interval, unit: unit, timeZone: timeZone, loc: loc}, nil
}

func (s *CalendarIntervalSchedule) Kind() Kind { return KindCalendarInterval }

// Interval returns the step count and unit.
func (s *CalendarIntervalSchedule) Interval() (int, IntervalUnit) { return s.interval, s.unit }

func (s *CalendarIntervalSchedule) Clone() Schedule {
	c := *s
	return &c
}

func (s *CalendarIntervalSchedule) MarshalJSON() ([]byte, error) {
	return jsonMarshal(calendarIntervalDocument{Interval: s.interval, Unit: s.unit, TimeZone: s.timeZone})
}

func (s *CalendarIntervalSchedule) Validate(t *Trigger) error {
	if s.interval < 1 || s.loc == nil {
		return errors.NewInvalidRequestError("trigger %s: calendar interval schedule is not initialized", t.Key)
	}
	return nil
}

func (s *CalendarIntervalSchedule) fixed() (time.Duration, bool) {
	switch s.unit {
	case UnitSecond:
		return time.Duration(s.interval) * time.Second, true
	case UnitMinute:
		return time.Duration(s.interval) * time.Minute, true
	case UnitHour:
		return time.Duration(s.interval) * time.Hour, true
	}
	return 0, false
}

// step returns start advanced by n intervals.
func (s *CalendarIntervalSchedule) step(start time.Time, n int) time.Time {
	switch s.unit {
	case UnitDay:
		return start.AddDate(0, 0, n*s.interval)
	case UnitWeek:
		return start.AddDate(0, 0, 7*n*s.interval)
	case UnitMonth:
		return start.AddDate(0, n*s.interval, 0)
	case UnitYear:
		return start.AddDate(n*s.interval, 0, 0)
	}
	d, _ := s.fixed()
	return start.Add(time.Duration(n) * d)
}

// estimate returns a step count that does not overshoot after.
func (s *CalendarIntervalSchedule) estimate(start, after time.Time) int {
	var n int
	switch s.unit {
	case UnitDay, UnitWeek:
		days := int(after.Sub(start).Hours() / 24)
		per := s.interval
		if s.unit == UnitWeek {
			per *= 7
		}
		n = days/per - 1
	case UnitMonth:
		months := (after.Year()-start.Year())*12 + int(after.Month()-start.Month())
		n = months/s.interval - 1
	case UnitYear:
		n = (after.Year()-start.Year())/s.interval - 1
	}
	if n < 0 {
		return 0
	}
	return n
}

func (s *CalendarIntervalSchedule) FireTimeAfter(t *Trigger, after time.Time) *time.Time {
	start := t.StartTime.In(s.loc)
	if after.Before(start) {
		return &start
	}
	if d, ok := s.fixed(); ok {
		n := int64(after.Sub(start)/d) + 1
		next := start.Add(time.Duration(n) * d)
		return &next
	}
	n := s.estimate(start, after)
	next := s.step(start, n)
	for !next.After(after) {
		n++
		next = s.step(start, n)
	}
	return &next
}

func (s *CalendarIntervalSchedule) MisfireDefault(*Trigger) MisfireInstruction {
	return MisfireFireNow
}

func (s *CalendarIntervalSchedule) FireNow(t *Trigger, now time.Time) {
	t.NextFireTime = &now
}
