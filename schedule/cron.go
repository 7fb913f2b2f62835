package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pulse/errors"
)

// cronParser accepts an optional seconds field and @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSchedule fires on the instants matched by a cron expression in a time zone.
type CronSchedule struct {
	expression string
	timeZone   string
	loc        *time.Location
	spec       cron.Schedule
}

type cronDocument struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"time_zone,omitempty"`
}

// NewCronSchedule parses expression, evaluated in timeZone (an IANA name;
// empty means local time).
func NewCronSchedule(expression, timeZone string) (*CronSchedule, error) {
	spec, err := cronParser.Parse(expression)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expression), errors.ErrInvalidRequest)
	}
	loc := time.Local
	if timeZone != "" {
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid time zone %q", timeZone), errors.ErrInvalidRequest)
		}
	}
	return &CronSchedule{expression: expression, timeZone: timeZone, loc: loc, spec: spec}, nil
}

// Expression returns the cron expression.
func (s *CronSchedule) Expression() string { return s.expression }

// TimeZone returns the configured zone name.
func (s *CronSchedule) TimeZone() string { return s.timeZone }

func (s *CronSchedule) Kind() Kind { return KindCron }

func (s *CronSchedule) Clone() Schedule {
	c := *s
	return &c
}

func (s *CronSchedule) MarshalJSON() ([]byte, error) {
	return jsonMarshal(cronDocument{Expression: s.expression, TimeZone: s.timeZone})
}

func (s *CronSchedule) Validate(t *Trigger) error {
	if s.spec == nil {
		return errors.NewInvalidRequestError("trigger %s: cron schedule was not parsed", t.Key)
	}
	return nil
}

func (s *CronSchedule) FireTimeAfter(t *Trigger, after time.Time) *time.Time {
	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Nanosecond)
	}
	next := s.spec.Next(after.In(s.loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

func (s *CronSchedule) MisfireDefault(*Trigger) MisfireInstruction {
	return MisfireDoNothing
}

func (s *CronSchedule) FireNow(t *Trigger, now time.Time) {
	t.NextFireTime = &now
}
