package calendar

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pulse/errors"
)

// Parser accepts an optional leading seconds field and @descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronCalendar excludes every second matched by a cron expression, e.g.
// "* * 0-6 * * *" excludes the hours before 7am.
type CronCalendar struct {
	base
	expression string
	schedule   cron.Schedule
}

// NewCronCalendar parses expression and evaluates it in loc.
func NewCronCalendar(loc *time.Location, expression string) (*CronCalendar, error) {
	sched, err := Parser.Parse(expression)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron calendar expression %q", expression), errors.ErrInvalidRequest)
	}
	c := &CronCalendar{expression: expression, schedule: sched}
	c.loc = loc
	return c, nil
}

// Expression returns the cron expression.
func (c *CronCalendar) Expression() string { return c.expression }

func (c *CronCalendar) matches(t time.Time) bool {
	sec := t.In(c.Location()).Truncate(time.Second)
	return c.schedule.Next(sec.Add(-time.Nanosecond)).Equal(sec)
}

func (c *CronCalendar) IsTimeIncluded(t time.Time) bool {
	if !c.baseIncludes(t) {
		return false
	}
	return !c.matches(t)
}

func (c *CronCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(c, t, func(t time.Time) time.Time {
		return t.Truncate(time.Second).Add(time.Second)
	})
}
