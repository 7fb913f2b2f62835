package calendar

import (
	"time"
)

// WeeklyCalendar excludes days of the week. Saturday and Sunday are excluded
// by default.
type WeeklyCalendar struct {
	base
	excluded [7]bool
}

// NewWeeklyCalendar returns a calendar excluding weekends, read in loc.
func NewWeeklyCalendar(loc *time.Location) *WeeklyCalendar {
	c := &WeeklyCalendar{}
	c.loc = loc
	c.excluded[time.Saturday] = true
	c.excluded[time.Sunday] = true
	return c
}

// SetDayExcluded includes or excludes a weekday.
func (c *WeeklyCalendar) SetDayExcluded(day time.Weekday, excluded bool) {
	c.excluded[day] = excluded
}

// IsDayExcluded reports whether a weekday is excluded.
func (c *WeeklyCalendar) IsDayExcluded(day time.Weekday) bool {
	return c.excluded[day]
}

// AreAllDaysExcluded is true when the calendar can never include anything.
func (c *WeeklyCalendar) AreAllDaysExcluded() bool {
	for _, e := range c.excluded {
		if !e {
			return false
		}
	}
	return true
}

func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) bool {
	if !c.baseIncludes(t) {
		return false
	}
	return !c.excluded[t.In(c.Location()).Weekday()]
}

func (c *WeeklyCalendar) NextIncludedTime(t time.Time) time.Time {
	if c.AreAllDaysExcluded() {
		return time.Time{}
	}
	return nextIncluded(c, t, func(t time.Time) time.Time {
		return startOfNextDay(t.In(c.Location()))
	})
}
