package calendar

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// HolidayCalendar excludes whole days.
type HolidayCalendar struct {
	base
	dates map[string]struct{}
}

// NewHolidayCalendar returns a calendar excluding the given dates, read in loc
// (nil means local time).
func NewHolidayCalendar(loc *time.Location, dates ...time.Time) *HolidayCalendar {
	c := &HolidayCalendar{dates: make(map[string]struct{})}
	c.loc = loc
	for _, d := range dates {
		c.AddExcludedDate(d)
	}
	return c
}

// AddExcludedDate excludes the day containing t.
func (c *HolidayCalendar) AddExcludedDate(t time.Time) {
	c.dates[t.In(c.Location()).Format(dateLayout)] = struct{}{}
}

// RemoveExcludedDate re-includes the day containing t.
func (c *HolidayCalendar) RemoveExcludedDate(t time.Time) {
	delete(c.dates, t.In(c.Location()).Format(dateLayout))
}

// ExcludedDates returns the excluded days in ascending order, as YYYY-MM-DD.
func (c *HolidayCalendar) ExcludedDates() []string {
	out := make([]string, 0, len(c.dates))
	for d := range c.dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (c *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	if !c.baseIncludes(t) {
		return false
	}
	_, excluded := c.dates[t.In(c.Location()).Format(dateLayout)]
	return !excluded
}

func (c *HolidayCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(c, t, func(t time.Time) time.Time {
		return startOfNextDay(t.In(c.Location()))
	})
}
