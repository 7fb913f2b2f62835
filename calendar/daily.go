package calendar

import (
	"time"

	"github.com/teranos/pulse/errors"
)

// DailyCalendar excludes a time-of-day range on every day, for example
// business hours. With Invert set it excludes everything outside the range.
type DailyCalendar struct {
	base
	start  time.Duration
	end    time.Duration
	invert bool
}

// NewDailyCalendar excludes [start, end) of each day, both given as offsets
// from midnight in loc.
func NewDailyCalendar(loc *time.Location, start, end time.Duration) (*DailyCalendar, error) {
	if start < 0 || end > 24*time.Hour || start >= end {
		return nil, errors.NewInvalidRequestError("daily calendar range [%s, %s) is invalid", start, end)
	}
	c := &DailyCalendar{start: start, end: end}
	c.loc = loc
	return c, nil
}

// SetInvertTimeRange makes the calendar exclude everything outside the range.
func (c *DailyCalendar) SetInvertTimeRange(invert bool) { c.invert = invert }

// Range returns the configured offsets from midnight.
func (c *DailyCalendar) Range() (start, end time.Duration) { return c.start, c.end }

// InvertTimeRange reports whether the range is inverted.
func (c *DailyCalendar) InvertTimeRange() bool { return c.invert }

func (c *DailyCalendar) offset(t time.Time) time.Duration {
	lt := t.In(c.Location())
	y, m, d := lt.Date()
	return lt.Sub(time.Date(y, m, d, 0, 0, 0, 0, lt.Location()))
}

func (c *DailyCalendar) inRange(t time.Time) bool {
	off := c.offset(t)
	return off >= c.start && off < c.end
}

func (c *DailyCalendar) IsTimeIncluded(t time.Time) bool {
	if !c.baseIncludes(t) {
		return false
	}
	if c.invert {
		return c.inRange(t)
	}
	return !c.inRange(t)
}

func (c *DailyCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(c, t, func(t time.Time) time.Time {
		lt := t.In(c.Location())
		y, m, d := lt.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, lt.Location())
		off := lt.Sub(midnight)
		switch {
		case !c.invert && off < c.end:
			return midnight.Add(c.end)
		case c.invert && off < c.start:
			return midnight.Add(c.start)
		case c.invert:
			return startOfNextDay(lt).Add(c.start)
		default:
			return startOfNextDay(lt)
		}
	})
}
