// Package calendar provides the time-exclusion gates that triggers consult
// when computing fire times.
//
// A Calendar never makes a trigger fire; it only removes candidate instants.
// Calendars chain: each one may carry a base calendar, and an instant is
// included only if every calendar in the chain includes it.
package calendar

import (
	"time"
)

// maxSearch bounds NextIncludedTime scans.
const maxSearch = 366 * 24 * time.Hour

// Calendar excludes instants from trigger schedules.
type Calendar interface {
	// IsTimeIncluded reports whether t may be used as a fire time.
	IsTimeIncluded(t time.Time) bool
	// NextIncludedTime returns the first included instant at or after t,
	// or the zero time if none exists within a year.
	NextIncludedTime(t time.Time) time.Time
	// Description is a human-readable summary.
	Description() string
	// Base returns the chained calendar, or nil.
	Base() Calendar
	// SetBase chains another calendar under this one.
	SetBase(base Calendar)
}

// base carries the chain and description shared by every calendar kind.
type base struct {
	next Calendar
	desc string
	loc  *time.Location
}

func (b *base) Base() Calendar         { return b.next }
func (b *base) SetBase(c Calendar)     { b.next = c }
func (b *base) Description() string    { return b.desc }
func (b *base) SetDescription(d string) { b.desc = d }

// Location is the zone used to interpret dates and times of day.
func (b *base) Location() *time.Location {
	if b.loc == nil {
		return time.Local
	}
	return b.loc
}

// SetLocation sets the zone used to interpret dates and times of day.
func (b *base) SetLocation(loc *time.Location) { b.loc = loc }

func (b *base) baseIncludes(t time.Time) bool {
	return b.next == nil || b.next.IsTimeIncluded(t)
}

// nextIncluded walks forward with step until included reports true,
// jumping to the base calendar's next included time when it rejects.
func nextIncluded(c Calendar, t time.Time, step func(time.Time) time.Time) time.Time {
	limit := t.Add(maxSearch)
	for !t.After(limit) {
		if c.IsTimeIncluded(t) {
			return t
		}
		if b := c.Base(); b != nil && !b.IsTimeIncluded(t) {
			n := b.NextIncludedTime(t)
			if n.IsZero() {
				return time.Time{}
			}
			if n.After(t) {
				t = n
				continue
			}
		}
		t = step(t)
	}
	return time.Time{}
}

// startOfNextDay returns local midnight after t.
func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
