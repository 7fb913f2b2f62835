package calendar

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulse/errors"
)

// Calendar type tags used in the persisted form.
const (
	TypeHoliday = "holiday"
	TypeWeekly  = "weekly"
	TypeDaily   = "daily"
	TypeCron    = "cron"
)

// document is the persisted form of a calendar chain.
type document struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	TimeZone    string    `json:"time_zone,omitempty"`
	Dates       []string  `json:"dates,omitempty"`
	Weekdays    []int     `json:"excluded_weekdays,omitempty"`
	RangeStart  string    `json:"range_start,omitempty"`
	RangeEnd    string    `json:"range_end,omitempty"`
	Invert      bool      `json:"invert,omitempty"`
	Expression  string    `json:"expression,omitempty"`
	Base        *document `json:"base,omitempty"`
}

// Marshal encodes a calendar chain as JSON.
func Marshal(c Calendar) ([]byte, error) {
	doc, err := toDocument(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Unmarshal decodes a calendar chain produced by Marshal.
func Unmarshal(data []byte) (Calendar, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode calendar")
	}
	return fromDocument(&doc)
}

func zoneName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	return loc.String()
}

func toDocument(c Calendar) (*document, error) {
	doc := &document{Description: c.Description()}
	switch cal := c.(type) {
	case *HolidayCalendar:
		doc.Type = TypeHoliday
		doc.TimeZone = zoneName(cal.loc)
		doc.Dates = cal.ExcludedDates()
	case *WeeklyCalendar:
		doc.Type = TypeWeekly
		doc.TimeZone = zoneName(cal.loc)
		doc.Weekdays = []int{}
		for d := time.Sunday; d <= time.Saturday; d++ {
			if cal.excluded[d] {
				doc.Weekdays = append(doc.Weekdays, int(d))
			}
		}
	case *DailyCalendar:
		doc.Type = TypeDaily
		doc.TimeZone = zoneName(cal.loc)
		doc.RangeStart = cal.start.String()
		doc.RangeEnd = cal.end.String()
		doc.Invert = cal.invert
	case *CronCalendar:
		doc.Type = TypeCron
		doc.TimeZone = zoneName(cal.loc)
		doc.Expression = cal.expression
	default:
		return nil, errors.Newf("calendar type %T cannot be persisted", c)
	}
	if b := c.Base(); b != nil {
		bd, err := toDocument(b)
		if err != nil {
			return nil, err
		}
		doc.Base = bd
	}
	return doc, nil
}

func fromDocument(doc *document) (Calendar, error) {
	var loc *time.Location
	if doc.TimeZone != "" {
		l, err := time.LoadLocation(doc.TimeZone)
		if err != nil {
			return nil, errors.Wrapf(err, "calendar time zone %q", doc.TimeZone)
		}
		loc = l
	}

	var cal Calendar
	switch doc.Type {
	case TypeHoliday:
		h := NewHolidayCalendar(loc)
		for _, d := range doc.Dates {
			t, err := time.ParseInLocation(dateLayout, d, h.Location())
			if err != nil {
				return nil, errors.Wrapf(err, "holiday date %q", d)
			}
			h.AddExcludedDate(t)
		}
		cal = h
	case TypeWeekly:
		w := NewWeeklyCalendar(loc)
		w.SetDayExcluded(time.Saturday, false)
		w.SetDayExcluded(time.Sunday, false)
		for _, d := range doc.Weekdays {
			if d < 0 || d > 6 {
				return nil, errors.Newf("weekday %d out of range", d)
			}
			w.SetDayExcluded(time.Weekday(d), true)
		}
		cal = w
	case TypeDaily:
		start, err := time.ParseDuration(doc.RangeStart)
		if err != nil {
			return nil, errors.Wrap(err, "daily calendar range_start")
		}
		end, err := time.ParseDuration(doc.RangeEnd)
		if err != nil {
			return nil, errors.Wrap(err, "daily calendar range_end")
		}
		d, err := NewDailyCalendar(loc, start, end)
		if err != nil {
			return nil, err
		}
		d.SetInvertTimeRange(doc.Invert)
		cal = d
	case TypeCron:
		c, err := NewCronCalendar(loc, doc.Expression)
		if err != nil {
			return nil, err
		}
		cal = c
	default:
		return nil, errors.Newf("unknown calendar type %q", doc.Type)
	}

	if d, ok := cal.(interface{ SetDescription(string) }); ok {
		d.SetDescription(doc.Description)
	}
	if doc.Base != nil {
		b, err := fromDocument(doc.Base)
		if err != nil {
			return nil, err
		}
		cal.SetBase(b)
	}
	return cal, nil
}
