package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulse/errors"
)

// Kind tags a schedule implementation in storage.
type Kind string

const (
	KindSimple           Kind = "simple"
	KindCron             Kind = "cron"
	KindCalendarInterval Kind = "calendar_interval"
)

// Schedule is the fire-time strategy of a trigger. Job stores and the
// scheduler only call these methods and never branch on the concrete kind.
type Schedule interface {
	Kind() Kind
	// FireTimeAfter returns the first fire time strictly after after,
	// not earlier than the trigger's start time, or nil.
	FireTimeAfter(t *Trigger, after time.Time) *time.Time
	// MisfireDefault is what the smart misfire policy means for this kind.
	MisfireDefault(t *Trigger) MisfireInstruction
	// FireNow reschedules the trigger to fire at now.
	FireNow(t *Trigger, now time.Time)
	// Validate checks kind-specific settings.
	Validate(t *Trigger) error
	Clone() Schedule
}

// EncodeSchedule serializes a schedule for storage.
func EncodeSchedule(s Schedule) (Kind, string, error) {
	if s == nil {
		return "", "", errors.New("nil schedule")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", "", errors.Wrapf(err, "encode %s schedule", s.Kind())
	}
	return s.Kind(), string(b), nil
}

// DecodeSchedule restores a schedule written by EncodeSchedule.
func DecodeSchedule(kind Kind, data string) (Schedule, error) {
	switch kind {
	case KindSimple:
		var s SimpleSchedule
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, errors.Wrap(err, "decode simple schedule")
		}
		return &s, nil
	case KindCron:
		var doc cronDocument
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, errors.Wrap(err, "decode cron schedule")
		}
		return NewCronSchedule(doc.Expression, doc.TimeZone)
	case KindCalendarInterval:
		var doc calendarIntervalDocument
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, errors.Wrap(err, "decode calendar interval schedule")
		}
		return NewCalendarIntervalSchedule(doc.Interval, doc.Unit, doc.TimeZone)
	}
	return nil, errors.Newf("unknown schedule kind %q", kind)
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
