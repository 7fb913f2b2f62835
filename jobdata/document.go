// Package jobdata loads calendars, jobs and triggers from YAML job
// definition files into a scheduler, and optionally re-applies a file
// whenever it changes on disk.
//
// A file looks like:
//
//	processing:
//	  overwrite_existing: true
//	calendars:
//	  - name: holidays
//	    calendar: {type: holiday, dates: ["2026-12-25"]}
//	jobs:
//	  - name: nightly-report
//	    group: reports
//	    type: shell
//	    data: {command: "make report"}
//	    triggers:
//	      - name: nightly
//	        cron: {expression: "0 0 2 * * ?", time_zone: Europe/Amsterdam}
//	        calendar: holidays
package jobdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
)

// AllGroups selects every group in pre-processing deletes.
const AllGroups = "*"

// Document is one job definition file.
type Document struct {
	PreProcessing PreProcessing   `yaml:"pre_processing"`
	Processing    Processing      `yaml:"processing"`
	Calendars     []CalendarEntry `yaml:"calendars"`
	Jobs          []JobEntry      `yaml:"jobs"`
}

// PreProcessing deletes existing jobs and triggers before the file is applied.
type PreProcessing struct {
	DeleteJobsInGroup     []string `yaml:"delete_jobs_in_group"`
	DeleteTriggersInGroup []string `yaml:"delete_triggers_in_group"`
	DeleteJobs            []string `yaml:"delete_jobs"`     // group.name
	DeleteTriggers        []string `yaml:"delete_triggers"` // group.name
}

// Processing overrides the loader options for one file. Unset fields keep
// the configured value.
type Processing struct {
	OverwriteExisting *bool `yaml:"overwrite_existing"`
	IgnoreDuplicates  *bool `yaml:"ignore_duplicates"`
}

// CalendarEntry names a calendar chain. The calendar body uses the same
// fields as the stored form (type, dates, excluded_weekdays, range_start,
// range_end, invert, expression, time_zone, base).
type CalendarEntry struct {
	Name           string         `yaml:"name"`
	Replace        bool           `yaml:"replace"`
	UpdateTriggers bool           `yaml:"update_triggers"`
	Calendar       map[string]any `yaml:"calendar"`
}

// JobEntry describes a job and the triggers that fire it.
type JobEntry struct {
	Name               string         `yaml:"name"`
	Group              string         `yaml:"group"`
	Type               string         `yaml:"type"`
	Description        string         `yaml:"description"`
	Durable            bool           `yaml:"durable"`
	Recover            bool           `yaml:"recover"`
	DisallowConcurrent bool           `yaml:"disallow_concurrent"`
	PersistData        bool           `yaml:"persist_data"`
	SwallowErrors      bool           `yaml:"swallow_errors"`
	Data               map[string]any `yaml:"data"`
	Triggers           []TriggerEntry `yaml:"triggers"`
}

// TriggerEntry describes one trigger. Exactly one of Simple, Cron and
// CalendarInterval must be set.
type TriggerEntry struct {
	Name        string         `yaml:"name"`
	Group       string         `yaml:"group"`
	Description string         `yaml:"description"`
	Priority    *int           `yaml:"priority"`
	StartAt     string         `yaml:"start_at"` // RFC 3339
	StartDelay  time.Duration  `yaml:"start_delay"`
	EndAt       string         `yaml:"end_at"` // RFC 3339
	Calendar    string         `yaml:"calendar"`
	Misfire     string         `yaml:"misfire"`
	Data        map[string]any `yaml:"data"`

	Simple           *SimpleEntry           `yaml:"simple"`
	Cron             *CronEntry             `yaml:"cron"`
	CalendarInterval *CalendarIntervalEntry `yaml:"calendar_interval"`
}

// SimpleEntry is a fixed-interval schedule. Repeat -1 repeats forever.
type SimpleEntry struct {
	Interval time.Duration `yaml:"interval"`
	Repeat   int           `yaml:"repeat"`
}

// CronEntry is a cron schedule.
type CronEntry struct {
	Expression string `yaml:"expression"`
	TimeZone   string `yaml:"time_zone"`
}

// CalendarIntervalEntry steps by calendar units.
type CalendarIntervalEntry struct {
	Interval int    `yaml:"interval"`
	Unit     string `yaml:"unit"`
	TimeZone string `yaml:"time_zone"`
}

// Parse decodes a job definition document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "parse job definitions"), errors.ErrInvalidRequest)
	}
	return &doc, nil
}

// ReadFile reads and parses a job definition file.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read job definitions %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.WithDetail(err, "file: "+path)
	}
	return doc, nil
}

// BuildCalendar turns the calendar body into a calendar chain.
func (c *CalendarEntry) BuildCalendar() (calendar.Calendar, error) {
	if c.Name == "" {
		return nil, errors.NewInvalidRequestError("calendar entry without a name")
	}
	if len(c.Calendar) == 0 {
		return nil, errors.NewInvalidRequestError("calendar %s has no definition", c.Name)
	}
	body, err := json.Marshal(normalizeYAML(c.Calendar))
	if err != nil {
		return nil, errors.Wrapf(err, "encode calendar %s", c.Name)
	}
	cal, err := calendar.Unmarshal(body)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "calendar %s", c.Name), errors.ErrInvalidRequest)
	}
	return cal, nil
}

// BuildJob returns the job detail described by the entry.
func (j *JobEntry) BuildJob() (*schedule.JobDetail, error) {
	if j.Type == "" {
		return nil, errors.NewInvalidRequestError("job %s has no type", schedule.NewKey(j.Name, j.Group))
	}
	job := schedule.NewJob(j.Type, j.Name, j.Group).
		WithDescription(j.Description).
		StoreDurably(j.Durable)
	if j.Recover {
		job.RequestRecovery()
	}
	if j.DisallowConcurrent {
		job.DisallowConcurrentExecution()
	}
	if j.PersistData {
		job.PersistDataAfterExecution()
	}
	job.SwallowErrors = j.SwallowErrors
	for k, v := range j.Data {
		job.UsingJobData(k, normalizeYAML(v))
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// BuildTriggers returns the job's triggers bound to its key. now anchors
// start_delay and triggers without a start time.
func (j *JobEntry) BuildTriggers(jobKey schedule.Key, now time.Time) ([]*schedule.Trigger, error) {
	triggers := make([]*schedule.Trigger, 0, len(j.Triggers))
	for i := range j.Triggers {
		t, err := j.Triggers[i].Build(jobKey, now)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s trigger %d", jobKey, i)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// Build returns the trigger described by the entry.
func (t *TriggerEntry) Build(jobKey schedule.Key, now time.Time) (*schedule.Trigger, error) {
	sched, err := t.schedule()
	if err != nil {
		return nil, err
	}
	name := t.Name
	if name == "" {
		name = jobKey.Name
	}
	group := t.Group
	if group == "" {
		group = jobKey.Group
	}
	b := schedule.NewTrigger(name, group).
		ForJob(jobKey).
		WithDescription(t.Description).
		WithSchedule(sched).
		ModifiedByCalendar(t.Calendar)

	start := now.Add(t.StartDelay)
	if t.StartAt != "" {
		at, err := time.Parse(time.RFC3339, t.StartAt)
		if err != nil {
			return nil, errors.NewInvalidRequestError("trigger %s start_at %q is not RFC 3339", name, t.StartAt)
		}
		start = at.Add(t.StartDelay)
	}
	b.StartAt(start)
	if t.EndAt != "" {
		end, err := time.Parse(time.RFC3339, t.EndAt)
		if err != nil {
			return nil, errors.NewInvalidRequestError("trigger %s end_at %q is not RFC 3339", name, t.EndAt)
		}
		b.EndAt(end)
	}
	if t.Priority != nil {
		b.WithPriority(*t.Priority)
	}
	if t.Misfire != "" {
		m, err := schedule.ParseMisfireInstruction(t.Misfire)
		if err != nil {
			return nil, err
		}
		b.WithMisfireInstruction(m)
	}
	for k, v := range t.Data {
		b.UsingJobData(k, normalizeYAML(v))
	}

	trig := b.Build()
	if err := trig.Validate(); err != nil {
		return nil, err
	}
	return trig, nil
}

func (t *TriggerEntry) schedule() (schedule.Schedule, error) {
	set := 0
	for _, ok := range []bool{t.Simple != nil, t.Cron != nil, t.CalendarInterval != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, errors.NewInvalidRequestError("trigger %q needs exactly one of simple, cron or calendar_interval", t.Name)
	}
	switch {
	case t.Simple != nil:
		return &schedule.SimpleSchedule{Interval: t.Simple.Interval, RepeatCount: t.Simple.Repeat}, nil
	case t.Cron != nil:
		return schedule.NewCronSchedule(t.Cron.Expression, t.Cron.TimeZone)
	default:
		ci := t.CalendarInterval
		return schedule.NewCalendarIntervalSchedule(ci.Interval, schedule.IntervalUnit(ci.Unit), ci.TimeZone)
	}
}

// normalizeYAML makes decoded YAML values JSON-encodable: map keys become
// strings and timestamps become dates or RFC 3339 strings.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeYAML(x[i])
		}
		return out
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	default:
		return in
	}
}
