package jobdata

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// Scheduler is the part of the scheduler API the loader drives.
type Scheduler interface {
	AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error
	ScheduleJobWithTriggers(ctx context.Context, job *schedule.JobDetail, triggers []*schedule.Trigger, replace bool) error
	DeleteJob(ctx context.Context, key schedule.Key) (bool, error)
	UnscheduleJob(ctx context.Context, key schedule.Key) (bool, error)
	GetJobKeys(ctx context.Context, group string) ([]schedule.Key, error)
	GetTriggerKeys(ctx context.Context, group string) ([]schedule.Key, error)
}

// Options control how documents are applied.
type Options struct {
	OverwriteExisting bool
	IgnoreDuplicates  bool
	FailOnMissing     bool
}

// OptionsFromConfig maps the jobdata config section.
func OptionsFromConfig(cfg am.JobDataConfig) Options {
	return Options{
		OverwriteExisting: cfg.OverwriteExisting,
		IgnoreDuplicates:  cfg.IgnoreDuplicates,
		FailOnMissing:     cfg.FailOnMissing,
	}
}

// Result counts what one Apply did.
type Result struct {
	Calendars       int
	Jobs            int
	Triggers        int
	Skipped         int
	DeletedJobs     int
	DeletedTriggers int
}

// Loader applies job definition documents to a scheduler.
type Loader struct {
	sched  Scheduler
	opts   Options
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewLoader creates a loader. A nil logger disables logging.
func NewLoader(sched Scheduler, opts Options, log *zap.SugaredLogger) *Loader {
	return &Loader{
		sched:  sched,
		opts:   opts,
		logger: logger.OrNop(log),
		now:    time.Now,
	}
}

// LoadFile reads path and applies it. A missing file is logged and skipped
// unless FailOnMissing is set.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !l.opts.FailOnMissing {
			logger.PulseWarnw(l.logger, "Job definition file not found, skipping", logger.FieldFile, path)
			return &Result{}, nil
		}
		return nil, errors.Wrapf(err, "job definitions %s", path)
	}
	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	res, err := l.Apply(ctx, doc)
	if err != nil {
		return res, errors.WithDetail(err, "file: "+path)
	}
	logger.PulseInfow(l.logger, "Job definitions applied",
		logger.FieldFile, path,
		"calendars", res.Calendars,
		"jobs", res.Jobs,
		"triggers", res.Triggers,
		"skipped", res.Skipped)
	return res, nil
}

// LoadFiles applies every path in order and stops at the first error.
func (l *Loader) LoadFiles(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := l.LoadFile(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs pre-processing deletes, then stores calendars, then jobs with
// their triggers. Calendars go first so triggers can reference them.
func (l *Loader) Apply(ctx context.Context, doc *Document) (*Result, error) {
	res := &Result{}
	overwrite := l.opts.OverwriteExisting
	if doc.Processing.OverwriteExisting != nil {
		overwrite = *doc.Processing.OverwriteExisting
	}
	ignoreDuplicates := l.opts.IgnoreDuplicates
	if doc.Processing.IgnoreDuplicates != nil {
		ignoreDuplicates = *doc.Processing.IgnoreDuplicates
	}

	if err := l.preProcess(ctx, &doc.PreProcessing, res); err != nil {
		return res, err
	}

	for i := range doc.Calendars {
		entry := &doc.Calendars[i]
		cal, err := entry.BuildCalendar()
		if err != nil {
			return res, err
		}
		err = l.sched.AddCalendar(ctx, entry.Name, cal, overwrite || entry.Replace, entry.UpdateTriggers)
		if err != nil {
			if ignoreDuplicates && errors.IsObjectAlreadyExists(err) {
				logger.PulseDebugw(l.logger, "Calendar exists, skipping", logger.FieldCalendar, entry.Name)
				res.Skipped++
				continue
			}
			return res, errors.Wrapf(err, "calendar %s", entry.Name)
		}
		res.Calendars++
	}

	now := l.now()
	for i := range doc.Jobs {
		entry := &doc.Jobs[i]
		job, err := entry.BuildJob()
		if err != nil {
			return res, err
		}
		triggers, err := entry.BuildTriggers(job.Key, now)
		if err != nil {
			return res, err
		}
		err = l.sched.ScheduleJobWithTriggers(ctx, job, triggers, overwrite)
		if err != nil {
			if ignoreDuplicates && errors.IsObjectAlreadyExists(err) {
				logger.PulseDebugw(l.logger, "Job exists, skipping", logger.FieldJob, job.Key.String())
				res.Skipped++
				continue
			}
			return res, errors.Wrapf(err, "job %s", job.Key)
		}
		res.Jobs++
		res.Triggers += len(triggers)
	}
	return res, nil
}

func (l *Loader) preProcess(ctx context.Context, pre *PreProcessing, res *Result) error {
	for _, group := range pre.DeleteJobsInGroup {
		if group == AllGroups {
			group = ""
		}
		keys, err := l.sched.GetJobKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := l.deleteJob(ctx, k, res); err != nil {
				return err
			}
		}
	}
	for _, s := range pre.DeleteJobs {
		if err := l.deleteJob(ctx, schedule.ParseKey(s), res); err != nil {
			return err
		}
	}
	for _, group := range pre.DeleteTriggersInGroup {
		if group == AllGroups {
			group = ""
		}
		keys, err := l.sched.GetTriggerKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := l.unschedule(ctx, k, res); err != nil {
				return err
			}
		}
	}
	for _, s := range pre.DeleteTriggers {
		if err := l.unschedule(ctx, schedule.ParseKey(s), res); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) deleteJob(ctx context.Context, key schedule.Key, res *Result) error {
	removed, err := l.sched.DeleteJob(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", key)
	}
	if removed {
		res.DeletedJobs++
	}
	return nil
}

func (l *Loader) unschedule(ctx context.Context, key schedule.Key, res *Result) error {
	removed, err := l.sched.UnscheduleJob(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "unschedule trigger %s", key)
	}
	if removed {
		res.DeletedTriggers++
	}
	return nil
}
