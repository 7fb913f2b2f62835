package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"go.uber.org/zap"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

type triggerWrapper struct {
	trigger *schedule.Trigger
	state   schedule.TriggerState
	inTree  bool
}

type jobWrapper struct {
	job      *schedule.JobDetail
	triggers map[schedule.Key]*triggerWrapper
}

// calendarName lets calendar names be reported through ObjectAlreadyExists.
type calendarName string

func (c calendarName) String() string { return string(c) }

// RAMStore keeps all scheduling data in process memory. Nothing survives a
// restart and it cannot be clustered.
//
// WAITING triggers with a next fire time are indexed in a red-black tree
// ordered by fire time, then priority (higher first), then key.
type RAMStore struct {
	opts Options
	log  *zap.SugaredLogger

	mu        sync.Mutex
	signaler  SchedulerSignaler
	jobs      map[schedule.Key]*jobWrapper
	triggers  map[schedule.Key]*triggerWrapper
	calendars map[string]calendar.Calendar
	// timeTriggers holds exactly the WAITING triggers that can fire.
	timeTriggers *redblacktree.Tree
	pausedGroups map[string]struct{}
	// blockedJobs are non-concurrent jobs with an execution in flight.
	blockedJobs map[schedule.Key]struct{}
	fired       map[string]*FiredTriggerRecord
}

var _ JobStore = (*RAMStore)(nil)

// NewRAMStore creates an empty in-memory store.
func NewRAMStore(opts Options) *RAMStore {
	opts = opts.withDefaults()
	s := &RAMStore{
		opts: opts,
		log:  opts.Logger.With(logger.FieldComponent, "ramstore"),
	}
	s.reset()
	return s
}

func (s *RAMStore) reset() {
	s.jobs = make(map[schedule.Key]*jobWrapper)
	s.triggers = make(map[schedule.Key]*triggerWrapper)
	s.calendars = make(map[string]calendar.Calendar)
	s.timeTriggers = redblacktree.NewWith(compareTriggerWrappers)
	s.pausedGroups = make(map[string]struct{})
	s.blockedJobs = make(map[schedule.Key]struct{})
	s.fired = make(map[string]*FiredTriggerRecord)
}

// compareTriggerWrappers orders by next fire time (nil last), priority
// descending, then key.
func compareTriggerWrappers(a, b interface{}) int {
	ta := a.(*triggerWrapper).trigger
	tb := b.(*triggerWrapper).trigger
	na, nb := ta.NextFireTime, tb.NextFireTime
	switch {
	case na != nil && nb != nil:
		if na.Before(*nb) {
			return -1
		}
		if nb.Before(*na) {
			return 1
		}
	case na != nil:
		return -1
	case nb != nil:
		return 1
	}
	if ta.Priority != tb.Priority {
		if ta.Priority > tb.Priority {
			return -1
		}
		return 1
	}
	return ta.Key.Compare(tb.Key)
}

// treeRemove must be called before a wrapper's NextFireTime or Priority changes.
func (s *RAMStore) treeRemove(tw *triggerWrapper) {
	if !tw.inTree {
		return
	}
	s.timeTriggers.Remove(tw)
	tw.inTree = false
}

func (s *RAMStore) treeAdd(tw *triggerWrapper) {
	if tw.inTree || tw.state != schedule.StateWaiting || tw.trigger.NextFireTime == nil {
		return
	}
	s.timeTriggers.Put(tw, nil)
	tw.inTree = true
}

func (s *RAMStore) setState(tw *triggerWrapper, state schedule.TriggerState) {
	s.treeRemove(tw)
	tw.state = state
	s.treeAdd(tw)
}

func (s *RAMStore) groupPaused(group string) bool {
	if _, ok := s.pausedGroups[group]; ok {
		return true
	}
	if _, ok := s.pausedGroups[AllGroupsPaused]; ok {
		s.pausedGroups[group] = struct{}{}
		return true
	}
	return false
}

func (s *RAMStore) isBlocked(jobKey schedule.Key) bool {
	_, ok := s.blockedJobs[jobKey]
	return ok
}

func (s *RAMStore) executingRecord(key schedule.Key) bool {
	for _, rec := range s.fired {
		if rec.TriggerKey == key && rec.State == schedule.FiredExecuting {
			return true
		}
	}
	return false
}

func (s *RAMStore) calendarFor(t *schedule.Trigger) calendar.Calendar {
	if t.CalendarName == "" {
		return nil
	}
	return s.calendars[t.CalendarName]
}

func cloneCalendar(cal calendar.Calendar) calendar.Calendar {
	if cal == nil {
		return nil
	}
	data, err := calendar.Marshal(cal)
	if err != nil {
		return cal
	}
	c, err := calendar.Unmarshal(data)
	if err != nil {
		return cal
	}
	return c
}

// Initialize implements JobStore.
func (s *RAMStore) Initialize(_ context.Context, signaler SchedulerSignaler) error {
	s.mu.Lock()
	s.signaler = signaler
	s.mu.Unlock()
	s.log.Infow("RAM job store initialized", logger.FieldScheduler, s.opts.SchedulerName)
	return nil
}

// SchedulerStarted implements JobStore. There is nothing to recover.
func (s *RAMStore) SchedulerStarted(context.Context) error { return nil }

// SchedulerPaused implements JobStore.
func (s *RAMStore) SchedulerPaused() {}

// SchedulerResumed implements JobStore.
func (s *RAMStore) SchedulerResumed() {}

// Shutdown implements JobStore.
func (s *RAMStore) Shutdown() {}

// SupportsPersistence implements JobStore.
func (s *RAMStore) SupportsPersistence() bool { return false }

// Clustered implements JobStore.
func (s *RAMStore) Clustered() bool { return false }

// AcquireRetryDelay implements JobStore.
func (s *RAMStore) AcquireRetryDelay(int) time.Duration { return 20 * time.Millisecond }

func (s *RAMStore) begin() *notifier {
	s.mu.Lock()
	return newNotifier(s.signaler)
}

// end releases the lock and then delivers queued notifications.
func (s *RAMStore) end(n *notifier) {
	s.mu.Unlock()
	n.flush()
}

func (s *RAMStore) storeJob(job *schedule.JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if jw, ok := s.jobs[job.Key]; ok {
		if !replace {
			return errors.ObjectAlreadyExists("job", job.Key)
		}
		jw.job = job.Clone()
		return nil
	}
	s.jobs[job.Key] = &jobWrapper{job: job.Clone(), triggers: make(map[schedule.Key]*triggerWrapper)}
	return nil
}

func (s *RAMStore) storeTrigger(t *schedule.Trigger, replace bool, n *notifier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.triggers[t.Key]; ok {
		if !replace {
			return errors.ObjectAlreadyExists("trigger", t.Key)
		}
		s.removeTrigger(t.Key, false, n)
	}
	jw, ok := s.jobs[t.JobKey]
	if !ok {
		return errors.NewJobPersistence("the job (%s) referenced by the trigger does not exist", t.JobKey)
	}
	tw := &triggerWrapper{trigger: t.Clone(), state: schedule.StateWaiting}
	tw.trigger.FireInstanceID = ""
	if s.groupPaused(t.Key.Group) {
		tw.state = schedule.StatePaused
	}
	if s.isBlocked(t.JobKey) {
		if tw.state == schedule.StatePaused {
			tw.state = schedule.StatePausedBlocked
		} else {
			tw.state = schedule.StateBlocked
		}
	}
	s.triggers[t.Key] = tw
	jw.triggers[t.Key] = tw
	s.treeAdd(tw)
	return nil
}

func (s *RAMStore) removeTrigger(key schedule.Key, deleteOrphanedJob bool, n *notifier) bool {
	tw, ok := s.triggers[key]
	if !ok {
		return false
	}
	s.treeRemove(tw)
	delete(s.triggers, key)
	jobKey := tw.trigger.JobKey
	if jw, ok := s.jobs[jobKey]; ok {
		delete(jw.triggers, key)
		if deleteOrphanedJob && !jw.job.Durable && len(jw.triggers) == 0 {
			delete(s.jobs, jobKey)
			n.jobDeleted(jobKey)
		}
	}
	return true
}

func (s *RAMStore) removeJob(key schedule.Key, cascade bool, n *notifier) (bool, error) {
	jw, ok := s.jobs[key]
	if !ok {
		return false, nil
	}
	if len(jw.triggers) > 0 && !cascade {
		return false, errors.NewJobPersistence("job %s is still referenced by %d trigger(s)", key, len(jw.triggers))
	}
	for k := range jw.triggers {
		s.removeTrigger(k, false, n)
	}
	delete(s.jobs, key)
	delete(s.blockedJobs, key)
	return true, nil
}

// StoreJobAndTrigger implements JobStore.
func (s *RAMStore) StoreJobAndTrigger(_ context.Context, job *schedule.JobDetail, trigger *schedule.Trigger) error {
	n := s.begin()
	defer s.end(n)
	if trigger.JobKey != job.Key {
		return errors.NewInvalidRequestError("trigger %s does not reference job %s", trigger.Key, job.Key)
	}
	if _, ok := s.jobs[job.Key]; ok {
		return errors.ObjectAlreadyExists("job", job.Key)
	}
	if _, ok := s.triggers[trigger.Key]; ok {
		return errors.ObjectAlreadyExists("trigger", trigger.Key)
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	if err := s.storeJob(job, false); err != nil {
		return err
	}
	return s.storeTrigger(trigger, false, n)
}

// StoreJob implements JobStore.
func (s *RAMStore) StoreJob(_ context.Context, job *schedule.JobDetail, replace bool) error {
	n := s.begin()
	defer s.end(n)
	return s.storeJob(job, replace)
}

// StoreJobsAndTriggers implements JobStore. Without replace nothing is
// stored when any key already exists.
func (s *RAMStore) StoreJobsAndTriggers(_ context.Context, jobs map[*schedule.JobDetail][]*schedule.Trigger, replace bool) error {
	n := s.begin()
	defer s.end(n)
	for job, triggers := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if !replace {
			if _, ok := s.jobs[job.Key]; ok {
				return errors.ObjectAlreadyExists("job", job.Key)
			}
		}
		for _, t := range triggers {
			if err := t.Validate(); err != nil {
				return err
			}
			if !replace {
				if _, ok := s.triggers[t.Key]; ok {
					return errors.ObjectAlreadyExists("trigger", t.Key)
				}
			}
		}
	}
	for job, triggers := range jobs {
		if err := s.storeJob(job, true); err != nil {
			return err
		}
		for _, t := range triggers {
			if err := s.storeTrigger(t, true, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveJob implements JobStore.
func (s *RAMStore) RemoveJob(_ context.Context, key schedule.Key, cascade bool) (bool, error) {
	n := s.begin()
	defer s.end(n)
	return s.removeJob(key, cascade, n)
}

// RemoveJobs implements JobStore.
func (s *RAMStore) RemoveJobs(_ context.Context, keys []schedule.Key) (bool, error) {
	n := s.begin()
	defer s.end(n)
	all := true
	for _, k := range keys {
		found, err := s.removeJob(k, true, n)
		if err != nil {
			return false, err
		}
		all = all && found
	}
	return all, nil
}

// RetrieveJob implements JobStore.
func (s *RAMStore) RetrieveJob(_ context.Context, key schedule.Key) (*schedule.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jw, ok := s.jobs[key]; ok {
		return jw.job.Clone(), nil
	}
	return nil, nil
}

// StoreTrigger implements JobStore.
func (s *RAMStore) StoreTrigger(_ context.Context, trigger *schedule.Trigger, replace bool) error {
	n := s.begin()
	defer s.end(n)
	return s.storeTrigger(trigger, replace, n)
}

// RemoveTrigger implements JobStore.
func (s *RAMStore) RemoveTrigger(_ context.Context, key schedule.Key) (bool, error) {
	n := s.begin()
	defer s.end(n)
	return s.removeTrigger(key, true, n), nil
}

// RemoveTriggers implements JobStore.
func (s *RAMStore) RemoveTriggers(_ context.Context, keys []schedule.Key) (bool, error) {
	n := s.begin()
	defer s.end(n)
	all := true
	for _, k := range keys {
		all = s.removeTrigger(k, true, n) && all
	}
	return all, nil
}

// ReplaceTrigger implements JobStore.
func (s *RAMStore) ReplaceTrigger(_ context.Context, key schedule.Key, trigger *schedule.Trigger) (bool, error) {
	n := s.begin()
	defer s.end(n)
	old, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	if err := trigger.Validate(); err != nil {
		return false, err
	}
	if trigger.JobKey != old.trigger.JobKey {
		return false, errors.NewJobPersistence("new trigger %s is not related to the same job as the old trigger %s", trigger.Key, key)
	}
	s.removeTrigger(key, false, n)
	if err := s.storeTrigger(trigger, false, n); err != nil {
		return false, err
	}
	return true, nil
}

// RetrieveTrigger implements JobStore.
func (s *RAMStore) RetrieveTrigger(_ context.Context, key schedule.Key) (*schedule.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tw, ok := s.triggers[key]; ok {
		return tw.trigger.Clone(), nil
	}
	return nil, nil
}

// CheckJobExists implements JobStore.
func (s *RAMStore) CheckJobExists(_ context.Context, key schedule.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok, nil
}

// CheckTriggerExists implements JobStore.
func (s *RAMStore) CheckTriggerExists(_ context.Context, key schedule.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[key]
	return ok, nil
}

// ClearAllSchedulingData implements JobStore.
func (s *RAMStore) ClearAllSchedulingData(context.Context) error {
	n := s.begin()
	defer s.end(n)
	s.reset()
	n.schedulingChange(nil)
	return nil
}

// StoreCalendar implements JobStore.
func (s *RAMStore) StoreCalendar(_ context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	if name == "" || cal == nil {
		return errors.NewInvalidRequestError("calendar name and calendar are required")
	}
	n := s.begin()
	defer s.end(n)
	if _, ok := s.calendars[name]; ok && !replace {
		return errors.ObjectAlreadyExists("calendar", calendarName(name))
	}
	s.calendars[name] = cloneCalendar(cal)
	if updateTriggers {
		now := s.opts.Clock.Now()
		for _, tw := range s.triggers {
			if tw.trigger.CalendarName != name {
				continue
			}
			s.treeRemove(tw)
			tw.trigger.UpdateWithNewCalendar(cal, now, s.opts.MisfireThreshold)
			s.treeAdd(tw)
		}
		n.schedulingChange(nil)
	}
	return nil
}

// RemoveCalendar implements JobStore.
func (s *RAMStore) RemoveCalendar(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tw := range s.triggers {
		if tw.trigger.CalendarName == name {
			return false, errors.NewJobPersistence("calendar %q cannot be removed while trigger %s references it", name, tw.trigger.Key)
		}
	}
	_, ok := s.calendars[name]
	delete(s.calendars, name)
	return ok, nil
}

// RetrieveCalendar implements JobStore.
func (s *RAMStore) RetrieveCalendar(_ context.Context, name string) (calendar.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCalendar(s.calendars[name]), nil
}

// GetCalendarNames implements JobStore.
func (s *RAMStore) GetCalendarNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.calendars))
	for name := range s.calendars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// NumberOfJobs implements JobStore.
func (s *RAMStore) NumberOfJobs(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

// NumberOfTriggers implements JobStore.
func (s *RAMStore) NumberOfTriggers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers), nil
}

// NumberOfCalendars implements JobStore.
func (s *RAMStore) NumberOfCalendars(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calendars), nil
}

func sortKeys(keys []schedule.Key) []schedule.Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// GetJobKeys implements JobStore.
func (s *RAMStore) GetJobKeys(_ context.Context, group string) ([]schedule.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []schedule.Key{}
	for k := range s.jobs {
		if group == "" || k.Group == group {
			keys = append(keys, k)
		}
	}
	return sortKeys(keys), nil
}

// GetTriggerKeys implements JobStore.
func (s *RAMStore) GetTriggerKeys(_ context.Context, group string) ([]schedule.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []schedule.Key{}
	for k := range s.triggers {
		if group == "" || k.Group == group {
			keys = append(keys, k)
		}
	}
	return sortKeys(keys), nil
}

func groupNames(keys map[string]struct{}) []string {
	names := make([]string, 0, len(keys))
	for g := range keys {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// GetJobGroupNames implements JobStore.
func (s *RAMStore) GetJobGroupNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := map[string]struct{}{}
	for k := range s.jobs {
		groups[k.Group] = struct{}{}
	}
	return groupNames(groups), nil
}

// GetTriggerGroupNames implements JobStore.
func (s *RAMStore) GetTriggerGroupNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerGroups(), nil
}

func (s *RAMStore) triggerGroups() []string {
	groups := map[string]struct{}{}
	for k := range s.triggers {
		groups[k.Group] = struct{}{}
	}
	return groupNames(groups)
}

// GetTriggersForJob implements JobStore.
func (s *RAMStore) GetTriggersForJob(_ context.Context, jobKey schedule.Key) ([]*schedule.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jw, ok := s.jobs[jobKey]
	if !ok {
		return nil, nil
	}
	out := make([]*schedule.Trigger, 0, len(jw.triggers))
	for _, tw := range jw.triggers {
		out = append(out, tw.trigger.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// GetTriggerState implements JobStore.
func (s *RAMStore) GetTriggerState(_ context.Context, key schedule.Key) (schedule.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tw, ok := s.triggers[key]; ok {
		return tw.state, nil
	}
	return schedule.StateNone, nil
}

// GetPausedTriggerGroups implements JobStore.
func (s *RAMStore) GetPausedTriggerGroups(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := map[string]struct{}{}
	for g := range s.pausedGroups {
		if g != AllGroupsPaused {
			groups[g] = struct{}{}
		}
	}
	return groupNames(groups), nil
}

// EarliestFireTime implements JobStore.
func (s *RAMStore) EarliestFireTime(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.timeTriggers.Left()
	if node == nil {
		return nil, nil
	}
	next := *node.Key.(*triggerWrapper).trigger.NextFireTime
	return &next, nil
}

func (s *RAMStore) pauseTrigger(tw *triggerWrapper) {
	switch tw.state {
	case schedule.StateComplete, schedule.StateError, schedule.StatePaused, schedule.StatePausedBlocked:
		return
	}
	s.setState(tw, tw.state.Paused())
}

// PauseTrigger implements JobStore.
func (s *RAMStore) PauseTrigger(_ context.Context, key schedule.Key) error {
	n := s.begin()
	defer s.end(n)
	if tw, ok := s.triggers[key]; ok {
		s.pauseTrigger(tw)
	}
	return nil
}

func (s *RAMStore) pauseGroup(group string) {
	s.pausedGroups[group] = struct{}{}
	for k, tw := range s.triggers {
		if k.Group == group {
			s.pauseTrigger(tw)
		}
	}
}

// PauseTriggers implements JobStore.
func (s *RAMStore) PauseTriggers(_ context.Context, group string) ([]string, error) {
	n := s.begin()
	defer s.end(n)
	s.pauseGroup(group)
	return []string{group}, nil
}

// PauseJob implements JobStore.
func (s *RAMStore) PauseJob(_ context.Context, key schedule.Key) error {
	n := s.begin()
	defer s.end(n)
	if jw, ok := s.jobs[key]; ok {
		for _, tw := range jw.triggers {
			s.pauseTrigger(tw)
		}
	}
	return nil
}

// PauseJobs implements JobStore. It pauses the triggers of every job
// currently in group.
func (s *RAMStore) PauseJobs(_ context.Context, group string) ([]string, error) {
	n := s.begin()
	defer s.end(n)
	matched := false
	for k, jw := range s.jobs {
		if k.Group != group {
			continue
		}
		matched = true
		for _, tw := range jw.triggers {
			s.pauseTrigger(tw)
		}
	}
	if !matched {
		return []string{}, nil
	}
	return []string{group}, nil
}

// PauseAll implements JobStore.
func (s *RAMStore) PauseAll(context.Context) error {
	n := s.begin()
	defer s.end(n)
	for _, g := range s.triggerGroups() {
		s.pauseGroup(g)
	}
	s.pausedGroups[AllGroupsPaused] = struct{}{}
	return nil
}

// applyMisfire handles a misfired WAITING trigger. It reports whether the
// trigger's next fire time changed.
func (s *RAMStore) applyMisfire(tw *triggerWrapper, now time.Time, n *notifier) bool {
	t := tw.trigger
	if !t.IsMisfired(now, s.opts.MisfireThreshold) {
		return false
	}
	orig := *t.NextFireTime
	n.misfired(t)
	s.treeRemove(tw)
	instr := t.UpdateAfterMisfire(s.calendarFor(t), now)
	s.log.Debugw("Handled misfire",
		logger.FieldTrigger, t.Key.String(),
		logger.FieldScheduledFireTime, orig,
		logger.FieldMisfireInstruction, instr.String(),
		logger.FieldNextFireTime, t.NextFireTime)
	if t.NextFireTime == nil {
		tw.state = schedule.StateComplete
		n.finalized(t)
		return true
	}
	s.treeAdd(tw)
	return !t.NextFireTime.Equal(orig)
}

func (s *RAMStore) resumeTrigger(tw *triggerWrapper, now time.Time, n *notifier) {
	if !tw.state.IsPaused() {
		return
	}
	state := resumedState(tw.state, s.isBlocked(tw.trigger.JobKey), s.executingRecord(tw.trigger.Key))
	s.setState(tw, state)
	if state == schedule.StateWaiting {
		s.applyMisfire(tw, now, n)
	}
}

// ResumeTrigger implements JobStore.
func (s *RAMStore) ResumeTrigger(_ context.Context, key schedule.Key) error {
	n := s.begin()
	defer s.end(n)
	if tw, ok := s.triggers[key]; ok {
		s.resumeTrigger(tw, s.opts.Clock.Now(), n)
		n.schedulingChange(tw.trigger.NextFireTime)
	}
	return nil
}

// ResumeTriggers implements JobStore.
func (s *RAMStore) ResumeTriggers(_ context.Context, group string) ([]string, error) {
	n := s.begin()
	defer s.end(n)
	delete(s.pausedGroups, group)
	now := s.opts.Clock.Now()
	for k, tw := range s.triggers {
		if k.Group == group {
			s.resumeTrigger(tw, now, n)
		}
	}
	n.schedulingChange(nil)
	return []string{group}, nil
}

// ResumeJob implements JobStore.
func (s *RAMStore) ResumeJob(_ context.Context, key schedule.Key) error {
	n := s.begin()
	defer s.end(n)
	if jw, ok := s.jobs[key]; ok {
		now := s.opts.Clock.Now()
		for _, tw := range jw.triggers {
			s.resumeTrigger(tw, now, n)
		}
		n.schedulingChange(nil)
	}
	return nil
}

// ResumeJobs implements JobStore.
func (s *RAMStore) ResumeJobs(_ context.Context, group string) ([]string, error) {
	n := s.begin()
	defer s.end(n)
	now := s.opts.Clock.Now()
	matched := false
	for k, jw := range s.jobs {
		if k.Group != group {
			continue
		}
		matched = true
		for _, tw := range jw.triggers {
			s.resumeTrigger(tw, now, n)
		}
	}
	n.schedulingChange(nil)
	if !matched {
		return []string{}, nil
	}
	return []string{group}, nil
}

// ResumeAll implements JobStore.
func (s *RAMStore) ResumeAll(context.Context) error {
	n := s.begin()
	defer s.end(n)
	s.pausedGroups = make(map[string]struct{})
	now := s.opts.Clock.Now()
	for _, tw := range s.triggers {
		s.resumeTrigger(tw, now, n)
	}
	n.schedulingChange(nil)
	return nil
}

// ResetTriggerFromErrorState implements JobStore.
func (s *RAMStore) ResetTriggerFromErrorState(_ context.Context, key schedule.Key) error {
	n := s.begin()
	defer s.end(n)
	tw, ok := s.triggers[key]
	if !ok || tw.state != schedule.StateError {
		return nil
	}
	state := schedule.StateWaiting
	if s.groupPaused(key.Group) {
		state = schedule.StatePaused
	}
	if s.isBlocked(tw.trigger.JobKey) {
		if state == schedule.StatePaused {
			state = schedule.StatePausedBlocked
		} else {
			state = schedule.StateBlocked
		}
	}
	s.setState(tw, state)
	n.schedulingChange(tw.trigger.NextFireTime)
	return nil
}

// AcquireNextTriggers implements JobStore.
func (s *RAMStore) AcquireNextTriggers(_ context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*schedule.Trigger, error) {
	n := s.begin()
	defer s.end(n)

	var (
		result   []*schedule.Trigger
		excluded []*triggerWrapper
		batchEnd = noLaterThan
		now      = s.opts.Clock.Now()
		// non-concurrent jobs already picked in this batch
		picked = map[schedule.Key]struct{}{}
	)
	for len(result) < maxCount {
		node := s.timeTriggers.Left()
		if node == nil {
			break
		}
		tw := node.Key.(*triggerWrapper)
		s.treeRemove(tw)

		if s.applyMisfire(tw, now, n) {
			// re-added to the tree when still WAITING; look again
			continue
		}
		s.treeRemove(tw)
		if tw.trigger.NextFireTime.After(batchEnd) {
			s.treeAdd(tw)
			break
		}

		jobKey := tw.trigger.JobKey
		jw, ok := s.jobs[jobKey]
		if !ok {
			excluded = append(excluded, tw)
			continue
		}
		if jw.job.ConcurrentExecutionDisallowed {
			if _, dup := picked[jobKey]; dup {
				excluded = append(excluded, tw)
				continue
			}
			picked[jobKey] = struct{}{}
		}

		tw.state = schedule.StateAcquired
		tw.trigger.FireInstanceID = newFireInstanceID()
		s.fired[tw.trigger.FireInstanceID] = &FiredTriggerRecord{
			EntryID:          tw.trigger.FireInstanceID,
			TriggerKey:       tw.trigger.Key,
			JobKey:           jobKey,
			InstanceID:       s.opts.InstanceID,
			FiredTime:        now,
			ScheduledTime:    *tw.trigger.NextFireTime,
			Priority:         tw.trigger.Priority,
			State:            schedule.FiredAcquired,
			NonConcurrent:    jw.job.ConcurrentExecutionDisallowed,
			RequestsRecovery: jw.job.RequestsRecovery,
		}
		if len(result) == 0 {
			batchEnd = maxTime(*tw.trigger.NextFireTime, now).Add(timeWindow)
		}
		result = append(result, tw.trigger.Clone())
	}
	for _, tw := range excluded {
		s.treeAdd(tw)
	}
	return result, nil
}

// ReleaseAcquiredTrigger implements JobStore.
func (s *RAMStore) ReleaseAcquiredTrigger(_ context.Context, trigger *schedule.Trigger) error {
	n := s.begin()
	defer s.end(n)
	delete(s.fired, trigger.FireInstanceID)
	tw, ok := s.triggers[trigger.Key]
	if !ok || tw.state != schedule.StateAcquired {
		return nil
	}
	tw.trigger.FireInstanceID = ""
	s.setState(tw, schedule.StateWaiting)
	n.schedulingChange(tw.trigger.NextFireTime)
	return nil
}

// TriggersFired implements JobStore.
func (s *RAMStore) TriggersFired(_ context.Context, triggers []*schedule.Trigger) ([]TriggerFiredResult, error) {
	n := s.begin()
	defer s.end(n)
	results := make([]TriggerFiredResult, 0, len(triggers))
	for _, t := range triggers {
		results = append(results, TriggerFiredResult{Bundle: s.triggerFired(t, n)})
	}
	return results, nil
}

func (s *RAMStore) triggerFired(t *schedule.Trigger, n *notifier) *TriggerFiredBundle {
	tw, ok := s.triggers[t.Key]
	if !ok || tw.state != schedule.StateAcquired || tw.trigger.FireInstanceID != t.FireInstanceID {
		return nil
	}
	var cal calendar.Calendar
	if tw.trigger.CalendarName != "" {
		if cal, ok = s.calendars[tw.trigger.CalendarName]; !ok {
			return nil
		}
	}
	jw, ok := s.jobs[tw.trigger.JobKey]
	if !ok {
		return nil
	}
	now := s.opts.Clock.Now()

	if tw.trigger.IsMisfired(now, s.opts.MisfireThreshold) {
		n.misfired(tw.trigger)
		tw.trigger.UpdateAfterMisfire(cal, now)
		switch {
		case tw.trigger.NextFireTime == nil:
			delete(s.fired, t.FireInstanceID)
			tw.trigger.FireInstanceID = ""
			s.setState(tw, schedule.StateComplete)
			n.finalized(tw.trigger)
			return nil
		case tw.trigger.NextFireTime.After(now):
			delete(s.fired, t.FireInstanceID)
			tw.trigger.FireInstanceID = ""
			s.setState(tw, schedule.StateWaiting)
			n.schedulingChange(tw.trigger.NextFireTime)
			return nil
		}
	}

	rec := s.fired[t.FireInstanceID]
	if rec == nil {
		rec = &FiredTriggerRecord{EntryID: t.FireInstanceID, TriggerKey: t.Key, JobKey: jw.job.Key, InstanceID: s.opts.InstanceID}
		s.fired[t.FireInstanceID] = rec
	}
	scheduled := *tw.trigger.NextFireTime
	rec.State = schedule.FiredExecuting
	rec.FiredTime = now
	rec.ScheduledTime = scheduled
	rec.NonConcurrent = jw.job.ConcurrentExecutionDisallowed
	rec.RequestsRecovery = jw.job.RequestsRecovery

	prev := tw.trigger.PreviousFireTime
	tw.trigger.Triggered(cal)

	s.setState(tw, firedState(jw.job, tw.trigger))
	if jw.job.ConcurrentExecutionDisallowed {
		s.blockedJobs[jw.job.Key] = struct{}{}
		for _, other := range jw.triggers {
			if other == tw {
				continue
			}
			switch other.state {
			case schedule.StateWaiting, schedule.StateAcquired:
				s.setState(other, schedule.StateBlocked)
			case schedule.StatePaused:
				s.setState(other, schedule.StatePausedBlocked)
			}
		}
	}

	return &TriggerFiredBundle{
		Job:               jw.job.Clone(),
		Trigger:           tw.trigger.Clone(),
		Calendar:          cloneCalendar(cal),
		Recovering:        tw.trigger.Key.Group == schedule.RecoveringJobsGroup,
		FireTime:          now,
		ScheduledFireTime: scheduled,
		PrevFireTime:      prev,
		NextFireTime:      tw.trigger.Clone().NextFireTime,
	}
}

// TriggeredJobComplete implements JobStore.
func (s *RAMStore) TriggeredJobComplete(_ context.Context, trigger *schedule.Trigger, job *schedule.JobDetail, instruction schedule.CompletedExecutionInstruction) error {
	n := s.begin()
	defer s.end(n)

	delete(s.fired, trigger.FireInstanceID)

	if jw, ok := s.jobs[job.Key]; ok {
		if jw.job.PersistJobDataAfterExecution {
			jw.job.JobData = job.JobData.Clone()
		}
		if jw.job.ConcurrentExecutionDisallowed {
			delete(s.blockedJobs, job.Key)
			for _, tw := range jw.triggers {
				switch tw.state {
				case schedule.StateBlocked:
					s.setState(tw, schedule.StateWaiting)
				case schedule.StatePausedBlocked:
					if tw.trigger.Key != trigger.Key || !s.executingRecord(tw.trigger.Key) {
						s.setState(tw, schedule.StatePaused)
					}
				}
			}
			n.schedulingChange(nil)
		}
	} else {
		delete(s.blockedJobs, job.Key)
	}

	tw, ok := s.triggers[trigger.Key]
	if ok && !s.executingRecord(trigger.Key) {
		if tw.state == schedule.StateExecuting {
			s.setState(tw, completedState(tw.trigger))
		}
		if tw.trigger.FireInstanceID == trigger.FireInstanceID {
			tw.trigger.FireInstanceID = ""
		}
	}

	switch instruction {
	case schedule.InstructionDeleteTrigger:
		if !ok {
			break
		}
		if trigger.NextFireTime == nil && tw.trigger.NextFireTime != nil {
			// rescheduled while the job ran
			break
		}
		s.removeTrigger(trigger.Key, true, n)
		n.finalized(trigger)
		n.schedulingChange(nil)
	case schedule.InstructionSetTriggerComplete:
		if ok {
			s.setState(tw, schedule.StateComplete)
			n.finalized(tw.trigger)
		}
	case schedule.InstructionSetTriggerError:
		if ok {
			s.log.Warnw("Trigger set to ERROR state", logger.FieldTrigger, trigger.Key.String(), logger.FieldJob, job.Key.String())
			s.setState(tw, schedule.StateError)
		}
	case schedule.InstructionSetAllJobTriggersComplete:
		if jw, found := s.jobs[job.Key]; found {
			for _, other := range jw.triggers {
				s.setState(other, schedule.StateComplete)
				n.finalized(other.trigger)
			}
		}
		n.schedulingChange(nil)
	case schedule.InstructionSetAllJobTriggersError:
		if jw, found := s.jobs[job.Key]; found {
			s.log.Warnw("All triggers of job set to ERROR state", logger.FieldJob, job.Key.String())
			for _, other := range jw.triggers {
				s.setState(other, schedule.StateError)
			}
		}
		n.schedulingChange(nil)
	}
	return nil
}
