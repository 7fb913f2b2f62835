// Package scheduler runs jobs when their triggers fire. A Scheduler owns
// one firing loop that acquires due triggers from a jobstore.JobStore and
// hands them to a bounded ThreadPool; stores shared over a database let
// several schedulers split the work of one cluster.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/version"
)

// WakeBus carries scheduling-change signals between schedulers sharing a
// store, so that a trigger added on one node wakes the others.
type WakeBus interface {
	Publish(candidate *time.Time) error
	Subscribe(fn func(candidate *time.Time)) (unsubscribe func(), err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.logger = log }
}

// WithClock overrides the clock. It should be the clock the store uses.
func WithClock(c jobstore.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithJobListener registers a job listener before the scheduler starts.
func WithJobListener(l JobListener, matchers ...Matcher) Option {
	return func(s *Scheduler) { s.pendingJobListeners = append(s.pendingJobListeners, jobListenerEntry{l, matchers}) }
}

// WithTriggerListener registers a trigger listener before the scheduler starts.
func WithTriggerListener(l TriggerListener, matchers ...Matcher) Option {
	return func(s *Scheduler) {
		s.pendingTriggerListeners = append(s.pendingTriggerListeners, triggerListenerEntry{l, matchers})
	}
}

// WithSchedulerListener registers a scheduler listener before the scheduler starts.
func WithSchedulerListener(l SchedulerListener) Option {
	return func(s *Scheduler) { s.pendingSchedulerListeners = append(s.pendingSchedulerListeners, l) }
}

// WithBroadcaster publishes scheduler events to b.
func WithBroadcaster(b EventBroadcaster) Option {
	return func(s *Scheduler) { s.broadcaster = b }
}

// WithWakeBus shares scheduling-change signals with other nodes.
func WithWakeBus(bus WakeBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithContext sets the parent of every job's context.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.parentCtx = ctx }
}

// MetaData summarizes a scheduler for status displays.
type MetaData struct {
	SchedulerName        string     `json:"scheduler_name"`
	InstanceID           string     `json:"instance_id"`
	Started              bool       `json:"started"`
	InStandbyMode        bool       `json:"in_standby_mode"`
	Shutdown             bool       `json:"shutdown"`
	RunningSince         *time.Time `json:"running_since,omitempty"`
	JobsExecuted         int64      `json:"jobs_executed"`
	ThreadPoolSize       int        `json:"thread_pool_size"`
	ThreadsBusy          int        `json:"threads_busy"`
	JobStore             string     `json:"job_store"`
	PersistenceSupported bool       `json:"persistence_supported"`
	Clustered            bool       `json:"clustered"`
	Version              string     `json:"version"`
}

// Scheduler is the user-facing API over a job store, a firing loop and a
// thread pool.
type Scheduler struct {
	name               string
	instanceID         string
	cfg                am.SchedulerConfig
	storeRetryAttempts int

	store     jobstore.JobStore
	registry  *JobRegistry
	pool      *ThreadPool
	listeners *ListenerManager
	loop      *firingLoop
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
	clock     jobstore.Clock

	bus         WakeBus
	busUnsub    func()
	broadcaster EventBroadcaster

	pendingJobListeners       []jobListenerEntry
	pendingTriggerListeners   []triggerListenerEntry
	pendingSchedulerListeners []SchedulerListener

	parentCtx context.Context // parent of job contexts
	ctx       context.Context // cancelled by Shutdown
	cancel    context.CancelFunc
	loopCtx   context.Context
	stopLoop  context.CancelFunc

	lifecycle    sync.Mutex // serializes Start, Standby and Shutdown
	mu           sync.Mutex
	started      bool
	startedAt    *time.Time
	shuttingDown bool
	shutdown     bool
	executing    map[string]*JobExecutionContext
	jobsExecuted atomic.Int64
}

// StoreOptions derives the store options shared with the scheduler built
// from cfg. cfg.Scheduler.InstanceID must already be resolved.
func StoreOptions(cfg *am.Config, clock jobstore.Clock, log *zap.SugaredLogger) jobstore.Options {
	return jobstore.Options{
		SchedulerName:      cfg.Scheduler.Name,
		InstanceID:         cfg.Scheduler.InstanceID,
		MisfireThreshold:   cfg.Scheduler.MisfireThreshold,
		MaxMisfiresPerPass: cfg.Scheduler.MaxMisfiresPerPass,
		Clock:              clock,
		Logger:             log,
	}
}

// New creates a scheduler in standby. The store is initialized here; call
// Start to begin firing triggers.
func New(cfg *am.Config, store jobstore.JobStore, registry *JobRegistry, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config is required")
	}
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if registry == nil {
		registry = NewJobRegistry()
	}

	s := &Scheduler{
		name:               cfg.Scheduler.Name,
		instanceID:         cfg.Scheduler.InstanceID,
		cfg:                cfg.Scheduler,
		storeRetryAttempts: cfg.Store.RetryAttempts,
		store:              store,
		registry:           registry,
		executing:          make(map[string]*JobExecutionContext),
		parentCtx:          context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instanceID == "" || s.instanceID == am.AutoInstanceID {
		s.instanceID = s.cfg.ResolvedInstanceID()
	}
	if s.clock == nil {
		s.clock = jobstore.SystemClock{}
	}
	s.logger = logger.OrNop(s.logger).With(logger.FieldScheduler, s.name, logger.FieldInstanceID, s.instanceID)
	s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	s.loopCtx, s.stopLoop = context.WithCancel(s.ctx)

	s.pool = NewThreadPool(s.cfg.ThreadCount, s.logger.Named("pool"))
	s.listeners = newListenerManager(s.logger.Named("listeners"))
	for _, e := range s.pendingJobListeners {
		s.listeners.AddJobListener(e.l, e.matchers...)
	}
	for _, e := range s.pendingTriggerListeners {
		s.listeners.AddTriggerListener(e.l, e.matchers...)
	}
	for _, l := range s.pendingSchedulerListeners {
		s.listeners.AddSchedulerListener(l)
	}
	if s.broadcaster != nil {
		bl := newBroadcastListener(s, s.broadcaster)
		s.listeners.AddJobListener(bl)
		s.listeners.AddTriggerListener(bl)
		s.listeners.AddSchedulerListener(bl)
	}
	if s.cfg.MaxFiresPerSecond > 0 {
		burst := int(s.cfg.MaxFiresPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxFiresPerSecond), burst)
	}

	s.loop = newFiringLoop(s)
	if err := store.Initialize(s.ctx, storeSignaler{s}); err != nil {
		s.cancel()
		return nil, errors.Wrap(err, "initialize job store")
	}
	go s.loop.run(s.loopCtx)

	logger.PulseInfow(s.logger, "Scheduler created",
		"threads", s.pool.Size(),
		"job_store", fmt.Sprintf("%T", store),
		"clustered", store.Clustered())
	return s, nil
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// InstanceID returns this node's instance id.
func (s *Scheduler) InstanceID() string { return s.instanceID }

// Registry returns the job registry.
func (s *Scheduler) Registry() *JobRegistry { return s.registry }

// ListenerManager gives access to listener registration.
func (s *Scheduler) ListenerManager() *ListenerManager { return s.listeners }

// Start begins firing triggers. The first call runs the store's startup
// recovery; later calls leave standby. Starting after Shutdown fails.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.validateState(); err != nil {
		return err
	}
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerStarting() })

	s.mu.Lock()
	first := !s.started
	s.mu.Unlock()

	if first {
		if err := s.store.SchedulerStarted(ctx); err != nil {
			s.notifySchedulerError("Failure occurred during job recovery", err)
			return errors.Wrap(err, "start job store")
		}
		if s.bus != nil {
			unsub, err := s.bus.Subscribe(func(candidate *time.Time) {
				s.signalSchedulingChange(candidate, false)
			})
			if err != nil {
				logger.PulseWarnw(s.logger, "Wake bus subscription failed, relying on polling", logger.FieldError, err)
			} else {
				s.busUnsub = unsub
			}
		}
		now := s.clock.Now()
		s.mu.Lock()
		s.started = true
		s.startedAt = &now
		s.mu.Unlock()
	} else {
		s.store.SchedulerResumed()
	}

	s.loop.togglePause(false)
	logger.PulseOpenInfow(s.logger, "Scheduler started")
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerStarted() })
	return nil
}

// StartDelayed calls Start after delay, in the background.
func (s *Scheduler) StartDelayed(ctx context.Context, delay time.Duration) error {
	if err := s.validateState(); err != nil {
		return err
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
		if err := s.Start(ctx); err != nil {
			logger.PulseErrorw(s.logger, "Delayed start failed", logger.FieldError, err)
		}
	}()
	return nil
}

// Standby stops firing triggers until Start is called again. Running jobs
// are not affected.
func (s *Scheduler) Standby() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.IsShutdown() {
		return
	}
	s.standby()
}

func (s *Scheduler) standby() {
	s.loop.togglePause(true)
	s.store.SchedulerPaused()
	logger.PulseInfow(s.logger, "Scheduler paused")
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerInStandbyMode() })
}

// Shutdown stops the scheduler for good. With waitForJobs set it waits, up
// to the configured shutdown timeout, for running jobs to finish.
func (s *Scheduler) Shutdown(waitForJobs bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.shutdown || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.mu.Unlock()

	logger.PulseCloseInfow(s.logger, "Scheduler shutting down", "wait_for_jobs", waitForJobs)
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerShuttingdown() })

	s.loop.halt()
	s.stopLoop()
	s.loop.wait()

	if s.cfg.InterruptJobsOnShutdown {
		for _, jc := range s.GetCurrentlyExecutingJobs() {
			if _, err := jc.interrupt(); err != nil {
				logger.PulseWarnw(s.logger, "Interrupting job during shutdown failed",
					logger.FieldJob, jc.JobDetail.Key.String(), logger.FieldError, err)
			}
		}
	}

	drained := s.pool.Shutdown(waitForJobs, s.cfg.ShutdownTimeout)
	if s.busUnsub != nil {
		s.busUnsub()
	}
	s.store.Shutdown()

	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cancel()

	logger.PulseCloseInfow(s.logger, "Scheduler shutdown complete",
		"drained", drained, "jobs_executed", s.jobsExecuted.Load())
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerShutdown() })
}

// IsStarted reports whether Start has succeeded and Shutdown has not begun.
func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.shuttingDown
}

// InStandbyMode reports whether the firing loop is paused.
func (s *Scheduler) InStandbyMode() bool {
	return s.loop.isPaused()
}

// IsShutdown reports whether Shutdown has been called.
func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown || s.shuttingDown
}

// MetaData summarizes the scheduler.
func (s *Scheduler) MetaData() MetaData {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := MetaData{
		SchedulerName:        s.name,
		InstanceID:           s.instanceID,
		Started:              s.started && !s.shuttingDown,
		InStandbyMode:        s.loop.isPaused(),
		Shutdown:             s.shutdown || s.shuttingDown,
		JobsExecuted:         s.jobsExecuted.Load(),
		ThreadPoolSize:       s.pool.Size(),
		ThreadsBusy:          s.pool.Busy(),
		JobStore:             fmt.Sprintf("%T", s.store),
		PersistenceSupported: s.store.SupportsPersistence(),
		Clustered:            s.store.Clustered(),
		Version:              version.Get().Short(),
	}
	if s.startedAt != nil {
		t := *s.startedAt
		md.RunningSince = &t
	}
	return md
}

// GetCurrentlyExecutingJobs lists the fires running on this node.
func (s *Scheduler) GetCurrentlyExecutingJobs() []*JobExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*JobExecutionContext, 0, len(s.executing))
	for _, jc := range s.executing {
		out = append(out, jc)
	}
	return out
}

// Interrupt asks every running fire of jobKey on this node to stop.
// It reports whether any fire was interrupted.
func (s *Scheduler) Interrupt(jobKey schedule.Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	interrupted := false
	var errs []error
	for _, jc := range s.GetCurrentlyExecutingJobs() {
		if jc.JobDetail.Key != jobKey {
			continue
		}
		ok, err := jc.interrupt()
		interrupted = interrupted || ok
		if err != nil {
			errs = append(errs, err)
		}
	}
	return interrupted, errors.Join(errs...)
}

// InterruptInstance interrupts the fire with the given fire instance id.
func (s *Scheduler) InterruptInstance(fireInstanceID string) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	s.mu.Lock()
	jc := s.executing[fireInstanceID]
	s.mu.Unlock()
	if jc == nil {
		return false, nil
	}
	return jc.interrupt()
}

func (s *Scheduler) addExecuting(jc *JobExecutionContext) {
	s.mu.Lock()
	s.executing[jc.FireInstanceID] = jc
	s.mu.Unlock()
}

func (s *Scheduler) removeExecuting(jc *JobExecutionContext) {
	s.mu.Lock()
	delete(s.executing, jc.FireInstanceID)
	s.mu.Unlock()
}

func (s *Scheduler) validateState() error {
	if s.IsShutdown() {
		return errors.WithStack(errors.ErrSchedulerShutdown)
	}
	return nil
}

// signalSchedulingChange wakes the firing loop; with publish set the signal
// also goes to the other nodes on the wake bus.
func (s *Scheduler) signalSchedulingChange(candidate *time.Time, publish bool) {
	s.loop.signalSchedulingChange(candidate)
	if publish && s.bus != nil {
		if err := s.bus.Publish(candidate); err != nil {
			logger.PulseDebugw(s.logger, "Wake bus publish failed", logger.FieldError, err)
		}
	}
}

func (s *Scheduler) notifySchedulerError(msg string, err error) {
	s.listeners.notifyScheduler(func(l SchedulerListener) { l.SchedulerError(msg, err) })
}

// storeContext bounds store calls that must finish even while the
// scheduler is stopping.
func (s *Scheduler) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
}
