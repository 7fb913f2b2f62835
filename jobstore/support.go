package jobstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/schedule"
)

// Defaults shared by both stores.
const (
	DefaultMisfireThreshold   = 60 * time.Second
	DefaultMaxMisfiresPerPass = 20
)

// Options configures behavior common to every store.
type Options struct {
	// SchedulerName scopes all stored rows; schedulers sharing a name share state.
	SchedulerName string
	// InstanceID identifies this scheduler within a cluster.
	InstanceID       string
	MisfireThreshold time.Duration
	// MaxMisfiresPerPass bounds misfire handling done during one acquisition.
	MaxMisfiresPerPass int
	Clock              Clock
	Logger             *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.SchedulerName == "" {
		o.SchedulerName = "pulse"
	}
	if o.InstanceID == "" {
		o.InstanceID = "NON_CLUSTERED"
	}
	if o.MisfireThreshold <= 0 {
		o.MisfireThreshold = DefaultMisfireThreshold
	}
	if o.MaxMisfiresPerPass <= 0 {
		o.MaxMisfiresPerPass = DefaultMaxMisfiresPerPass
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// newFireInstanceID identifies one fire of one trigger.
func newFireInstanceID() string {
	return uuid.NewString()
}

// notifier queues signaler callbacks raised while a store holds its lock and
// delivers them once the lock is released. Listener code may call back into
// the scheduler, so it must never run under a store lock.
type notifier struct {
	sig   SchedulerSignaler
	queue []func()
}

func newNotifier(sig SchedulerSignaler) *notifier {
	return &notifier{sig: sig}
}

func (n *notifier) misfired(t *schedule.Trigger) {
	if n.sig == nil {
		return
	}
	c := t.Clone()
	n.queue = append(n.queue, func() { n.sig.NotifyTriggerListenersMisfired(c) })
}

func (n *notifier) finalized(t *schedule.Trigger) {
	if n.sig == nil {
		return
	}
	c := t.Clone()
	n.queue = append(n.queue, func() { n.sig.NotifySchedulerListenersFinalized(c) })
}

func (n *notifier) jobDeleted(key schedule.Key) {
	if n.sig == nil {
		return
	}
	n.queue = append(n.queue, func() { n.sig.NotifySchedulerListenersJobDeleted(key) })
}

func (n *notifier) schedulingChange(candidate *time.Time) {
	if n.sig == nil {
		return
	}
	var c *time.Time
	if candidate != nil {
		v := *candidate
		c = &v
	}
	n.queue = append(n.queue, func() { n.sig.SignalSchedulingChange(c) })
}

// discard drops queued callbacks of an operation that rolled back.
func (n *notifier) discard() {
	n.queue = nil
}

func (n *notifier) flush() {
	q := n.queue
	n.queue = nil
	for _, fn := range q {
		fn()
	}
}

// FakeClock is a settable Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// maxTime returns the later of a and b.
func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// resumedState is the state a paused trigger returns to. blocked reports a
// non-concurrent execution of its job in flight; ownExecuting reports that
// this trigger is the one executing.
func resumedState(state schedule.TriggerState, blocked, ownExecuting bool) schedule.TriggerState {
	switch {
	case state == schedule.StatePausedBlocked && ownExecuting:
		return schedule.StateExecuting
	case blocked:
		return schedule.StateBlocked
	}
	return schedule.StateWaiting
}

// firedState is the state a just-fired trigger takes.
func firedState(job *schedule.JobDetail, t *schedule.Trigger) schedule.TriggerState {
	if job.ConcurrentExecutionDisallowed || t.NextFireTime == nil {
		return schedule.StateExecuting
	}
	return schedule.StateWaiting
}

// completedState is the state an EXECUTING trigger takes when its job ends.
func completedState(t *schedule.Trigger) schedule.TriggerState {
	if t.NextFireTime == nil {
		return schedule.StateComplete
	}
	return schedule.StateWaiting
}
