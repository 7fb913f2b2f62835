package jobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/errors"
	pulsetest "github.com/teranos/pulse/internal/testing"
	"github.com/teranos/pulse/schedule"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// recordingSignaler counts store callbacks.
type recordingSignaler struct {
	mu        sync.Mutex
	misfired  []schedule.Key
	finalized []schedule.Key
	deleted   []schedule.Key
	changes   int
	errs      []error
}

func (r *recordingSignaler) NotifyTriggerListenersMisfired(t *schedule.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misfired = append(r.misfired, t.Key)
}

func (r *recordingSignaler) NotifySchedulerListenersFinalized(t *schedule.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, t.Key)
}

func (r *recordingSignaler) NotifySchedulerListenersJobDeleted(key schedule.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
}

func (r *recordingSignaler) SignalSchedulingChange(*time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

func (r *recordingSignaler) NotifySchedulerListenersError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSignaler) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes
}

func (r *recordingSignaler) misfiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.misfired)
}

type storeHarness struct {
	store JobStore
	clock *FakeClock
	sig   *recordingSignaler
}

// eachStore runs fn against a fresh RAM store and a fresh SQLite store.
func eachStore(t *testing.T, fn func(t *testing.T, h *storeHarness)) {
	t.Helper()
	build := map[string]func(t *testing.T, clock *FakeClock) JobStore{
		"ram": func(t *testing.T, clock *FakeClock) JobStore {
			return NewRAMStore(Options{Clock: clock})
		},
		"sqlite": func(t *testing.T, clock *FakeClock) JobStore {
			s, err := NewSQLStore(pulsetest.CreateTestDB(t), SQLOptions{Options: Options{Clock: clock}})
			require.NoError(t, err)
			return s
		},
	}
	for _, name := range []string{"ram", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			clock := NewFakeClock(t0)
			h := &storeHarness{store: build[name](t, clock), clock: clock, sig: &recordingSignaler{}}
			require.NoError(t, h.store.Initialize(context.Background(), h.sig))
			fn(t, h)
		})
	}
}

func newTrigger(name, group string, job schedule.Key, start time.Time, s schedule.Schedule) *schedule.Trigger {
	tr := schedule.NewTrigger(name, group).ForJob(job).StartAt(start).WithSchedule(s).Build()
	tr.ComputeFirstFireTime(nil)
	return tr
}

func (h *storeHarness) add(t *testing.T, job *schedule.JobDetail, tr *schedule.Trigger) {
	t.Helper()
	require.NoError(t, h.store.StoreJobAndTrigger(context.Background(), job, tr))
}

func (h *storeHarness) state(t *testing.T, key schedule.Key) schedule.TriggerState {
	t.Helper()
	st, err := h.store.GetTriggerState(context.Background(), key)
	require.NoError(t, err)
	return st
}

func (h *storeHarness) acquire(t *testing.T, maxCount int, window time.Duration) []*schedule.Trigger {
	t.Helper()
	got, err := h.store.AcquireNextTriggers(context.Background(), h.clock.Now().Add(30*time.Second), maxCount, window)
	require.NoError(t, err)
	return got
}

func (h *storeHarness) fire(t *testing.T, trs ...*schedule.Trigger) []TriggerFiredResult {
	t.Helper()
	res, err := h.store.TriggersFired(context.Background(), trs)
	require.NoError(t, err)
	require.Len(t, res, len(trs))
	return res
}

func TestStoreRejectsDuplicates(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "heartbeat", "ops")
		h.add(t, job, newTrigger("every-minute", "ops", job.Key, t0, schedule.Every(time.Minute)))

		err := h.store.StoreJob(ctx, job, false)
		assert.True(t, errors.IsObjectAlreadyExists(err), "got %v", err)

		dup := newTrigger("every-minute", "ops", job.Key, t0, schedule.Every(time.Minute))
		err = h.store.StoreTrigger(ctx, dup, false)
		assert.True(t, errors.IsObjectAlreadyExists(err), "got %v", err)

		require.NoError(t, h.store.StoreTrigger(ctx, dup, true))
		n, err := h.store.NumberOfTriggers(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestTriggerForMissingJobIsRejected(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		tr := newTrigger("orphan", "ops", schedule.NewKey("ghost", "ops"), t0, schedule.OneShot())
		err := h.store.StoreTrigger(context.Background(), tr, false)
		assert.True(t, errors.IsJobPersistence(err), "got %v", err)
	})
}

func TestAcquirePrefersHigherPriorityAtSameInstant(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		job := schedule.NewJob("noop", "report", "ops").StoreDurably(true)
		low := newTrigger("low", "ops", job.Key, t0, schedule.OneShot())
		low.Priority = 5
		high := newTrigger("high", "ops", job.Key, t0, schedule.OneShot())
		high.Priority = 10
		h.add(t, job, low)
		require.NoError(t, h.store.StoreTrigger(context.Background(), high, false))

		got := h.acquire(t, 1, 0)
		require.Len(t, got, 1)
		assert.Equal(t, high.Key, got[0].Key)
		assert.NotEmpty(t, got[0].FireInstanceID)
		assert.Equal(t, schedule.StateAcquired, h.state(t, high.Key))
		assert.Equal(t, schedule.StateWaiting, h.state(t, low.Key))
	})
}

func TestAcquireHonorsBatchWindow(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "sweep", "ops").StoreDurably(true)
		require.NoError(t, h.store.StoreJob(ctx, job, false))
		for i, offset := range []time.Duration{0, 5 * time.Second, 20 * time.Second} {
			tr := newTrigger("t"+string(rune('a'+i)), "ops", job.Key, t0.Add(offset), schedule.OneShot())
			require.NoError(t, h.store.StoreTrigger(ctx, tr, false))
		}

		got := h.acquire(t, 3, 10*time.Second)
		require.Len(t, got, 2)
		assert.Equal(t, "ta", got[0].Key.Name)
		assert.Equal(t, "tb", got[1].Key.Name)

		again := h.acquire(t, 3, 10*time.Second)
		require.Len(t, again, 1, "acquired triggers must not be handed out twice")
		assert.Equal(t, "tc", again[0].Key.Name)
	})
}

func TestReleaseAcquiredTriggerMakesItAvailableAgain(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		job := schedule.NewJob("noop", "drain", "ops")
		tr := newTrigger("once", "ops", job.Key, t0, schedule.OneShot())
		h.add(t, job, tr)

		got := h.acquire(t, 1, 0)
		require.Len(t, got, 1)
		require.NoError(t, h.store.ReleaseAcquiredTrigger(context.Background(), got[0]))
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
		assert.Len(t, h.acquire(t, 1, 0), 1)
	})
}

func TestMisfireDoNothingSkipsToNextSlot(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		job := schedule.NewJob("noop", "tick", "ops")
		tr := newTrigger("minutely", "ops", job.Key, t0, schedule.Every(time.Minute))
		tr.MisfireInstruction = schedule.MisfireDoNothing
		h.add(t, job, tr)

		h.clock.Set(t0.Add(10*time.Minute + 10*time.Second))
		assert.Empty(t, h.acquire(t, 1, 0))
		assert.Equal(t, 1, h.sig.misfiredCount())

		stored, err := h.store.RetrieveTrigger(context.Background(), tr.Key)
		require.NoError(t, err)
		require.NotNil(t, stored.NextFireTime)
		assert.Equal(t, t0.Add(11*time.Minute), *stored.NextFireTime)
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestMisfireBacklogDoesNotDelayDueTrigger(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "sync", "ops").StoreDurably(true)
		require.NoError(t, h.store.StoreJob(ctx, job, false))
		// 50 hourly triggers two hours behind, more than one pass handles
		for i := 0; i < 50; i++ {
			tr := newTrigger(fmt.Sprintf("hourly-%02d", i), "backlog", job.Key,
				t0.Add(-90*time.Minute), schedule.Every(time.Hour))
			tr.MisfireInstruction = schedule.MisfireDoNothing
			require.NoError(t, h.store.StoreTrigger(ctx, tr, false))
		}
		due := newTrigger("due-now", "ops", job.Key, t0, schedule.OneShot())
		require.NoError(t, h.store.StoreTrigger(ctx, due, false))
		changes := h.sig.changeCount()

		got := h.acquire(t, 1, 0)
		require.Len(t, got, 1)
		assert.Equal(t, due.Key, got[0].Key)
		require.NotNil(t, got[0].NextFireTime)
		assert.Equal(t, t0, *got[0].NextFireTime)

		if _, ok := h.store.(*SQLStore); ok {
			assert.Equal(t, DefaultMaxMisfiresPerPass, h.sig.misfiredCount())
			assert.Greater(t, h.sig.changeCount(), changes, "leftover misfires ask for another pass")

			h.acquire(t, 1, 0)
			h.acquire(t, 1, 0)
			assert.Equal(t, 50, h.sig.misfiredCount())
		} else {
			assert.Equal(t, 50, h.sig.misfiredCount())
		}

		keys, err := h.store.GetTriggerKeys(ctx, "backlog")
		require.NoError(t, err)
		for _, key := range keys {
			tr, err := h.store.RetrieveTrigger(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, tr.NextFireTime)
			assert.Equal(t, t0.Add(30*time.Minute), *tr.NextFireTime, key.String())
		}
	})
}

func TestMisfireFireNowRunsOnceAtDetection(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "invoice", "billing")
		tr := newTrigger("once", "billing", job.Key, t0, schedule.OneShot())
		tr.MisfireInstruction = schedule.MisfireFireNow
		h.add(t, job, tr)

		now := t0.Add(5 * time.Minute)
		h.clock.Set(now)
		got := h.acquire(t, 1, 0)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].NextFireTime)
		assert.Equal(t, now, *got[0].NextFireTime)

		res := h.fire(t, got...)
		require.NotNil(t, res[0].Bundle)
		assert.Equal(t, now, res[0].Bundle.ScheduledFireTime)
		assert.Nil(t, res[0].Bundle.NextFireTime)
		assert.Equal(t, schedule.StateExecuting, h.state(t, tr.Key))

		instr := res[0].Bundle.Trigger.ExecutionComplete(res[0].Bundle.Job, nil)
		require.Equal(t, schedule.InstructionDeleteTrigger, instr)
		require.NoError(t, h.store.TriggeredJobComplete(ctx, res[0].Bundle.Trigger, res[0].Bundle.Job, instr))

		ok, err := h.store.CheckTriggerExists(ctx, tr.Key)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = h.store.CheckJobExists(ctx, job.Key)
		require.NoError(t, err)
		assert.False(t, ok, "non-durable job goes with its last trigger")
	})
}

func TestFiredRepeatingTriggerReturnsToWaiting(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		job := schedule.NewJob("noop", "poll", "ops")
		tr := newTrigger("poll", "ops", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, tr)

		res := h.fire(t, h.acquire(t, 1, 0)...)
		b := res[0].Bundle
		require.NotNil(t, b)
		assert.Equal(t, t0, b.ScheduledFireTime)
		require.NotNil(t, b.NextFireTime)
		assert.Equal(t, t0.Add(time.Minute), *b.NextFireTime)
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
		assert.Equal(t, 1, b.Trigger.TimesTriggered)
	})
}

func TestNonConcurrentJobBlocksItsOtherTriggers(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "ledger", "billing").DisallowConcurrentExecution()
		a := newTrigger("a", "billing", job.Key, t0, schedule.Every(time.Minute))
		b := newTrigger("b", "billing", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, a)
		require.NoError(t, h.store.StoreTrigger(ctx, b, false))

		got := h.acquire(t, 2, 0)
		require.Len(t, got, 1, "one execution of a non-concurrent job per batch")
		res := h.fire(t, got...)
		require.NotNil(t, res[0].Bundle)

		firing, other := got[0].Key, b.Key
		if firing == b.Key {
			other = a.Key
		}
		assert.Equal(t, schedule.StateExecuting, h.state(t, firing))
		assert.Equal(t, schedule.StateBlocked, h.state(t, other))
		assert.Empty(t, h.acquire(t, 2, 0))

		require.NoError(t, h.store.TriggeredJobComplete(ctx, res[0].Bundle.Trigger, res[0].Bundle.Job, schedule.InstructionNoop))
		assert.Equal(t, schedule.StateWaiting, h.state(t, firing))
		assert.Equal(t, schedule.StateWaiting, h.state(t, other))
	})
}

func TestPauseDuringExecutionResolvesOnCompletion(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "export", "ops").DisallowConcurrentExecution()
		tr := newTrigger("export", "ops", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, tr)

		res := h.fire(t, h.acquire(t, 1, 0)...)
		require.NotNil(t, res[0].Bundle)
		require.NoError(t, h.store.PauseTrigger(ctx, tr.Key))
		assert.Equal(t, schedule.StatePausedBlocked, h.state(t, tr.Key))

		require.NoError(t, h.store.TriggeredJobComplete(ctx, res[0].Bundle.Trigger, res[0].Bundle.Job, schedule.InstructionNoop))
		assert.Equal(t, schedule.StatePaused, h.state(t, tr.Key))

		require.NoError(t, h.store.ResumeTrigger(ctx, tr.Key))
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestPausedTriggersAreNotAcquired(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "digest", "mail")
		tr := newTrigger("daily", "mail", job.Key, t0, schedule.Every(24*time.Hour))
		h.add(t, job, tr)

		require.NoError(t, h.store.PauseTrigger(ctx, tr.Key))
		assert.Equal(t, schedule.StatePaused, h.state(t, tr.Key))
		assert.Empty(t, h.acquire(t, 1, 0))

		require.NoError(t, h.store.ResumeTrigger(ctx, tr.Key))
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
		assert.Len(t, h.acquire(t, 1, 0), 1)
	})
}

func TestResumeAfterLongPauseAppliesMisfirePolicy(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "rollup", "ops")
		tr := newTrigger("rollup", "ops", job.Key, t0, schedule.Every(time.Minute))
		tr.MisfireInstruction = schedule.MisfireDoNothing
		h.add(t, job, tr)

		require.NoError(t, h.store.PauseTrigger(ctx, tr.Key))
		h.clock.Set(t0.Add(30*time.Minute + 15*time.Second))
		require.NoError(t, h.store.ResumeTrigger(ctx, tr.Key))

		stored, err := h.store.RetrieveTrigger(ctx, tr.Key)
		require.NoError(t, err)
		require.NotNil(t, stored.NextFireTime)
		assert.Equal(t, t0.Add(31*time.Minute), *stored.NextFireTime)
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestPausedGroupCapturesNewTriggers(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "etl", "data").StoreDurably(true)
		require.NoError(t, h.store.StoreJob(ctx, job, false))

		_, err := h.store.PauseTriggers(ctx, "nightly")
		require.NoError(t, err)
		tr := newTrigger("load", "nightly", job.Key, t0, schedule.OneShot())
		require.NoError(t, h.store.StoreTrigger(ctx, tr, false))
		assert.Equal(t, schedule.StatePaused, h.state(t, tr.Key))

		groups, err := h.store.GetPausedTriggerGroups(ctx)
		require.NoError(t, err)
		assert.Contains(t, groups, "nightly")

		_, err = h.store.ResumeTriggers(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestPauseAllCoversGroupsCreatedLater(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "sync", "data")
		existing := newTrigger("existing", "a", job.Key, t0, schedule.OneShot())
		h.add(t, job, existing)

		require.NoError(t, h.store.PauseAll(ctx))
		later := newTrigger("later", "b", job.Key, t0, schedule.OneShot())
		require.NoError(t, h.store.StoreTrigger(ctx, later, false))
		assert.Equal(t, schedule.StatePaused, h.state(t, existing.Key))
		assert.Equal(t, schedule.StatePaused, h.state(t, later.Key))

		require.NoError(t, h.store.ResumeAll(ctx))
		assert.Equal(t, schedule.StateWaiting, h.state(t, existing.Key))
		assert.Equal(t, schedule.StateWaiting, h.state(t, later.Key))
		groups, err := h.store.GetPausedTriggerGroups(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}

func TestPauseJobsOfEmptyGroupMatchesNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		groups, err := h.store.PauseJobs(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}

func TestRemoveTriggerKeepsDurableJob(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		durable := schedule.NewJob("noop", "keeper", "ops").StoreDurably(true)
		transient := schedule.NewJob("noop", "fleeting", "ops")
		dt := newTrigger("keeper", "ops", durable.Key, t0, schedule.OneShot())
		tt := newTrigger("fleeting", "ops", transient.Key, t0, schedule.OneShot())
		h.add(t, durable, dt)
		h.add(t, transient, tt)

		removed, err := h.store.RemoveTrigger(ctx, dt.Key)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = h.store.RemoveTrigger(ctx, tt.Key)
		require.NoError(t, err)
		assert.True(t, removed)

		ok, err := h.store.CheckJobExists(ctx, durable.Key)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = h.store.CheckJobExists(ctx, transient.Key)
		require.NoError(t, err)
		assert.False(t, ok)

		removed, err = h.store.RemoveTrigger(ctx, tt.Key)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestSetTriggerErrorAndReset(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "flaky", "ops")
		tr := newTrigger("flaky", "ops", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, tr)

		res := h.fire(t, h.acquire(t, 1, 0)...)
		require.NotNil(t, res[0].Bundle)
		require.NoError(t, h.store.TriggeredJobComplete(ctx, res[0].Bundle.Trigger, res[0].Bundle.Job, schedule.InstructionSetTriggerError))
		assert.Equal(t, schedule.StateError, h.state(t, tr.Key))
		h.clock.Set(t0.Add(time.Minute))
		assert.Empty(t, h.acquire(t, 1, 0))

		require.NoError(t, h.store.ResetTriggerFromErrorState(ctx, tr.Key))
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestTriggeredJobCompleteIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "repeat", "ops").DisallowConcurrentExecution()
		tr := newTrigger("repeat", "ops", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, tr)

		res := h.fire(t, h.acquire(t, 1, 0)...)
		b := res[0].Bundle
		require.NotNil(t, b)
		require.NoError(t, h.store.TriggeredJobComplete(ctx, b.Trigger, b.Job, schedule.InstructionNoop))
		require.NoError(t, h.store.TriggeredJobComplete(ctx, b.Trigger, b.Job, schedule.InstructionNoop))
		assert.Equal(t, schedule.StateWaiting, h.state(t, tr.Key))
	})
}

func TestPersistJobDataAfterExecution(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "counter", "ops").PersistDataAfterExecution().UsingJobData("runs", "0")
		tr := newTrigger("counter", "ops", job.Key, t0, schedule.Every(time.Minute))
		h.add(t, job, tr)

		res := h.fire(t, h.acquire(t, 1, 0)...)
		b := res[0].Bundle
		require.NotNil(t, b)
		b.Job.JobData["runs"] = "1"
		require.NoError(t, h.store.TriggeredJobComplete(ctx, b.Trigger, b.Job, schedule.InstructionNoop))

		stored, err := h.store.RetrieveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, "1", stored.JobData.GetString("runs"))
	})
}

func TestStoreCalendarReschedulesReferencingTriggers(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		require.NoError(t, h.store.StoreCalendar(ctx, "holidays", calendar.NewHolidayCalendar(time.UTC), false, false))

		job := schedule.NewJob("noop", "payroll", "hr")
		tr := newTrigger("payroll", "hr", job.Key, t0, schedule.Every(24*time.Hour))
		tr.CalendarName = "holidays"
		h.add(t, job, tr)

		cal := calendar.NewHolidayCalendar(time.UTC, t0)
		require.NoError(t, h.store.StoreCalendar(ctx, "holidays", cal, true, true))

		stored, err := h.store.RetrieveTrigger(ctx, tr.Key)
		require.NoError(t, err)
		require.NotNil(t, stored.NextFireTime)
		assert.Equal(t, t0.Add(24*time.Hour), *stored.NextFireTime)

		_, err = h.store.RemoveCalendar(ctx, "holidays")
		assert.True(t, errors.IsJobPersistence(err), "referenced calendar must not be removable, got %v", err)
	})
}

func TestReturnedValuesAreCopies(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "copy", "ops").UsingJobData("k", "v")
		tr := newTrigger("copy", "ops", job.Key, t0, schedule.OneShot())
		h.add(t, job, tr)

		got, err := h.store.RetrieveJob(ctx, job.Key)
		require.NoError(t, err)
		got.JobData["k"] = "mutated"
		again, err := h.store.RetrieveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, "v", again.JobData.GetString("k"))
	})
}

func TestClearAllSchedulingData(t *testing.T) {
	eachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		job := schedule.NewJob("noop", "gone", "ops")
		h.add(t, job, newTrigger("gone", "ops", job.Key, t0, schedule.OneShot()))
		require.NoError(t, h.store.ClearAllSchedulingData(ctx))

		jobs, err := h.store.NumberOfJobs(ctx)
		require.NoError(t, err)
		triggers, err := h.store.NumberOfTriggers(ctx)
		require.NoError(t, err)
		assert.Zero(t, jobs)
		assert.Zero(t, triggers)
	})
}
