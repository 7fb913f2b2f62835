package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulse/db"
	pulsetest "github.com/teranos/pulse/internal/testing"
	"github.com/teranos/pulse/schedule"
)

type clusterNode struct {
	store *SQLStore
	sig   *recordingSignaler
	logs  *observer.ObservedLogs
}

// newClusterNode opens its own connection to the shared database file, as
// a separate scheduler process would.
func newClusterNode(t *testing.T, path, instance string, clock *FakeClock) *clusterNode {
	t.Helper()
	conn, err := db.OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	core, logs := observer.New(zap.DebugLevel)
	s, err := NewSQLStore(conn, SQLOptions{
		Options: Options{
			SchedulerName: "cluster-test",
			InstanceID:    instance,
			Clock:         clock,
			Logger:        zap.New(core).Sugar(),
		},
		Clustered:       true,
		CheckinInterval: 5 * time.Second,
		CheckinTimeout:  15 * time.Second,
	})
	require.NoError(t, err)
	sig := &recordingSignaler{}
	require.NoError(t, s.Initialize(context.Background(), sig))
	return &clusterNode{store: s, sig: sig, logs: logs}
}

func (n *clusterNode) runToExecuting(t *testing.T, job *schedule.JobDetail, tr *schedule.Trigger) *TriggerFiredBundle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, n.store.StoreJobAndTrigger(ctx, job, tr))
	got, err := n.store.AcquireNextTriggers(ctx, tr.NextFireTime.Add(time.Second), 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	res, err := n.store.TriggersFired(ctx, got)
	require.NoError(t, err)
	require.NotNil(t, res[0].Bundle)
	return res[0].Bundle
}

func TestClusterRecoversRecoverableFireOfDeadNode(t *testing.T) {
	ctx := context.Background()
	path := pulsetest.CreateTestFileDB(t)
	clock := NewFakeClock(t0)
	alpha := newClusterNode(t, path, "alpha", clock)
	beta := newClusterNode(t, path, "beta", clock)

	_, err := alpha.store.checkin(ctx)
	require.NoError(t, err)
	_, err = beta.store.checkin(ctx)
	require.NoError(t, err)

	job := schedule.NewJob("noop", "settlement", "billing").RequestRecovery()
	tr := newTrigger("close-books", "billing", job.Key, t0, schedule.OneShot())
	alpha.runToExecuting(t, job, tr)

	// alpha stops checking in
	clock.Advance(20 * time.Second)
	recovered, err := beta.store.checkin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	exists, err := beta.store.CheckTriggerExists(ctx, tr.Key)
	require.NoError(t, err)
	assert.False(t, exists, "the spent one-shot trigger is removed")

	keys, err := beta.store.GetTriggerKeys(ctx, schedule.RecoveringJobsGroup)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	rt, err := beta.store.RetrieveTrigger(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, job.Key, rt.JobKey)
	assert.Equal(t, schedule.MisfireIgnore, rt.MisfireInstruction)
	assert.Equal(t, "close-books", rt.JobData.GetString(RecoveryTriggerName))
	assert.Equal(t, "billing", rt.JobData.GetString(RecoveryTriggerGroup))

	got, err := beta.store.AcquireNextTriggers(ctx, clock.Now().Add(time.Second), 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	res, err := beta.store.TriggersFired(ctx, got)
	require.NoError(t, err)
	require.NotNil(t, res[0].Bundle)
	assert.True(t, res[0].Bundle.Recovering)
	assert.Equal(t, t0, res[0].Bundle.ScheduledFireTime)

	// recovery happens once
	recovered, err = beta.store.checkin(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestClusterDropsNonRecoverableFireAndResumesSchedule(t *testing.T) {
	ctx := context.Background()
	path := pulsetest.CreateTestFileDB(t)
	clock := NewFakeClock(t0)
	alpha := newClusterNode(t, path, "alpha", clock)
	beta := newClusterNode(t, path, "beta", clock)
	_, err := alpha.store.checkin(ctx)
	require.NoError(t, err)
	_, err = beta.store.checkin(ctx)
	require.NoError(t, err)

	job := schedule.NewJob("noop", "ledger", "billing").DisallowConcurrentExecution()
	tr := newTrigger("ledger", "billing", job.Key, t0, schedule.Every(time.Minute))
	alpha.runToExecuting(t, job, tr)

	clock.Advance(20 * time.Second)
	recovered, err := beta.store.checkin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	st, err := beta.store.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, schedule.StateWaiting, st)

	keys, err := beta.store.GetTriggerKeys(ctx, schedule.RecoveringJobsGroup)
	require.NoError(t, err)
	assert.Empty(t, keys)

	stored, err := beta.store.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	require.NotNil(t, stored.NextFireTime)
	assert.Equal(t, t0.Add(time.Minute), *stored.NextFireTime, "no re-fire of the lost execution")
	assert.Equal(t, 1, beta.logs.FilterMessageSnippet("does not request recovery").Len())
}

func TestClusterReleasesAcquiredTriggersOfDeadNode(t *testing.T) {
	ctx := context.Background()
	path := pulsetest.CreateTestFileDB(t)
	clock := NewFakeClock(t0)
	alpha := newClusterNode(t, path, "alpha", clock)
	beta := newClusterNode(t, path, "beta", clock)
	_, err := alpha.store.checkin(ctx)
	require.NoError(t, err)
	_, err = beta.store.checkin(ctx)
	require.NoError(t, err)

	job := schedule.NewJob("noop", "beacon", "ops")
	tr := newTrigger("beacon", "ops", job.Key, t0, schedule.Every(time.Minute))
	require.NoError(t, alpha.store.StoreJobAndTrigger(ctx, job, tr))
	got, err := alpha.store.AcquireNextTriggers(ctx, t0.Add(time.Second), 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// beta cannot take a trigger alpha holds
	none, err := beta.store.AcquireNextTriggers(ctx, t0.Add(time.Second), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(20 * time.Second)
	_, err = beta.store.checkin(ctx)
	require.NoError(t, err)
	taken, err := beta.store.AcquireNextTriggers(ctx, clock.Now(), 1, 0)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, tr.Key, taken[0].Key)
}

func TestRecoveredAcquisitionMisfiresLikeUndisturbedSchedule(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(t0)
	shared := pulsetest.CreateTestFileDB(t)
	alpha := newClusterNode(t, shared, "alpha", clock)
	beta := newClusterNode(t, shared, "beta", clock)
	// same schedule, nobody crashes
	control := newClusterNode(t, pulsetest.CreateTestFileDB(t), "control", clock)
	for _, n := range []*clusterNode{alpha, beta, control} {
		_, err := n.store.checkin(ctx)
		require.NoError(t, err)
	}

	store := func(n *clusterNode) []*schedule.Trigger {
		job := schedule.NewJob("noop", "report", "ops").StoreDurably(true)
		require.NoError(t, n.store.StoreJob(ctx, job, false))
		trs := []*schedule.Trigger{
			newTrigger("minutely", "ops", job.Key, t0, schedule.Every(time.Minute)),
			newTrigger("once", "ops", job.Key, t0, schedule.OneShot()),
		}
		for _, tr := range trs {
			require.NoError(t, n.store.StoreTrigger(ctx, tr, false))
		}
		return trs
	}
	trs := store(alpha)
	store(control)

	got, err := alpha.store.AcquireNextTriggers(ctx, t0.Add(time.Second), 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// alpha dies before firing; beta notices well past the misfire threshold
	clock.Advance(150 * time.Second)
	recovered, err := beta.store.checkin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	type outcome struct {
		acquired []schedule.Key
		next     map[schedule.Key]time.Time
		misfired int
	}
	observe := func(n *clusterNode) outcome {
		got, err := n.store.AcquireNextTriggers(ctx, clock.Now().Add(time.Second), 5, 0)
		require.NoError(t, err)
		o := outcome{next: map[schedule.Key]time.Time{}, misfired: n.sig.misfiredCount()}
		for _, tr := range got {
			o.acquired = append(o.acquired, tr.Key)
		}
		for _, tr := range trs {
			stored, err := n.store.RetrieveTrigger(ctx, tr.Key)
			require.NoError(t, err)
			require.NotNil(t, stored.NextFireTime)
			o.next[tr.Key] = stored.NextFireTime.UTC()
		}
		return o
	}

	want := observe(control)
	assert.Equal(t, []schedule.Key{trs[1].Key}, want.acquired, "the one-shot fires now")
	assert.Equal(t, t0.Add(3*time.Minute), want.next[trs[0].Key], "the repeating trigger skips ahead")
	assert.Equal(t, 2, want.misfired)
	assert.Equal(t, want, observe(beta))
}

func TestNonConcurrentJobExecutesOnOneNodeAtATime(t *testing.T) {
	ctx := context.Background()
	path := pulsetest.CreateTestFileDB(t)
	clock := NewFakeClock(t0)
	alpha := newClusterNode(t, path, "alpha", clock)
	beta := newClusterNode(t, path, "beta", clock)

	job := schedule.NewJob("noop", "reconcile", "billing").DisallowConcurrentExecution()
	first := newTrigger("first", "billing", job.Key, t0, schedule.Every(time.Minute))
	second := newTrigger("second", "billing", job.Key, t0, schedule.Every(time.Minute))
	require.NoError(t, alpha.store.StoreJobAndTrigger(ctx, job, first))
	require.NoError(t, alpha.store.StoreTrigger(ctx, second, false))

	// each node takes one of the job's triggers before either fires
	fromAlpha, err := alpha.store.AcquireNextTriggers(ctx, t0.Add(time.Second), 5, 0)
	require.NoError(t, err)
	require.Len(t, fromAlpha, 1)
	fromBeta, err := beta.store.AcquireNextTriggers(ctx, t0.Add(time.Second), 5, 0)
	require.NoError(t, err)
	require.Len(t, fromBeta, 1)
	require.NotEqual(t, fromAlpha[0].Key, fromBeta[0].Key)

	resAlpha, err := alpha.store.TriggersFired(ctx, fromAlpha)
	require.NoError(t, err)
	require.NotNil(t, resAlpha[0].Bundle)
	resBeta, err := beta.store.TriggersFired(ctx, fromBeta)
	require.NoError(t, err)
	assert.Nil(t, resBeta[0].Bundle, "the job is already executing on alpha")
	require.NoError(t, beta.store.ReleaseAcquiredTrigger(ctx, fromBeta[0]))

	state := func(key schedule.Key) schedule.TriggerState {
		st, err := beta.store.GetTriggerState(ctx, key)
		require.NoError(t, err)
		return st
	}
	assert.Equal(t, schedule.StateExecuting, state(fromAlpha[0].Key))
	assert.Equal(t, schedule.StateBlocked, state(fromBeta[0].Key))

	none, err := beta.store.AcquireNextTriggers(ctx, t0.Add(2*time.Minute), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, alpha.store.TriggeredJobComplete(ctx, resAlpha[0].Bundle.Trigger, resAlpha[0].Bundle.Job, schedule.InstructionNoop))
	assert.Equal(t, schedule.StateWaiting, state(fromBeta[0].Key))

	next, err := beta.store.AcquireNextTriggers(ctx, t0.Add(2*time.Minute), 5, 0)
	require.NoError(t, err)
	require.Len(t, next, 1, "one trigger per non-concurrent job per batch")
	assert.Equal(t, fromBeta[0].Key, next[0].Key)
	res, err := beta.store.TriggersFired(ctx, next)
	require.NoError(t, err)
	require.NotNil(t, res[0].Bundle)

	blocked, err := alpha.store.AcquireNextTriggers(ctx, t0.Add(2*time.Minute), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestFirstCheckinRecoversOwnLeftovers(t *testing.T) {
	ctx := context.Background()
	path := pulsetest.CreateTestFileDB(t)
	clock := NewFakeClock(t0)
	before := newClusterNode(t, path, "gamma", clock)
	_, err := before.store.checkin(ctx)
	require.NoError(t, err)

	job := schedule.NewJob("noop", "nightly", "ops").RequestRecovery()
	tr := newTrigger("nightly", "ops", job.Key, t0, schedule.Every(24*time.Hour))
	before.runToExecuting(t, job, tr)

	// the same instance restarts right away, before any timeout
	after := newClusterNode(t, path, "gamma", clock)
	recovered, err := after.store.checkin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	keys, err := after.store.GetTriggerKeys(ctx, schedule.RecoveringJobsGroup)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	st, err := after.store.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, schedule.StateWaiting, st)
}

func TestStandaloneRestartRecoversInFlightFires(t *testing.T) {
	ctx := context.Background()
	conn := pulsetest.CreateTestDB(t)
	clock := NewFakeClock(t0)
	first, err := NewSQLStore(conn, SQLOptions{Options: Options{Clock: clock}})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx, nil))

	recoverable := schedule.NewJob("noop", "backup", "ops").RequestRecovery()
	once := newTrigger("backup", "ops", recoverable.Key, t0, schedule.OneShot())
	require.NoError(t, first.StoreJobAndTrigger(ctx, recoverable, once))
	plain := schedule.NewJob("noop", "metrics", "ops")
	acquiredOnly := newTrigger("metrics", "ops", plain.Key, t0, schedule.Every(time.Minute))
	require.NoError(t, first.StoreJobAndTrigger(ctx, plain, acquiredOnly))

	got, err := first.AcquireNextTriggers(ctx, t0.Add(time.Second), 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	var fire []*schedule.Trigger
	for _, tr := range got {
		if tr.Key == once.Key {
			fire = append(fire, tr)
		}
	}
	_, err = first.TriggersFired(ctx, fire)
	require.NoError(t, err)

	second, err := NewSQLStore(conn, SQLOptions{Options: Options{Clock: clock}})
	require.NoError(t, err)
	require.NoError(t, second.Initialize(ctx, nil))
	require.NoError(t, second.recoverJobs(ctx))

	st, err := second.GetTriggerState(ctx, acquiredOnly.Key)
	require.NoError(t, err)
	assert.Equal(t, schedule.StateWaiting, st)

	keys, err := second.GetTriggerKeys(ctx, schedule.RecoveringJobsGroup)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	var fired int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sched_fired_triggers`).Scan(&fired))
	assert.Zero(t, fired)
}

func TestReleaseStaleAcquired(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(t0)
	s, err := NewSQLStore(pulsetest.CreateTestDB(t), SQLOptions{
		Options:              Options{Clock: clock},
		AcquiredStaleTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx, nil))

	job := schedule.NewJob("noop", "stuck", "ops")
	tr := newTrigger("stuck", "ops", job.Key, t0, schedule.Every(time.Hour))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, tr))
	got, err := s.AcquireNextTriggers(ctx, t0, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := s.releaseStaleAcquired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh acquisitions are left alone")

	clock.Advance(2 * time.Minute)
	n, err = s.releaseStaleAcquired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, schedule.StateWaiting, st)
}

func TestClusteredStoreRejectsShortCheckinTimeout(t *testing.T) {
	_, err := NewSQLStore(nil, SQLOptions{
		Clustered:       true,
		CheckinInterval: 10 * time.Second,
		CheckinTimeout:  5 * time.Second,
	})
	assert.Error(t, err)
}

func TestAcquireRetryDelayDoublesToCap(t *testing.T) {
	s, err := NewSQLStore(nil, SQLOptions{RetryInterval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.AcquireRetryDelay(1))
	assert.Equal(t, 500*time.Millisecond, s.AcquireRetryDelay(2))
	assert.Equal(t, time.Second, s.AcquireRetryDelay(3))
	assert.Equal(t, time.Second, s.AcquireRetryDelay(10))
}
