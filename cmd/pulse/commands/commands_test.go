package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/jobstore"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
	"github.com/teranos/pulse/version"
)

func ramScheduler(t *testing.T) (*scheduler.Scheduler, jobstore.JobStore) {
	t.Helper()
	cfg := &am.Config{
		Scheduler: am.SchedulerConfig{
			Name:                     "cli",
			InstanceID:               "node",
			ThreadCount:              1,
			IdleWait:                 time.Second,
			BatchMaxSize:             1,
			DispatchWait:             time.Second,
			MisfireThreshold:         time.Minute,
			MaxMisfiresPerPass:       20,
			ShutdownTimeout:          time.Second,
			JobCompleteRetryAttempts: 1,
		},
		Store: am.StoreConfig{Type: am.StoreRAM, RetryAttempts: 1, RetryInterval: time.Second},
	}
	store, _, err := scheduler.OpenStore(cfg, nil, nil)
	require.NoError(t, err)
	registry := scheduler.NewJobRegistry()
	scheduler.RegisterBuiltins(registry, nil)
	s, err := scheduler.New(cfg, store, registry)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(false) })
	return s, store
}

func TestJobAndTriggerRows(t *testing.T) {
	s, store := ramScheduler(t)
	ctx := context.Background()

	start := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	job := schedule.NewJob(scheduler.JobTypeLog, "cleanup", "ops").StoreDurably(true).RequestRecovery()
	soon := schedule.NewTrigger("soon", "ops").ForJob(job.Key).StartAt(start).
		WithSchedule(schedule.Every(time.Hour)).Build()
	_, err := s.ScheduleJob(ctx, job, soon)
	require.NoError(t, err)
	later := schedule.NewTrigger("later", "ops").ForJob(job.Key).StartAt(start.Add(24 * time.Hour)).
		WithSchedule(schedule.OneShot()).Build()
	_, err = s.ScheduleTrigger(ctx, later)
	require.NoError(t, err)

	rows, err := jobRows(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ops.cleanup", rows[1][0])
	assert.Equal(t, scheduler.JobTypeLog, rows[1][1])
	assert.Equal(t, "durable,recover", rows[1][2])
	assert.Equal(t, "2", rows[1][3])
	assert.Equal(t, formatTime(&start), rows[1][4])

	rows, err = jobRows(ctx, store, "nope")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, s.PauseTrigger(ctx, later.Key))
	rows, err = triggerRows(ctx, store, "ops")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ops.soon", rows[1][0])
	assert.Equal(t, string(schedule.KindSimple), rows[1][2])
	assert.Equal(t, string(schedule.StateWaiting), rows[1][3])
	assert.Equal(t, "ops.later", rows[2][0])
	assert.Equal(t, string(schedule.StatePaused), rows[2][3])
	assert.Equal(t, "-", rows[2][6])
}

func TestValidateDefinitions(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
calendars:
  - name: weekends
    calendar: {type: weekly, excluded_weekdays: [0, 6]}
jobs:
  - name: ping
    type: noop
    triggers:
      - cron: {expression: "0 */5 * * * ?"}
        calendar: weekends
      - simple: {interval: 1m, repeat: 3}
`), 0o644))

	summary, err := validateDefinitions(good, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "1 calendars, 1 jobs, 2 triggers", summary)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("jobs:\n  - name: x\n    type: rocket\n"), 0o644))
	_, err = validateDefinitions(unknown, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rocket")

	_, err = validateDefinitions(filepath.Join(dir, "missing.yaml"), time.Now())
	assert.Error(t, err)
}

func TestVersionJSON(t *testing.T) {
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetArgs(nil)
	})
	require.NoError(t, RootCmd.Execute())

	var info version.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.Get().Platform, info.Platform)
}
