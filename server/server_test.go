package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/metrics"
	"github.com/teranos/pulse/schedule"
	"github.com/teranos/pulse/scheduler"
)

func newScheduler(t *testing.T, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	cfg := &am.Config{
		Scheduler: am.SchedulerConfig{
			Name:                     "admin",
			InstanceID:               "node-1",
			ThreadCount:              2,
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
	s, err := scheduler.New(cfg, store, registry, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(false) })
	return s
}

func testConfig() am.ServerConfig {
	return am.ServerConfig{
		Enabled:        true,
		Address:        "127.0.0.1:0",
		WebSocket:      true,
		AllowedOrigins: []string{"http://localhost"},
	}
}

// scheduleReport stores reports.nightly with a trigger an hour out so it
// never fires during a test.
func scheduleReport(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	job := schedule.NewJob(scheduler.JobTypeNoop, "nightly", "reports").WithDescription("nightly report")
	trigger := schedule.NewTrigger("every-hour", "reports").
		ForJob(job.Key).
		StartAt(time.Now().Add(time.Hour)).
		WithSchedule(schedule.Every(time.Hour)).
		Build()
	_, err := s.ScheduleJob(context.Background(), job, trigger)
	require.NoError(t, err)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthFollowsSchedulerState(t *testing.T) {
	s := newScheduler(t)
	h := New(s, testConfig()).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, statusStandby, health.Status)
	assert.Equal(t, "admin", health.Scheduler)
	assert.Equal(t, "node-1", health.InstanceID)

	rec = do(t, h, http.MethodPost, "/api/scheduler/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusOK, decode[HealthResponse](t, do(t, h, http.MethodGet, "/healthz", "")).Status)

	rec = do(t, h, http.MethodPost, "/api/scheduler/standby", "")
	require.Equal(t, http.StatusOK, rec.Code)
	md := decode[scheduler.MetaData](t, do(t, h, http.MethodGet, "/api/scheduler", ""))
	assert.True(t, md.Started)
	assert.True(t, md.InStandbyMode)

	s.Shutdown(false)
	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/scheduler/start", "").Code)
}

func TestJobEndpoints(t *testing.T) {
	s := newScheduler(t)
	scheduleReport(t, s)
	h := New(s, testConfig()).Handler()

	list := decode[ListJobsResponse](t, do(t, h, http.MethodGet, "/api/jobs?group=reports", ""))
	require.Equal(t, 1, list.Count)
	job := list.Jobs[0]
	assert.Equal(t, "reports.nightly", job.Key)
	assert.Equal(t, scheduler.JobTypeNoop, job.JobType)
	require.Len(t, job.Triggers, 1)
	assert.Equal(t, string(schedule.StateWaiting), job.Triggers[0].State)
	assert.Equal(t, schedule.KindSimple, job.Triggers[0].Kind)

	empty := decode[ListJobsResponse](t, do(t, h, http.MethodGet, "/api/jobs?group=nope", ""))
	assert.Zero(t, empty.Count)

	rec := do(t, h, http.MethodGet, "/api/jobs/reports/nightly", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nightly report", decode[JobResponse](t, rec).Description)

	rec = do(t, h, http.MethodGet, "/api/jobs/reports/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/jobs/reports/nightly/pause", "").Code)
	state, err := s.GetTriggerState(context.Background(), schedule.NewKey("every-hour", "reports"))
	require.NoError(t, err)
	assert.Equal(t, schedule.StatePaused, state)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/jobs/reports/nightly/resume", "").Code)
	state, err = s.GetTriggerState(context.Background(), schedule.NewKey("every-hour", "reports"))
	require.NoError(t, err)
	assert.Equal(t, schedule.StateWaiting, state)

	rec = do(t, h, http.MethodPost, "/api/jobs/groups/reports/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"reports"}, decode[GroupActionResponse](t, rec).Groups)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/jobs/groups/reports/resume", "").Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/jobs/reports/nightly", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/jobs/reports/nightly", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/jobs/reports/nightly", "").Code)
}

func TestTriggerJob(t *testing.T) {
	s := newScheduler(t)
	scheduleReport(t, s)
	h := New(s, testConfig()).Handler()

	rec := do(t, h, http.MethodPost, "/api/jobs/reports/nightly/trigger", `{"data":{"reason":"manual"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	keys, err := s.GetTriggerKeys(context.Background(), schedule.ManualTriggerGroup)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	manual, err := s.GetTrigger(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, "manual", manual.JobData["reason"])

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/jobs/reports/nightly/trigger", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/jobs/reports/missing/trigger", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/jobs/reports/nightly/trigger", "{not json").Code)
}

func TestTriggerEndpoints(t *testing.T) {
	s := newScheduler(t)
	scheduleReport(t, s)
	h := New(s, testConfig()).Handler()

	list := decode[ListTriggersResponse](t, do(t, h, http.MethodGet, "/api/triggers", ""))
	require.Equal(t, 1, list.Count)
	tr := list.Triggers[0]
	assert.Equal(t, "reports.every-hour", tr.Key)
	assert.Equal(t, "reports.nightly", tr.Job)
	require.NotNil(t, tr.NextFireTime)
	assert.JSONEq(t, `{"interval":3600000000000,"repeat_count":-1}`, string(tr.Schedule))

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/triggers/reports/every-hour/pause", "").Code)
	got := decode[TriggerResponse](t, do(t, h, http.MethodGet, "/api/triggers/reports/every-hour", ""))
	assert.Equal(t, string(schedule.StatePaused), got.State)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/triggers/reports/every-hour/resume", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/triggers/reports/every-hour/reset", "").Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/triggers/reports/missing", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/triggers/reports/every-hour", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/triggers/reports/every-hour", "").Code)

	// the job was not durable, so it went with its last trigger
	exists, err := s.CheckJobExists(context.Background(), schedule.NewKey("nightly", "reports"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecutingAndCalendars(t *testing.T) {
	s := newScheduler(t)
	h := New(s, testConfig()).Handler()

	exec := decode[ListExecutingResponse](t, do(t, h, http.MethodGet, "/api/executing", ""))
	assert.Zero(t, exec.Count)
	assert.NotNil(t, exec.Executing)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/calendars", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/executing/nope/interrupt", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)
	s := newScheduler(t)
	collector.Attach(s.ListenerManager())
	require.NoError(t, s.Start(context.Background()))

	h := New(s, testConfig(), WithGatherer(reg)).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulse_scheduler_started 1")
}

func TestCORS(t *testing.T) {
	h := New(newScheduler(t), testConfig()).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket = false
	h := New(newScheduler(t), cfg).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/ws/events", "").Code)
}

func TestEventStream(t *testing.T) {
	hub := NewHub(nil)
	s := newScheduler(t, scheduler.WithBroadcaster(hub))
	srv := New(s, testConfig(), WithHub(hub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello scheduler.Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, scheduler.EventSchedulerState, hello.Type)
	assert.Equal(t, statusStandby, hello.State)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(scheduler.Event{Type: scheduler.EventJobSucceeded, Job: "reports.nightly"})
	var ev scheduler.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, scheduler.EventJobSucceeded, ev.Type)
	assert.Equal(t, "reports.nightly", ev.Job)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	srv := New(newScheduler(t), testConfig(), WithHub(hub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartAndShutdown(t *testing.T) {
	srv := New(newScheduler(t), testConfig())
	require.NoError(t, srv.Start(context.Background()))
	require.Error(t, srv.Start(context.Background()))

	addr := srv.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}
