package scheduler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/internal/httpclient"
	"github.com/teranos/pulse/schedule"
)

func builtinContext(data schedule.JobDataMap) *JobExecutionContext {
	job := schedule.NewJob(JobTypeShell, "j", "g")
	trig := schedule.NewTrigger("t", "g").ForJob(job.Key).Build()
	return &JobExecutionContext{
		JobDetail:        job,
		Trigger:          trig,
		MergedJobDataMap: data,
		FireInstanceID:   "fire-1",
	}
}

func TestShellJobCapturesOutput(t *testing.T) {
	jc := builtinContext(schedule.JobDataMap{ShellCommandKey: `echo "hello world"`})
	require.NoError(t, shellJob(context.Background(), jc))
	assert.Equal(t, "hello world\n", jc.Result())
}

func TestShellJobFailsOnNonZeroExit(t *testing.T) {
	jc := builtinContext(schedule.JobDataMap{ShellCommandKey: "false"})
	assert.Error(t, shellJob(context.Background(), jc))
}

func TestShellJobRequiresCommand(t *testing.T) {
	err := shellJob(context.Background(), builtinContext(schedule.JobDataMap{}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = shellJob(context.Background(), builtinContext(schedule.JobDataMap{ShellCommandKey: `echo "unterminated`}))
	assert.Error(t, err)
}

func TestShellJobTimeout(t *testing.T) {
	jc := builtinContext(schedule.JobDataMap{ShellCommandKey: "sleep 5", ShellTimeoutKey: "100ms"})
	start := time.Now()
	assert.Error(t, shellJob(context.Background(), jc))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestLogJobWritesMergedData(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	jc := builtinContext(schedule.JobDataMap{"b": 2, "a": "x"})

	require.NoError(t, logJob(zap.New(core).Sugar(), jc))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.True(t, strings.Contains(entries[0].Message, "Log job fired"))
	fields := entries[0].ContextMap()
	assert.Equal(t, "x", fields["data.a"])
	assert.Equal(t, "g.j", fields["job"])
}

func TestHTTPJobPostsBody(t *testing.T) {
	var gotMethod, gotBody, gotType, gotJob string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod, gotBody = r.Method, string(b)
		gotType, gotJob = r.Header.Get("Content-Type"), r.Header.Get("X-Pulse-Job")
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	jc := builtinContext(schedule.JobDataMap{
		HTTPURLKey:          srv.URL + "/hook",
		HTTPBodyKey:         `{"report":"nightly"}`,
		HTTPAllowPrivateKey: true,
	})
	require.NoError(t, httpJob(context.Background(), jc))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"report":"nightly"}`, gotBody)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "g.j", gotJob)
	assert.Equal(t, "accepted", jc.Result())
}

func TestHTTPJobFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	jc := builtinContext(schedule.JobDataMap{HTTPURLKey: srv.URL, HTTPAllowPrivateKey: "true"})
	err := httpJob(context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, "nope\n", jc.Result())
}

func TestHTTPJobBlocksPrivateTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer srv.Close()

	err := httpJob(context.Background(), builtinContext(schedule.JobDataMap{HTTPURLKey: srv.URL}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpclient.ErrBlocked))

	err = httpJob(context.Background(), builtinContext(schedule.JobDataMap{}))
	assert.True(t, errors.IsInvalidRequestError(err))
}
