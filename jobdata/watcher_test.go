package jobdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/schedule"
)

const singleJob = `
jobs:
  - name: ping
    type: noop
    triggers:
      - simple: {interval: 1m, repeat: -1}
`

const twoJobs = singleJob + `
  - name: pong
    type: noop
    durable: true
`

func TestWatcherReappliesChangedFile(t *testing.T) {
	s := newScheduler(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "jobs.yaml", singleJob)
	other := writeFile(t, dir, "other.yaml", "")

	loader := NewLoader(s, Options{OverwriteExisting: true}, nil)
	_, err := loader.LoadFile(ctx, path)
	require.NoError(t, err)

	w, err := NewWatcher(loader, []string{path}, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	applied := make(chan *Result, 4)
	w.OnApply(func(p string, res *Result, err error) {
		assert.Equal(t, filepath.Clean(p), p)
		assert.NoError(t, err)
		applied <- res
	})
	w.Start(ctx)
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(other, []byte(twoJobs), am.DefaultFilePermissions))
	select {
	case <-applied:
		t.Fatal("change to an unwatched file was applied")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(twoJobs), am.DefaultFilePermissions))
	select {
	case res := <-applied:
		assert.Equal(t, 2, res.Jobs)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not re-apply the file")
	}

	exists, err := s.CheckJobExists(ctx, schedule.NewKey("pong", schedule.DefaultGroup))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	s := newScheduler(t)
	path := writeFile(t, t.TempDir(), "jobs.yaml", singleJob)
	w, err := NewWatcher(NewLoader(s, Options{}, nil), []string{path}, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	s := newScheduler(t)
	_, err := NewWatcher(NewLoader(s, Options{}, nil), []string{"/does/not/exist/jobs.yaml"}, nil)
	assert.Error(t, err)
}
