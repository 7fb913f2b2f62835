package jobdata

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc observes every re-apply a Watcher performs.
type ApplyFunc func(path string, res *Result, err error)

// Watcher re-applies job definition files when they change. It watches the
// parent directories so files replaced by rename are still picked up.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	logger   *zap.SugaredLogger
	debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	onApply []ApplyFunc
	started bool
	stopped bool
	ctx     context.Context
	done    chan struct{}
}

// NewWatcher watches paths and re-applies them through loader.
func NewWatcher(loader *Loader, paths []string, log *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	w := &Watcher{
		loader:   loader,
		watcher:  fw,
		files:    make(map[string]struct{}, len(paths)),
		logger:   logger.OrNop(log),
		debounce: DefaultDebounce,
		timers:   map[string]*time.Timer{},
		done:     make(chan struct{}),
	}

	dirs := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "resolve %s", p)
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "failed to watch directory %s", dir)
		}
	}
	return w, nil
}

// SetDebounce changes the debounce period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// OnApply registers a callback run after each re-apply.
func (w *Watcher) OnApply(fn ApplyFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = append(w.onApply, fn)
}

// Start begins watching. Re-applies run with ctx.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.started = true
	w.mu.Unlock()
	go w.watchLoop()
}

// Stop stops watching and cancels pending re-applies.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true
	started := w.started
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, watched := w.files[path]; !watched {
				continue
			}
			logger.PulseDebugw(w.logger, "Job definition file changed",
				logger.FieldFile, path,
				"op", event.Op.String())
			w.scheduleReload(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.PulseWarnw(w.logger, "Job definition watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid changes to one file.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.reload(path) })
}

func (w *Watcher) reload(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	ctx := w.ctx
	callbacks := make([]ApplyFunc, len(w.onApply))
	copy(callbacks, w.onApply)
	w.mu.Unlock()

	res, err := w.loader.LoadFile(ctx, path)
	if err != nil {
		logger.PulseErrorw(w.logger, "Job definition reload failed",
			logger.FieldFile, path,
			logger.FieldError, err)
	}
	for _, cb := range callbacks {
		cb(path, res, err)
	}
}
