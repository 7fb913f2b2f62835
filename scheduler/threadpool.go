package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/pulse/logger"
)

// Slot is a reserved worker. It must be handed to Run or given back with Release.
type Slot struct {
	pool *ThreadPool
	once sync.Once
}

// Release returns an unused slot to the pool.
func (s *Slot) Release() {
	s.once.Do(s.pool.release)
}

// ThreadPool bounds concurrent job executions. The firing loop reserves a
// slot before it marks a trigger fired, so a fired trigger always has a
// worker waiting for it.
type ThreadPool struct {
	size   int
	sem    *semaphore.Weighted
	logger *zap.SugaredLogger

	mu       sync.Mutex
	busy     int
	freed    chan struct{} // closed and replaced whenever a slot frees up
	shutdown bool
	wg       sync.WaitGroup
}

// NewThreadPool creates a pool of size workers.
func NewThreadPool(size int, log *zap.SugaredLogger) *ThreadPool {
	if size <= 0 {
		size = 1
	}
	return &ThreadPool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.OrNop(log),
		freed:  make(chan struct{}),
	}
}

// Size returns the number of workers.
func (p *ThreadPool) Size() int {
	return p.size
}

// Busy returns how many slots are reserved or running.
func (p *ThreadPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// BlockForAvailableThreads waits until at least one slot is free and returns
// the number of free slots. It returns 0 when ctx ends or the pool is shut down.
func (p *ThreadPool) BlockForAvailableThreads(ctx context.Context) int {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return 0
		}
		if avail := p.size - p.busy; avail > 0 {
			p.mu.Unlock()
			return avail
		}
		freed := p.freed
		p.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return 0
		}
	}
}

// Reserve claims a slot, waiting at most wait for one to free up.
// Returns nil on timeout, cancellation or shutdown.
func (p *ThreadPool) Reserve(ctx context.Context, wait time.Duration) *Slot {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := p.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			return nil
		}
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil
	}
	p.busy++
	p.mu.Unlock()
	return &Slot{pool: p}
}

func (p *ThreadPool) release() {
	p.mu.Lock()
	p.busy--
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
	p.sem.Release(1)
}

// Run executes fn on the reserved slot and frees the slot when fn returns.
// Panics in fn are recovered and logged; job code is expected to recover
// its own panics before this point.
func (p *ThreadPool) Run(slot *Slot, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer slot.Release()
		defer func() {
			if r := recover(); r != nil {
				logger.PulseErrorw(p.logger, "Worker recovered from panic", "panic", r)
			}
		}()
		fn()
	}()
}

// Shutdown stops handing out slots. With wait set it blocks until running
// work finishes or timeout elapses (0 waits indefinitely); it reports
// whether all work finished.
func (p *ThreadPool) Shutdown(wait bool, timeout time.Duration) bool {
	p.mu.Lock()
	p.shutdown = true
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()

	if !wait {
		return p.Busy() == 0
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.PulseCloseInfow(p.logger, "Thread pool shutdown timed out with jobs still running",
			logger.FieldWait, timeout, logger.FieldCount, p.Busy())
		return false
	}
}
