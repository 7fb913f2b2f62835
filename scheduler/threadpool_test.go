package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadPoolBoundsReservations(t *testing.T) {
	pool := NewThreadPool(2, nil)
	ctx := context.Background()

	a := pool.Reserve(ctx, 10*time.Millisecond)
	b := pool.Reserve(ctx, 10*time.Millisecond)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, 2, pool.Busy())

	assert.Nil(t, pool.Reserve(ctx, 30*time.Millisecond), "pool is full")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.Equal(t, 0, pool.BlockForAvailableThreads(waitCtx))

	a.Release()
	a.Release() // second release is a no-op
	assert.Equal(t, 1, pool.BlockForAvailableThreads(ctx))
	assert.Equal(t, 1, pool.Busy())
	b.Release()
	assert.Equal(t, 2, pool.BlockForAvailableThreads(ctx))
}

func TestThreadPoolBlockWakesOnRelease(t *testing.T) {
	pool := NewThreadPool(1, nil)
	slot := pool.Reserve(context.Background(), time.Millisecond)
	require.NotNil(t, slot)

	got := make(chan int, 1)
	go func() { got <- pool.BlockForAvailableThreads(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	slot.Release()

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("BlockForAvailableThreads did not wake up")
	}
}

func TestThreadPoolRunRecoversPanics(t *testing.T) {
	pool := NewThreadPool(1, nil)
	slot := pool.Reserve(context.Background(), time.Millisecond)
	require.NotNil(t, slot)

	pool.Run(slot, func() { panic("boom") })

	require.Eventually(t, func() bool { return pool.Busy() == 0 }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, pool.Reserve(context.Background(), time.Millisecond), "slot is reusable after a panic")
}

func TestThreadPoolShutdownWaitsForWork(t *testing.T) {
	pool := NewThreadPool(2, nil)
	var finished atomic.Bool
	slot := pool.Reserve(context.Background(), time.Millisecond)
	require.NotNil(t, slot)
	pool.Run(slot, func() {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})

	assert.True(t, pool.Shutdown(true, time.Second))
	assert.True(t, finished.Load())
	assert.Nil(t, pool.Reserve(context.Background(), time.Millisecond), "no slots after shutdown")
	assert.Equal(t, 0, pool.BlockForAvailableThreads(context.Background()))
}

func TestThreadPoolShutdownTimesOut(t *testing.T) {
	pool := NewThreadPool(1, nil)
	release := make(chan struct{})
	defer close(release)
	slot := pool.Reserve(context.Background(), time.Millisecond)
	require.NotNil(t, slot)
	pool.Run(slot, func() { <-release })

	assert.False(t, pool.Shutdown(true, 50*time.Millisecond))
}
