package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/scheduler"
)

func newTestClient(hub *Hub, id string, queue int) *Client {
	return &Client{hub: hub, send: make(chan scheduler.Event, queue), id: id}
}

func TestHubDeliversToClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	a := newTestClient(hub, "a", 4)
	b := newTestClient(hub, "b", 4)
	require.True(t, hub.join(a))
	require.True(t, hub.join(b))
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(scheduler.Event{Type: scheduler.EventJobStarted, Job: "g.j"})
	for _, c := range []*Client{a, b} {
		select {
		case ev := <-c.send:
			assert.Equal(t, scheduler.EventJobStarted, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("client %s got no event", c.id)
		}
	}

	hub.leave(a)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	_, open := <-a.send
	assert.False(t, open)
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := newTestClient(hub, "slow", 1)
	require.True(t, hub.join(slow))

	hub.Broadcast(scheduler.Event{Type: scheduler.EventJobStarted})
	hub.Broadcast(scheduler.Event{Type: scheduler.EventJobSucceeded})

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), hub.Drops())
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	// not running: the queue fills and the rest is dropped
	for i := 0; i < hubQueueSize+10; i++ {
		hub.Broadcast(scheduler.Event{Type: scheduler.EventJobStarted})
	}
	assert.Equal(t, int64(10), hub.Drops())
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := newTestClient(hub, "c", 1)
	require.True(t, hub.join(c))
	cancel()
	<-stopped

	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, hub.join(newTestClient(hub, "late", 1)))
	hub.leave(c)
}
