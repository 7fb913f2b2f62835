package server

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/scheduler"
)

const (
	hubQueueSize    = 1024
	clientQueueSize = 256
)

// Hub fans scheduler events out to WebSocket clients. It implements
// scheduler.EventBroadcaster; the hub goroutine owns every client send.
type Hub struct {
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	events     chan scheduler.Event

	drops atomic.Int64
	done  chan struct{}
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:     logger.OrNop(log),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan scheduler.Event, hubQueueSize),
		done:       make(chan struct{}),
	}
}

// Broadcast queues ev for every client. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Broadcast(ev scheduler.Event) {
	select {
	case h.events <- ev:
	default:
		h.drops.Add(1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns the number of events dropped because a queue was full.
func (h *Hub) Drops() int64 { return h.drops.Load() }

// Run delivers events until ctx is done, then closes every client. Run
// must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			logger.PulseDebugw(h.logger, "Event hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			logger.PulseInfow(h.logger, "Event client connected", "client_id", c.id, "total_clients", total)
		case c := <-h.unregister:
			if h.remove(c) {
				logger.PulseInfow(h.logger, "Event client disconnected", "client_id", c.id)
			}
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// join hands c to the hub; false once the hub stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(ev scheduler.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			h.drops.Add(1)
			h.remove(c)
			logger.PulseWarnw(h.logger, "Event client too slow, disconnecting",
				"client_id", c.id,
				"total_drops", h.drops.Load())
		}
	}
}

// remove closes c's queue once; only the hub goroutine calls it.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
	return ok
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for c := range clients {
		close(c.send)
	}
}
