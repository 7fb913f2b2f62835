// Package server exposes a running scheduler over HTTP: health, status and
// administration endpoints, prometheus metrics and a WebSocket stream of
// scheduler events.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/scheduler"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the admin HTTP server of one scheduler.
type Server struct {
	sched    *scheduler.Scheduler
	cfg      am.ServerConfig
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
	router   chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHub uses hub for /ws/events. Pass the same hub to
// scheduler.WithBroadcaster so events reach it.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a server for sched. Routes are ready immediately; Start
// begins listening.
func New(sched *scheduler.Scheduler, cfg am.ServerConfig, opts ...Option) *Server {
	s := &Server{
		sched:    sched,
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	if s.cfg.Address == "" {
		s.cfg.Address = am.DefaultServerAddress
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Address)
	}
	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return hubCtx },
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(hubCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.PulseErrorw(s.logger, "HTTP server failed", logger.FieldError, err)
		}
	}()

	logger.PulseInfow(s.logger, "Server ready",
		logger.FieldAddress, ln.Addr().String(),
		"websocket", s.cfg.WebSocket)
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, stop := context.WithTimeout(ctx, shutdownTimeout)
	defer stop()
	// Hijacked websocket connections are not tracked by Shutdown; cancelling
	// the hub closes them.
	cancel()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	logger.PulseInfow(s.logger, "Server stopped")
	if err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	return nil
}
