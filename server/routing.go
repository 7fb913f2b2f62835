package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/pulse/logger"
)

// routes builds the router
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.cfg.WebSocket {
		r.Get("/ws/events", s.HandleEvents)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/scheduler", s.HandleSchedulerStatus)
		r.Post("/scheduler/standby", s.HandleSchedulerStandby)
		r.Post("/scheduler/start", s.HandleSchedulerStart)

		r.Get("/jobs", s.HandleListJobs)
		r.Post("/jobs/groups/{group}/pause", s.HandlePauseJobGroup)
		r.Post("/jobs/groups/{group}/resume", s.HandleResumeJobGroup)
		r.Route("/jobs/{group}/{name}", func(r chi.Router) {
			r.Get("/", s.HandleGetJob)
			r.Delete("/", s.HandleDeleteJob)
			r.Post("/trigger", s.HandleTriggerJob)
			r.Post("/pause", s.HandlePauseJob)
			r.Post("/resume", s.HandleResumeJob)
		})

		r.Get("/triggers", s.HandleListTriggers)
		r.Route("/triggers/{group}/{name}", func(r chi.Router) {
			r.Get("/", s.HandleGetTrigger)
			r.Delete("/", s.HandleUnscheduleTrigger)
			r.Post("/pause", s.HandlePauseTrigger)
			r.Post("/resume", s.HandleResumeTrigger)
			r.Post("/reset", s.HandleResetTrigger)
		})

		r.Get("/calendars", s.HandleListCalendars)
		r.Get("/executing", s.HandleListExecuting)
		r.Post("/executing/{fireInstanceID}/interrupt", s.HandleInterrupt)
	})
	return r
}

// requestLogger logs every request at debug level, failures at warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			logger.PulseWarnw(s.logger, "Request failed", fields...)
			return
		}
		logger.PulseDebugw(s.logger, "Request served", fields...)
	})
}

// corsMiddleware allows the configured origins to call the API from a browser
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches by prefix so any port of an allowed host passes.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
