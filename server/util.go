package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
)

// upgrader checks the Origin header against the configured allowed origins
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin lets clients without an Origin header through (CLI tools,
// tests); browsers must come from an allowed origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

// keyParam builds a job or trigger key from the {group} and {name} URL params.
func keyParam(r *http.Request) (schedule.Key, error) {
	group := chi.URLParam(r, "group")
	name := chi.URLParam(r, "name")
	if name == "" {
		return schedule.Key{}, errors.NewInvalidRequestError("missing name")
	}
	return schedule.NewKey(name, group), nil
}
