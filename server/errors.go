package server

import (
	"net/http"

	"github.com/teranos/pulse/errors"
)

// statusFor maps the pulse error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.ErrSchedulerShutdown):
		return http.StatusServiceUnavailable
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsObjectAlreadyExists(err):
		return http.StatusConflict
	case errors.IsInvalidRequestError(err), errors.Is(err, errors.ErrScheduler):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
