package proxy

import (
	"errors"
	"net/http"

	"powerthrough/internal/headless"
	"powerthrough/internal/target"
)

// Error is a pipeline failure carrying the HTTP status it maps to on both
// the HTTP endpoint and a safezone channel. Details hold a short upstream
// message; stack traces are never exposed.
type Error struct {
	Status  int
	Message string
	Details string
}

func (e *Error) Error() string { return e.Message }

func upstreamUnavailable(cause error) *Error {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &Error{
		Status:  http.StatusBadGateway,
		Message: "Upstream fetch failed.",
		Details: details,
	}
}

// AsError normalizes pipeline failures into *Error for the transports.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	var verr *target.ValidationError
	if errors.As(err, &verr) {
		return &Error{Status: verr.Status(), Message: verr.Message}
	}
	switch {
	case errors.Is(err, headless.ErrBusy):
		return &Error{Status: http.StatusTooManyRequests, Message: "Headless renderer is busy, try again later."}
	case errors.Is(err, headless.ErrUnavailable):
		return &Error{Status: http.StatusInternalServerError, Message: "Headless renderer is unavailable."}
	}
	return &Error{Status: http.StatusInternalServerError, Message: "Internal proxy error.", Details: err.Error()}
}
