package rest

import (
	"errors"
	"fmt"
)

// Kind sentinels for matching an *Error with errors.Is.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrUnknown     = errors.New("unknown error")
)

// Error is a failed API request. It carries enough context to diagnose
// the failure without re-issuing the call.
type Error struct {
	Method string
	Route  string
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Route, e.Status, string(e.Body))
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.Status == 400
	case ErrForbidden:
		return e.Status == 403
	case ErrNotFound:
		return e.Status == 404
	case ErrRateLimited:
		return e.Status == 429
	case ErrServer:
		return e.Status >= 500 && e.Status < 600
	case ErrUnknown:
		return !(e.Status == 400 || e.Status == 403 || e.Status == 404 ||
			e.Status == 429 || (e.Status >= 500 && e.Status < 600))
	}
	return false
}
