package apperr

import (
	"errors"
	"net/http"
)

// Kinds of failure the relay reports. Every error produced by a feature
// package either wraps one of these or is treated as a server error.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNotFound          = errors.New("not found")
	ErrDenied            = errors.New("denied")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflict          = errors.New("conflict")
)

// Error pairs a kind with the message shown to the client.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func Unauthenticated(msg string) error   { return &Error{Kind: ErrUnauthenticated, Msg: msg} }
func InvalidCredential(msg string) error { return &Error{Kind: ErrInvalidCredential, Msg: msg} }
func NotFound(msg string) error          { return &Error{Kind: ErrNotFound, Msg: msg} }
func Denied(msg string) error            { return &Error{Kind: ErrDenied, Msg: msg} }
func InvalidArgument(msg string) error   { return &Error{Kind: ErrInvalidArgument, Msg: msg} }
func Conflict(msg string) error          { return &Error{Kind: ErrConflict, Msg: msg} }

// Status classifies err for the request path.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client facing text for err. Unclassified errors never
// leak their details.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "Server error"
}

// IsClientError reports whether err belongs to the taxonomy above, i.e. it is
// the caller's fault and not worth an error-level log line.
func IsClientError(err error) bool {
	return Status(err) != http.StatusInternalServerError
}
