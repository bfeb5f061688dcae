// Package apierr defines the closed set of error kinds that cross
// component boundaries in carapaceos: runner, pool, and control server
// all speak this vocabulary so the server can map failures to HTTP status
// codes in one place instead of every handler guessing.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named by the error handling design.
type Kind int

const (
	// Usage covers bad or missing inputs, rejected at the call site.
	Usage Kind = iota
	// BootFailure covers a hypervisor that never started, a port that
	// never opened, or a readiness probe that never passed.
	BootFailure
	// Transport covers a remote-shell subprocess error or timeout,
	// distinct from a non-zero guest exit code.
	Transport
	// GuestFailure covers a remote command that returned non-zero.
	// Always reported as a normal result, never surfaced over HTTP as
	// an error status — the command ran, it just failed.
	GuestFailure
	// PoolExhausted covers an acquire that timed out waiting for a warm VM.
	PoolExhausted
	// PoolStopped covers an operation invoked during or after shutdown.
	PoolStopped
	// NotFound covers an unknown VM identifier.
	NotFound
	// PayloadTooLarge covers a request body over the size cap.
	PayloadTooLarge
	// Internal covers anything unexpected.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage"
	case BootFailure:
		return "boot-failure"
	case Transport:
		return "transport"
	case GuestFailure:
		return "guest-failure"
	case PoolExhausted:
		return "pool-exhausted"
	case PoolStopped:
		return "pool-stopped"
	case NotFound:
		return "not-found"
	case PayloadTooLarge:
		return "payload-too-large"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, else reports Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// StatusCode maps a Kind to the HTTP status the control server returns.
func (k Kind) StatusCode() int {
	switch k {
	case Usage:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case PoolExhausted:
		return http.StatusServiceUnavailable
	case PoolStopped:
		return http.StatusServiceUnavailable
	case GuestFailure:
		return http.StatusOK
	case BootFailure, Transport, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
