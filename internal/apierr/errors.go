// Package apierr defines the tagged error taxonomy shared by every layer of
// the migration engine (transport, migrators, orchestrator).
package apierr

import "fmt"

// Kind tags an error with the classification the retry policy and the
// orchestrator dispatch on. Duck-typed exceptions in the original are
// replaced here with a single concrete error type switched on Kind.
type Kind string

const (
	Authentication   Kind = "authentication"
	Authorization    Kind = "authorization"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	RateLimited      Kind = "rate_limited"
	ServerError      Kind = "server_error"
	Network          Kind = "network"
	Protocol         Kind = "protocol"
	Validation       Kind = "validation"
	UnmappedRef      Kind = "unmapped_reference"
	DataIntegrity    Kind = "data_integrity"
	Skipped          Kind = "skipped"
)

// Error is the single error type returned by the HTTP client and the
// migrators. Endpoint and StatusCode carry enough context for operators to
// diagnose a failure without re-running with -verbose.
type Error struct {
	Kind        Kind
	Message     string
	StatusCode  int
	Endpoint    string
	RetryAfter  float64 // seconds; only meaningful for Kind == RateLimited
	wrapped     error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d, endpoint %s)", e.Kind, e.Message, e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s (endpoint %s)", e.Kind, e.Message, e.Endpoint)
}

func (e *Error) Unwrap() error { return e.wrapped }

func New(kind Kind, endpoint, message string) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Message: message}
}

func Wrap(kind Kind, endpoint string, err error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Message: err.Error(), wrapped: err}
}

func WithStatus(kind Kind, endpoint, message string, status int) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Message: message, StatusCode: status}
}

// Retryable reports whether the retry policy should attempt this error
// again, independent of attempt budget (spec.md §4.1/§7).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case RateLimited, ServerError, Network:
		return true
	default:
		return false
	}
}

// Is lets callers use errors.Is(err, apierr.NotFound) style checks by
// matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise so callers can fall back to treating an
// unclassified error as fatal.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
