// Package errs defines the opaque error-kind taxonomy shared by every
// meshcore subsystem. Callers should compare kinds with
// errs.Is against the Kind constants, never by string-matching
// Error().
package errs

import "fmt"

// Kind is an opaque, stable error classification. Kinds are safe to expose
// to callers across process boundaries; the wrapped Cause is not.
type Kind string

const (
	Malformed          Kind = "malformed"
	Invalid            Kind = "invalid"
	BadCredentials     Kind = "bad_credentials"
	KeyUnavailable     Kind = "key_unavailable"
	Transient          Kind = "transient"
	Permanent          Kind = "permanent"
	Unknown            Kind = "unknown"
	MaxRetriesExceeded Kind = "max_retries_exceeded"
	CircuitOpen        Kind = "circuit_open"
	DlqAccepted        Kind = "dlq_accepted"
	Unavailable        Kind = "unavailable"
	Unsupported        Kind = "unsupported"
)

// Error pairs a stable Kind with an internal Cause. Error() renders only
// the kind and reason, never the cause, so it is safe for user-visible
// reporting; use Unwrap (or errors.As) to inspect Cause
// internally.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kind-tagged error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a kind-tagged error around an existing cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err carries the given Kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if me, ok := err.(*Error); ok {
			e = me
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
