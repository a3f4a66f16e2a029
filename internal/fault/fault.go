// Package fault defines the stable error taxonomy shared by every ACE
// component. Each error carries a Kind tag used for retry policy and
// observability; user-visible messages never include prompts, credentials,
// or stack traces.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policy and reporting.
type Kind string

const (
	// Validation marks schema violations in user input or extracted data.
	// Never retried; surfaced to the caller.
	Validation Kind = "validation"

	// SchemaError marks a graph constraint violation. Never retried.
	SchemaError Kind = "schema_error"

	// BackendTimeout marks an adapter call that exceeded its deadline.
	BackendTimeout Kind = "backend_timeout"

	// BackendUnavailable marks a transient adapter failure. Retried with
	// backoff inside the adapter; callers see the final outcome.
	BackendUnavailable Kind = "backend_unavailable"

	// MalformedOutput marks LM output that failed to parse after one reprompt.
	MalformedOutput Kind = "malformed_output"

	// Cancelled marks caller cancellation or deadline expiry. No retry.
	Cancelled Kind = "cancelled"

	// Fatal marks a programmer error (invariant violated).
	Fatal Kind = "fatal"
)

// Error is a tagged error with optional offending evidence.
type Error struct {
	Kind     Kind
	Msg      string
	Evidence []string
	wrapped  error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf creates a tagged error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error without losing its chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, wrapped: err}
}

// WithEvidence attaches offending evidence (e.g. contradicting property
// values) that is safe to surface to the caller.
func (e *Error) WithEvidence(evidence ...string) *Error {
	e.Evidence = append(e.Evidence, evidence...)
	return e
}

// KindOf extracts the Kind from an error chain, or Fatal for untagged errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Fatal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the adapter layer may retry the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case BackendUnavailable, BackendTimeout:
		return true
	default:
		return false
	}
}
