// Package apperr defines the error taxonomy shared by the session store,
// the propagation engine and the transports. Every failure surfaced to a
// caller carries a machine-distinguishable Kind plus a human-readable
// message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	CapacityExceeded Kind = "capacity_exceeded"
	NotFound         Kind = "not_found"
	SessionBusy      Kind = "session_busy"
	InvalidRequest   Kind = "invalid_request"
	InferenceFailure Kind = "inference_failure"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or the empty kind for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
