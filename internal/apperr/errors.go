package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable category of a failure that callers can branch on.
type Kind string

const (
	NotFound          Kind = "not_found"
	InvalidState      Kind = "invalid_state"
	InvalidTransition Kind = "invalid_transition"
	InvalidArgument   Kind = "invalid_argument"
	Forbidden         Kind = "forbidden"
	Conflict          Kind = "conflict"
	Internal          Kind = "internal"
)

// Error carries a kind and a message that is safe to show to a caller.
// The wrapped error, if any, is for logs only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap turns a lower-level failure (usually storage) into an Internal error.
// Errors that already carry a kind pass through untouched.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: Internal, Msg: msg, Err: err}
}

// KindOf reports the kind of err, Internal for anything unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing text. Internal failures never leak
// their cause.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != Internal {
		return ae.Msg
	}
	return "internal error"
}
