// Package faults defines the error taxonomy shared by the lending engines.
// Every engine surfaces failures as values of these kinds so callers can map
// them to retry/no-retry policy without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

const (
	// Validation marks a malformed or incomplete request, rejected before any
	// mutation.
	Validation Kind = "validation"
	// InvariantViolation marks a request that would make a disallowed balance
	// negative; nothing is written.
	InvariantViolation Kind = "invariant_violation"
	// AlreadySettled is the idempotency guard for duplicate settlement
	// attempts; the second attempt is a rejected no-op.
	AlreadySettled Kind = "already_settled"
	// FatalComputation marks an internal inconsistency during multi-day
	// accrual; the whole company range is aborted with no partial persistence.
	FatalComputation Kind = "fatal_computation"
)

// Fault is an error with a Kind.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Msg + ": " + f.Err.Error()
	}
	return f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a fault of the given kind.
func New(kind Kind, msg string) error {
	return &Fault{Kind: kind, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is (or wraps) a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// KindOf returns the fault kind of err, or FatalComputation for unclassified
// errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FatalComputation
}
