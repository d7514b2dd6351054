// Package errs implements the closed error-kind taxonomy every component in
// the coordinator reports through: validation and policy errors return
// synchronously to the caller, protocol/timeout/transient errors mutate
// state within the owning task and are reported as events, never thrown
// across a task boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories. New kinds are never added
// at call sites — only here.
type Kind string

const (
	InputValidation Kind = "InputValidation"
	PolicyRejection Kind = "PolicyRejection"
	InsufficientFunds Kind = "InsufficientFunds"
	DoubleSpend     Kind = "DoubleSpend"
	ProtocolViolation Kind = "ProtocolViolation"
	Timeout         Kind = "Timeout"
	Transient       Kind = "Transient"
	Fatal           Kind = "Fatal"
)

// Error wraps a Kind with a message and an optional underlying cause so
// %w unwrapping keeps working through the usual errors.Is/As machinery.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "MixRequestEngine.Create"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

func Wrap(op string, kind Kind, msg string, err error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a Kind is eligible for the bounded
// exponential-backoff retry budget (spec.md §7: Transient only; everything
// else either surfaces synchronously or is already terminal).
func Retryable(kind Kind) bool {
	return kind == Transient
}
