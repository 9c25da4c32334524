// Package schederr provides the scheduler's error taxonomy: Validation,
// Capacity, Transient, Permanent, and InvariantViolation. Every error the
// scheduler surfaces across a component boundary is one of these five kinds,
// so callers can branch on Kind() rather than string-matching messages.
package schederr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for retry/surface/log decisions. See SPEC_FULL.md
// §7 for the full propagation rules per kind.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindCapacity           Kind = "CAPACITY"
	KindTransient          Kind = "TRANSIENT"
	KindPermanent          Kind = "PERMANENT"
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"
)

// Error is the scheduler's single error type. Callers branch on Kind, not on
// Message, which is for humans.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a caller-fixable error: unknown resource slot, bad
// image, policy violation. Surfaced immediately; never enqueued.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Capacity builds an insufficient-resources error (keypair/group/domain
// quota or agent capacity). Not a user error — observable as queue state.
func Capacity(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCapacity, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a network blip, RPC timeout, or CAS-stale condition that
// the caller should retry internally with bounded attempts and backoff.
func Transient(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

// Permanent builds a non-retriable dispatch failure: image missing,
// bootstrap script failure, incompatible architecture. Drives a transition
// to ERROR.
func Permanent(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermanent, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvariantViolation builds an accounting-drift/orphan-kernel/illegal-edge
// error. Callers must log at fatal level and trigger reconciliation; never
// swallow silently.
func InvariantViolation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches message context to err, preserving its Kind if it is already
// a *Error, otherwise treating it as Transient (the conservative default for
// an error of unknown origin crossing a component boundary).
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return &Error{Kind: se.Kind, Message: fmt.Sprintf("%s: %s", message, se.Message), Err: err}
	}
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

func is(err error, k Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}

func IsValidation(err error) bool         { return is(err, KindValidation) }
func IsCapacity(err error) bool           { return is(err, KindCapacity) }
func IsTransient(err error) bool          { return is(err, KindTransient) }
func IsPermanent(err error) bool          { return is(err, KindPermanent) }
func IsInvariantViolation(err error) bool { return is(err, KindInvariantViolation) }

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
