// Package errs implements the coordinator's tagged error taxonomy.
//
// Every failure that crosses a component boundary is represented as an
// *Error carrying a Kind, never as a bare string or a type assertion on
// an opaque error value. Adapters, the cache, the security gate, and the
// saga coordinator all construct their failures through the New/Wrap
// helpers below so that callers can switch on Kind instead of matching
// error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind distinguishes error taxonomy members by tag, not by message text.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindRateLimited     Kind = "rate_limited"
	KindNotFound        Kind = "not_found"
	KindVersionConflict Kind = "version_conflict"
	KindValidationError Kind = "validation_failed"
	KindBusy            Kind = "busy"
	KindTransient       Kind = "transient"
	KindPermanent       Kind = "permanent"
	KindPartialResult   Kind = "partial_result"
	KindOrphaned        Kind = "orphaned"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindInternal        Kind = "internal"
)

// Error is the single concrete error type used across the coordinator.
// Backend is empty unless the error originated inside a BackendAdapter.
type Error struct {
	Kind          Kind
	Backend       string
	Message       string
	Cause         error
	CorrelationID string
	RetryAfterSec int
	SagaID        string
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Backend, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(KindNotFound, "")) style matching on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged error around an underlying cause, matching the
// corpus's convention of wrapping driver errors with %w while still
// exposing a stable Kind for control flow.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithBackend attaches the originating backend name, used by adapters.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// WithCorrelationID attaches an operator-facing correlation id, required
// on Internal errors by the taxonomy.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithRetryAfter attaches a retry-after hint, used by RateLimited.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterSec = seconds
	return e
}

// WithSagaID attaches the saga that orphaned or failed, for operator logs.
func (e *Error) WithSagaID(id string) *Error {
	e.SagaID = id
	return e
}

// KindOf extracts the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// IsRetryable reports whether the propagation policy in §7 allows a
// caller-side retry loop to re-attempt the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsTerminalForSaga reports whether err should end forward progress and
// enter compensation immediately rather than being retried.
func IsTerminalForSaga(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindDeadlineExceeded, KindValidationError:
		return true
	default:
		return false
	}
}
