// Package errs defines the error taxonomy shared by every layer of caseflow.
//
// Each error carries a stable Kind and a human-readable message. Sentinel
// values (ErrNotFound, ErrLeaseExpired, ...) match any error of the same kind
// through errors.Is, so callers never compare strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindLeaseNotHeld        Kind = "lease_not_held"
	KindLeaseTokenMismatch  Kind = "lease_token_mismatch"
	KindLeaseExpired        Kind = "lease_expired"
	KindInvalidCursor       Kind = "invalid_cursor"
	KindInternal            Kind = "internal_failure"
)

// Error is the concrete error type returned by the coordination core.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrIdempotencyConflict = &Error{Kind: KindIdempotencyConflict}
	ErrLeaseNotHeld        = &Error{Kind: KindLeaseNotHeld}
	ErrLeaseTokenMismatch  = &Error{Kind: KindLeaseTokenMismatch}
	ErrLeaseExpired        = &Error{Kind: KindLeaseExpired}
	ErrInvalidCursor       = &Error{Kind: KindInvalidCursor}
	ErrInternal            = &Error{Kind: KindInternal}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

func IdempotencyConflict(format string, args ...any) error {
	return newf(KindIdempotencyConflict, format, args...)
}

// IdempotencyInProgress is a conflict raised while an identical request is
// still executing. Unlike a fingerprint mismatch it is safe to retry.
func IdempotencyInProgress(key string) error {
	e := newf(KindIdempotencyConflict, "request with idempotency key %q is still in progress", key)
	e.retryable = true
	return e
}

func LeaseNotHeld(format string, args ...any) error {
	return newf(KindLeaseNotHeld, format, args...)
}

func LeaseTokenMismatch(format string, args ...any) error {
	return newf(KindLeaseTokenMismatch, format, args...)
}

func LeaseExpired(format string, args ...any) error {
	return newf(KindLeaseExpired, format, args...)
}

func InvalidCursor(format string, args ...any) error {
	return newf(KindInvalidCursor, format, args...)
}

// Internal wraps a storage or unexpected fault.
func Internal(err error, format string, args ...any) error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a client may retry err with backoff.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Kind == KindInternal || e.retryable
}

// Message returns the human-readable detail of err without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
