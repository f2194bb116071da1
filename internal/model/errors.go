package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine failure. Every error surfaced by the engine is an
// *Error carrying one of these kinds so callers can branch without inspecting
// storage internals.
type Kind string

const (
	KindNotFound             Kind = "not-found"
	KindVersionConflict      Kind = "version-conflict"
	KindValidation           Kind = "validation"
	KindReferenceIntegrity   Kind = "reference-integrity"
	KindConflict             Kind = "conflict"
	KindMalformedQuery       Kind = "malformed-query"
	KindTransactionAborted   Kind = "transaction-aborted"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal"
)

// Error is the structured error type of the engine: a kind, a message, and the
// offending field or parameter when one exists.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending content path or search parameter, if any.
	Field string
	// Entry is the zero-based index of the failing entry for
	// transaction-aborted errors, -1 otherwise.
	Entry int
	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the kind of err, or KindInternal when err is not an engine
// error. Context cancellation and deadline errors map to KindTimeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFoundErr(resourceType, id string) *Error {
	return &Error{Kind: KindNotFound, Message: resourceType + "/" + id + " not found", Entry: -1}
}

func VersionConflictErr(resourceType, id string, expected, actual int) *Error {
	return &Error{
		Kind:    KindVersionConflict,
		Message: fmt.Sprintf("%s/%s: expected version %d but resource is at version %d", resourceType, id, expected, actual),
		Entry:   -1,
	}
}

func ValidationErr(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field, Entry: -1}
}

func ReferenceIntegrityErr(field, message string) *Error {
	return &Error{Kind: KindReferenceIntegrity, Message: message, Field: field, Entry: -1}
}

func ConflictErr(message string) *Error {
	return &Error{Kind: KindConflict, Message: message, Entry: -1}
}

func MalformedQueryErr(param, message string) *Error {
	return &Error{Kind: KindMalformedQuery, Message: message, Field: param, Entry: -1}
}

// TransactionAbortedErr wraps the failing entry's own error together with its
// submission-order index.
func TransactionAbortedErr(entry int, cause error) *Error {
	return &Error{
		Kind:    KindTransactionAborted,
		Message: fmt.Sprintf("transaction aborted at entry %d: %v", entry, cause),
		Entry:   entry,
		Cause:   cause,
	}
}

func TimeoutErr(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Entry: -1}
}

func InternalErr(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Entry: -1, Cause: cause}
}

// CtxErr converts a context error into a typed Timeout error. It returns nil
// when the context is still live.
func CtxErr(ctx context.Context) *Error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTimeout, Message: err.Error(), Entry: -1, Cause: err}
	}
	return nil
}
