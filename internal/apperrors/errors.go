// Package apperrors provides the typed error taxonomy used across the
// service. Adapters translate infrastructure failures to these kinds at the
// adapter boundary; only the transport layer maps kinds to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the semantic error category.
type Kind string

const (
	// KindValidation covers malformed requests and out-of-range parameters.
	KindValidation Kind = "validation"
	// KindNotFound covers references to absent entities.
	KindNotFound Kind = "not_found"
	// KindStorage covers relational store failures.
	KindStorage Kind = "storage"
	// KindEmbedding covers embedding provider failures.
	KindEmbedding Kind = "embedding"
	// KindEmbeddingDimension covers dimension mismatches between the provider
	// and the configured storage dimension.
	KindEmbeddingDimension Kind = "embedding_dimension"
	// KindLLM covers LLM provider failures.
	KindLLM Kind = "llm"
	// KindCache covers cache failures. These never surface to callers; they
	// are logged and treated as misses.
	KindCache Kind = "cache"
	// KindInternal covers programmer errors and invariant violations.
	KindInternal Kind = "internal"
)

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Transient marks storage errors that are worth retrying (surfaced as
	// 503 instead of 500).
	Transient bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind. A nil cause yields
// a plain error of that kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation is shorthand for a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFound is shorthand for a not-found error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Storage wraps a store failure. transient controls the retry hint.
func Storage(message string, cause error, transient bool) *Error {
	return &Error{Kind: KindStorage, Message: message, Cause: cause, Transient: transient}
}

// Internal wraps a programmer error or invariant violation.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// KindOf extracts the kind of an error, defaulting to KindInternal for
// errors that did not pass through an adapter boundary.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to its HTTP status code. This is the single place
// where kinds become status codes; callers outside the transport layer must
// not depend on it.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		if ae.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case KindEmbedding, KindEmbeddingDimension, KindLLM:
		return http.StatusServiceUnavailable
	case KindInternal, KindCache:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
