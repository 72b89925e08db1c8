package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error once, at the source. Everything
// downstream dispatches on the kind instead of re-parsing messages.
type ErrorKind string

const (
	ErrValidation        ErrorKind = "validation"
	ErrNotFound          ErrorKind = "not_found"
	ErrConflict          ErrorKind = "conflict"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrUpstreamTransient ErrorKind = "upstream_transient"
	ErrUpstreamPermanent ErrorKind = "upstream_permanent"
	ErrUpstreamAuth      ErrorKind = "upstream_auth"
	ErrStoreUnavailable  ErrorKind = "store_unavailable"
	ErrQueueUnavailable  ErrorKind = "queue_unavailable"
	ErrCancelled         ErrorKind = "cancelled"
	ErrTimeout           ErrorKind = "timeout"
	ErrInternal          ErrorKind = "internal"
)

// Error carries a kind alongside the message and optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error

	// RetryAfterSec is the upstream-indicated cool-off for rate-limited
	// errors; zero means none was given.
	RetryAfterSec int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report ErrInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
