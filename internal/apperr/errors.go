// Package apperr defines the error taxonomy shared by every core
// operation. Callers branch on Kind; transports map kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the recovery categories.
type Kind int

const (
	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = iota
	// KindValidation marks missing or malformed input. Never retried.
	KindValidation
	// KindNotFound marks a missing namespace, entity, or message.
	KindNotFound
	// KindConflict marks duplicate names or illegal state transitions.
	KindConflict
	// KindDecryptFailed marks a credential payload that cannot be opened.
	KindDecryptFailed
	// KindRateLimited marks a rule whose hourly replay budget is exhausted.
	KindRateLimited
	// KindTransient marks a retryable broker failure (busy, timeout).
	KindTransient
	// KindExternalService marks a non-transient broker failure.
	KindExternalService
	// KindServiceUnavailable marks an operation on a disposed client wrapper.
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationFailed"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindDecryptFailed:
		return "DecryptFailed"
	case KindRateLimited:
		return "RateLimited"
	case KindTransient:
		return "Transient"
	case KindExternalService:
		return "ExternalService"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	default:
		return "Internal"
	}
}

// Error carries a kind, the operation that produced it, a safe message,
// and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two *Errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with an additional formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable reports whether the error is worth retrying at the broker
// boundary. Only transient failures qualify.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}
