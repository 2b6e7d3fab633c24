// Package apperrors defines the stable error taxonomy shared by every
// adapter, the storage facade, the outbox dispatcher, the delivery
// consumer and the authorization middleware (spec section 7).
package apperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable, wire-safe error code.
type Kind string

const (
	NotFound            Kind = "NOT_FOUND"
	Conflict            Kind = "CONFLICT"
	Unauthorized        Kind = "UNAUTHORIZED"
	Forbidden           Kind = "FORBIDDEN"
	QuotaExceeded       Kind = "QUOTA_EXCEEDED"
	ValidationFailed    Kind = "VALIDATION_FAILED"
	PreconditionFailed  Kind = "PRECONDITION_FAILED"
	ConsistencyError    Kind = "CONSISTENCY_ERROR"
	ChecksumMismatch    Kind = "CHECKSUM_MISMATCH"
	EncryptionError     Kind = "ENCRYPTION_ERROR"
	TransientAdapter    Kind = "TRANSIENT_ADAPTER_ERROR"
	PermanentAdapter    Kind = "PERMANENT_ADAPTER_ERROR"
	Timeout             Kind = "TIMEOUT"
	CircuitOpen         Kind = "TRANSIENT_ADAPTER_ERROR" // breaker-open shares the transient wire code
	Unknown             Kind = "UNKNOWN"
)

// Error is the typed error carried across every package boundary in this
// module. It is deliberately small: a stable Kind, a human message, an
// optional cause, and optional structured metadata for logging.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and context message to an existing error, in the
// teacher's errors.WithMessage idiom.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: errors.WithMessage(cause, message)}
}

// WithMetadata returns a copy of e with metadata merged in.
func (e *Error) WithMetadata(kv map[string]interface{}) *Error {
	out := *e
	out.Metadata = make(map[string]interface{}, len(e.Metadata)+len(kv))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range kv {
		out.Metadata[k] = v
	}
	return &out
}

// KindOf extracts the Kind of err, or Unknown if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err is a transient-class error by the policy
// in spec section 7: TRANSIENT_ADAPTER_ERROR and TIMEOUT are retryable by
// default; everything else short-circuits retries.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientAdapter, Timeout:
		return true
	default:
		return false
	}
}
