// Package apierr is the single error hierarchy for the gateway. Every error
// that crosses a component boundary is (or wraps) an *Error carrying a kind,
// a stable machine code, a human message, and optional structured details.
// The HTTP layer maps kinds to status codes and picks the wire format by
// route namespace (native vs OpenAI-compatible).
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and retry decisions.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
	KindRateLimited     Kind = "rate_limited"
	KindTimeout         Kind = "timeout"
	KindToolUnavailable Kind = "tool_unavailable"
	KindUpstream        Kind = "upstream"
	KindInternal        Kind = "internal"
)

// Error is the gateway error type.
type Error struct {
	Kind    Kind           `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one structured detail field and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindToolUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ── Convenience constructors ────────────────────────────────

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func ValidationField(code, message, fieldPath string) *Error {
	return New(KindValidation, code, message).WithDetail("field", fieldPath)
}

func Authentication(message string) *Error {
	return New(KindAuthentication, "authentication_failed", message)
}

func NotFound(entity, key string) *Error {
	return Newf(KindNotFound, entity+"_not_found", "%s not found: %s", entity, key)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

func InvalidState(code, message string) *Error {
	return New(KindInvalidState, code, message)
}

func Timeout(code, message string) *Error {
	return New(KindTimeout, code, message)
}

func Upstream(code, message string) *Error {
	return New(KindUpstream, code, message)
}

func Internal(err error) *Error {
	return New(KindInternal, "internal_error", "internal error").WithCause(err)
}

// ── Inspection helpers ──────────────────────────────────────

// From extracts an *Error from err, wrapping unknown errors as internal so
// handlers always have a status and a stable code.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound is shorthand for IsKind(err, KindNotFound).
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
