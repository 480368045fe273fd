// Package apierr defines the structured errors surfaced by the control
// plane. Every error carries a kind from the wire taxonomy so transports
// can map it to a status code and a uniform failure body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// Error is a structured error with a wire kind.
type Error struct {
	Kind      string
	Message   string
	Status    int // optional explicit HTTP status, 0 derives from Kind
	BlockedBy []string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithStatus overrides the HTTP status derived from the kind.
func (e *Error) WithStatus(code int) *Error {
	e.Status = code
	return e
}

// WithBlockedBy attaches the blocking issue ids to a conflict.
func (e *Error) WithBlockedBy(ids ...string) *Error {
	e.BlockedBy = append(e.BlockedBy, ids...)
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates an error with an explicit kind.
func New(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a bad-input error.
func Validation(format string, args ...interface{}) *Error {
	return New(v1.ErrValidation, format, args...)
}

// NotFound creates a missing-resource error.
func NotFound(resource, id string) *Error {
	return New(v1.ErrNotFound, "%s not found: %s", resource, id)
}

// MissingDependency creates an error for a tool that is not discoverable.
func MissingDependency(format string, args ...interface{}) *Error {
	return New(v1.ErrMissingDependency, format, args...)
}

// Conflict creates a review-gate or merge-queue conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return New(v1.ErrConflict, format, args...)
}

// SpawnFailed creates a process spawn error.
func SpawnFailed(message string, cause error) *Error {
	return &Error{Kind: v1.ErrSpawnFailed, Message: message, Cause: cause}
}

// Timeout creates a process timeout error.
func Timeout(format string, args ...interface{}) *Error {
	return New(v1.ErrTimeout, format, args...)
}

// Crashed creates an unexpected process exit error.
func Crashed(format string, args ...interface{}) *Error {
	return New(v1.ErrCrashed, format, args...)
}

// GitFailure wraps a git subprocess failure during sync or cascade.
func GitFailure(op string, cause error) *Error {
	return &Error{Kind: v1.ErrGitFailure, Message: op, Cause: cause}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{Kind: v1.ErrInternal, Message: "internal error", Cause: cause}
}

// From extracts a structured error, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the wire kind of an error.
func KindOf(err error) string {
	return From(err).Kind
}

// HTTPStatus maps an error to a status code.
func HTTPStatus(err error) int {
	e := From(err)
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case v1.ErrValidation:
		return http.StatusBadRequest
	case v1.ErrNotFound:
		return http.StatusNotFound
	case v1.ErrMissingDependency:
		return http.StatusFailedDependency
	case v1.ErrConflict:
		return http.StatusConflict
	case v1.ErrTimeout:
		return http.StatusGatewayTimeout
	case v1.ErrSpawnFailed, v1.ErrCrashed, v1.ErrGitFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse builds the uniform failure body for an error.
func ToResponse(err error) v1.ErrorResponse {
	e := From(err)
	resp := v1.NewErrorResponse(e.Kind, e.Message)
	if e.Cause != nil {
		resp.Message = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	resp.BlockedBy = e.BlockedBy
	return resp
}
