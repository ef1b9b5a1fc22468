package model

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can act on.
type ErrorCode string

const (
	// Request errors
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Container runtime errors
	CodeServiceNotFound     ErrorCode = "SERVICE_NOT_FOUND"
	CodeContainerNotRunning ErrorCode = "CONTAINER_NOT_RUNNING"
	CodeDaemonUnavailable   ErrorCode = "DAEMON_UNAVAILABLE"
	CodeStreamClosed        ErrorCode = "STREAM_CLOSED"
	CodeUpstream            ErrorCode = "UPSTREAM_ERROR"

	// Task errors
	CodeSecondaryHandleFailed ErrorCode = "SECONDARY_HANDLE_FAILED"

	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error carrying a code, the offending identifiers and
// whether retrying may succeed.
type Error struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Transient bool                   `json:"transient"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a string detail, or "" if it is not set.
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	s, _ := e.Details[key].(string)
	return s
}

// NewError creates a new Error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: code == CodeDaemonUnavailable || code == CodeUpstream,
	}
}

// WrapError wraps an existing error with a code
func WrapError(err error, code ErrorCode, message string) *Error {
	e := NewError(code, message)
	e.Cause = err
	return e
}

// AsError extracts the structured error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the error code from an error. Unstructured errors are internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsCode checks if an error carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ValidationError creates a validation error
func ValidationError(format string, args ...interface{}) *Error {
	return NewError(CodeValidation, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error for the given kind of object
func NotFound(kind, id string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("%s '%s' not found", kind, id)).
		WithDetail(kind+"_id", id)
}

// Conflict creates the error returned when an app already has an active task.
func Conflict(appName, existingTaskID string) *Error {
	return NewError(CodeConflict,
		fmt.Sprintf("app '%s' already has an active task %s", appName, existingTaskID)).
		WithDetail("app_name", appName).
		WithDetail("task_id", existingTaskID)
}

// Forbidden creates an authorization denial
func Forbidden(userID, appName string, capability Capability) *Error {
	return NewError(CodeForbidden,
		fmt.Sprintf("user '%s' lacks '%s' capability on app '%s'", userID, capability, appName)).
		WithDetail("app_name", appName).
		WithDetail("capability", string(capability))
}

// ResourceExhausted creates a limit error
func ResourceExhausted(format string, args ...interface{}) *Error {
	return NewError(CodeResourceExhausted, fmt.Sprintf(format, args...))
}

// ServiceNotFound creates a service not found error
func ServiceNotFound(appName, service string) *Error {
	return NewError(CodeServiceNotFound, fmt.Sprintf("service '%s' not found in app '%s'", service, appName)).
		WithDetail("app_name", appName).
		WithDetail("service_name", service)
}

// ContainerNotRunning creates an error for a resolved but stopped container
func ContainerNotRunning(appName, service string) *Error {
	return NewError(CodeContainerNotRunning, fmt.Sprintf("container for '%s/%s' is not running", appName, service)).
		WithDetail("app_name", appName).
		WithDetail("service_name", service)
}

// DaemonUnavailable wraps a failure to reach the container runtime
func DaemonUnavailable(err error) *Error {
	return WrapError(err, CodeDaemonUnavailable, "container runtime unavailable")
}

// ExistingTaskID returns the id of the task that caused a Conflict error.
func ExistingTaskID(err error) (string, bool) {
	e, ok := AsError(err)
	if !ok || e.Code != CodeConflict {
		return "", false
	}
	id := e.Detail("task_id")
	return id, id != ""
}
