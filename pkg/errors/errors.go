// Package errors provides structured error types for instctl.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeLocked     ErrorCode = "STATE_LOCKED"
	ErrCodeBackend    ErrorCode = "BACKEND_ERROR"
	ErrCodeParse      ErrorCode = "PARSE_ERROR"
	ErrCodeSecret     ErrorCode = "SECRET_ERROR"

	// Pre-flight failures. The target is aborted, the run continues.
	ErrCodeVersionUnknown     ErrorCode = "VERSION_UNKNOWN"
	ErrCodeFeatureUnsupported ErrorCode = "FEATURE_UNSUPPORTED"
	ErrCodeMediaNotFound      ErrorCode = "MEDIA_NOT_FOUND"
	ErrCodeMediaNoMatch       ErrorCode = "MEDIA_NO_MATCH"
	ErrCodeProtocolDeclined   ErrorCode = "PROTOCOL_DECLINED"
	ErrCodePendingReboot      ErrorCode = "PENDING_REBOOT"
	ErrCodeConfig             ErrorCode = "CONFIG_ERROR"

	// Execution and infrastructure failures.
	ErrCodeExecution    ErrorCode = "EXECUTION_FAILED"
	ErrCodeUnreachable  ErrorCode = "UNREACHABLE"
	ErrCodeRebootFailed ErrorCode = "REBOOT_FAILED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the base error type for instctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// LockInfo contains metadata about a lock
type LockInfo struct {
	ID        string
	Path      string
	Who       string
	Operation string
	Created   time.Time
}

// StateLocked creates a state locked error
func StateLocked(lockInfo LockInfo) *Error {
	return &Error{
		Code:    ErrCodeLocked,
		Message: fmt.Sprintf("%s is locked by %s", lockInfo.Path, lockInfo.Who),
		Details: map[string]interface{}{
			"lock_id":   lockInfo.ID,
			"locked_by": lockInfo.Who,
			"operation": lockInfo.Operation,
			"created":   lockInfo.Created,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// FeatureUnsupported reports a feature that does not apply to a version.
func FeatureUnsupported(feature, version string) *Error {
	return &Error{
		Code:    ErrCodeFeatureUnsupported,
		Message: fmt.Sprintf("feature %s is not supported on SQL Server %s", feature, version),
		Details: map[string]interface{}{
			"feature": feature,
			"version": version,
		},
	}
}

// Unreachable reports a host that could not be contacted at all.
func Unreachable(host string, err error) *Error {
	return &Error{
		Code:    ErrCodeUnreachable,
		Message: fmt.Sprintf("cannot reach %s", host),
		Cause:   err,
		Details: map[string]interface{}{
			"host": host,
		},
	}
}

// Is checks if the error, or any error it wraps, matches the given code
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As is the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
