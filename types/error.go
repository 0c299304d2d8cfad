package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Tool error codes
const (
	ErrAuthorization ErrorCode = "AUTHORIZATION"
	ErrToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecution ErrorCode = "TOOL_EXECUTION"
)

// Scheduling error codes
const (
	ErrDependencyDeadlock ErrorCode = "DEPENDENCY_DEADLOCK"
	ErrPlanValidation     ErrorCode = "PLAN_VALIDATION"
)

// Workflow error codes
const (
	ErrWorkflowValidation ErrorCode = "WORKFLOW_VALIDATION"
	ErrStageExecution     ErrorCode = "STAGE_EXECUTION"
)

// Approval error codes
const (
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable or not.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
