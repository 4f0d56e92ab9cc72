// Package errors provides the typed error vocabulary shared by every runtime
// component. Errors carry a Type for classification, a Code for programmatic
// handling and an optional Cause that stays reachable through errors.Is/As.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// ERROR TYPES AND CLASSIFICATION
// ============================================================================

// ErrorType defines the category of error for proper handling and response.
type ErrorType string

const (
	ErrorTypeConfiguration      ErrorType = "CONFIGURATION"
	ErrorTypeValidation         ErrorType = "VALIDATION"
	ErrorTypeNotFound           ErrorType = "NOT_FOUND"
	ErrorTypeCircularDependency ErrorType = "CIRCULAR_DEPENDENCY"
	ErrorTypeRateLimit          ErrorType = "RATE_LIMIT"

	// Infrastructure errors
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	ErrorTypeTransient   ErrorType = "TRANSIENT"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeJobFailed   ErrorType = "JOB_FAILED"
	ErrorTypeInternal    ErrorType = "INTERNAL"
)

// Sentinels for errors.Is. A sentinel matches any UnifiedError of the same Type.
var (
	ErrConfiguration      = &UnifiedError{Type: ErrorTypeConfiguration}
	ErrValidation         = &UnifiedError{Type: ErrorTypeValidation}
	ErrNotFound           = &UnifiedError{Type: ErrorTypeNotFound}
	ErrCircularDependency = &UnifiedError{Type: ErrorTypeCircularDependency}
	ErrRateLimited        = &UnifiedError{Type: ErrorTypeRateLimit}
	ErrServiceUnavailable = &UnifiedError{Type: ErrorTypeUnavailable}
	ErrTransientInfra     = &UnifiedError{Type: ErrorTypeTransient}
	ErrTimeout            = &UnifiedError{Type: ErrorTypeTimeout}
	ErrJobFailed          = &UnifiedError{Type: ErrorTypeJobFailed}
)

// ============================================================================
// UNIFIED ERROR STRUCTURE
// ============================================================================

// UnifiedError is the single error type used across the runtime.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`

	// Path is the resolution chain for circular dependency errors.
	Path []string `json:"path,omitempty"`

	Retryable bool  `json:"retryable"`
	Cause     error `json:"-"`
}

// Error implements the error interface.
func (e *UnifiedError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message))
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a sentinel of the same type, or an error with
// the same type and code.
func (e *UnifiedError) Is(target error) bool {
	t, ok := target.(*UnifiedError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// ============================================================================
// ERROR BUILDER FOR FLUENT CONSTRUCTION
// ============================================================================

// ErrorBuilder provides a fluent interface for constructing UnifiedError instances.
type ErrorBuilder struct {
	error *UnifiedError
}

// NewError creates a new error builder with the specified type and message.
func NewError(errType ErrorType, code ErrorCode, message string) *ErrorBuilder {
	return &ErrorBuilder{
		error: &UnifiedError{
			Type:    errType,
			Code:    code,
			Message: message,
		},
	}
}

// WithDetails adds additional details to the error.
func (b *ErrorBuilder) WithDetails(format string, args ...any) *ErrorBuilder {
	b.error.Details = fmt.Sprintf(format, args...)
	return b
}

// WithOperation specifies the operation that failed.
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.error.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.error.Resource = resource
	return b
}

// WithRetryable marks the error as retryable.
func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.error.Retryable = retryable
	return b
}

// WithCause adds the underlying cause error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.error.Cause = cause
	return b
}

// Build returns the constructed UnifiedError.
func (b *ErrorBuilder) Build() *UnifiedError {
	return b.error
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Configuration creates an error for invalid registrations or settings.
func Configuration(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeConfiguration, code, message)
}

// Validation creates a validation error.
func Validation(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message)
}

// NotFound creates a not found error.
func NotFound(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message)
}

// CircularDependency reports a resolution cycle. path lists the tokens from
// the first occurrence of the repeated token to its second occurrence.
func CircularDependency(path []string) *UnifiedError {
	e := NewError(ErrorTypeCircularDependency, CodeDependencyCycle, "circular dependency detected").
		WithDetails("%s", strings.Join(path, " -> ")).
		Build()
	e.Path = append([]string(nil), path...)
	return e
}

// ServiceUnavailable reports a resource whose circuit is open.
func ServiceUnavailable(resource string) *UnifiedError {
	return NewError(ErrorTypeUnavailable, CodeCircuitOpen, "service unavailable").
		WithResource(resource).
		WithRetryable(true).
		Build()
}

// TransientInfra wraps a recoverable infrastructure failure.
func TransientInfra(code ErrorCode, message string, cause error) *UnifiedError {
	return NewError(ErrorTypeTransient, code, message).
		WithCause(cause).
		WithRetryable(true).
		Build()
}

// Timeout creates a timeout error.
func Timeout(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message).WithRetryable(true)
}

// JobTimeout reports a job that did not reach a terminal state in time.
func JobTimeout(queue, jobID string) *UnifiedError {
	return Timeout(CodeJobTimeout, "timed out waiting for job").
		WithResource(queue).
		WithDetails("job %s", jobID).
		Build()
}

// JobFailed reports a job that reached the failed state.
func JobFailed(queue, jobID, reason string) *UnifiedError {
	return NewError(ErrorTypeJobFailed, CodeJobFailed, "job failed").
		WithResource(queue).
		WithDetails("job %s: %s", jobID, reason).
		Build()
}

// Internal creates an internal error.
func Internal(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message)
}

// ============================================================================
// ERROR CLASSIFICATION AND CHECKING
// ============================================================================

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Type == errType
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Retryable
	}
	return false
}

// As is re-exported so callers importing this package under the name errors
// keep access to the standard helpers.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is re-exported for the same reason as As.
func Is(err, target error) bool { return errors.Is(err, target) }

// New is re-exported for the same reason as As.
func New(text string) error { return errors.New(text) }
