// Package errors provides structured error types for the stream delivery and
// projection paths. All errors include a category, code, message, and
// retryable flag for consistent handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryUsage    ErrorCategory = "USAGE"
	ErrCategoryType     ErrorCategory = "TYPE"
	ErrCategoryFraming  ErrorCategory = "FRAMING"
	ErrCategoryDelivery ErrorCategory = "DELIVERY"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Usage codes
	CodeNotContinuousContext = "NOT_CONTINUOUS_CONTEXT"
	CodeInvalidRow           = "INVALID_ROW"

	// Type codes
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodeValueOutOfRange  = "VALUE_OUT_OF_RANGE"
	CodeInvalidText      = "INVALID_TEXT"
	CodeUnsupportedValue = "UNSUPPORTED_VALUE"

	// Framing codes
	CodeCorruptMessage    = "CORRUPT_MESSAGE"
	CodeUnknownRecordType = "UNKNOWN_RECORD_TYPE"

	// Delivery codes
	CodeQueueClosed = "QUEUE_CLOSED"
	CodeAckTimeout  = "ACK_TIMEOUT"
	CodeNoReaders   = "NO_READERS"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StreamError is the structured error type used throughout the system.
type StreamError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Hint      string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StreamError) Is(target error) bool {
	var t *StreamError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StreamError.
func New(category ErrorCategory, code, message string) *StreamError {
	return &StreamError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StreamError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StreamError {
	return &StreamError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StreamError) WithDetails(details map[string]interface{}) *StreamError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithHint returns a copy of the error carrying a user-facing hint.
func (e *StreamError) WithHint(hint string) *StreamError {
	cp := *e
	cp.Hint = hint
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StreamError.
func GetCategory(err error) ErrorCategory {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StreamError.
func GetCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Coercion failures are
// never retried: a retry cannot change type compatibility.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDelivery && code == CodeAckTimeout:
		return true
	case category == ErrCategoryDelivery && code == CodeQueueClosed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewUsageError(code, message string) *StreamError {
	return New(ErrCategoryUsage, code, message)
}

func NewTypeError(code, message string, cause error) *StreamError {
	return Wrap(ErrCategoryType, code, message, cause)
}

func NewFramingError(code, message string, cause error) *StreamError {
	return Wrap(ErrCategoryFraming, code, message, cause)
}

func NewDeliveryError(code, message string, cause error) *StreamError {
	return Wrap(ErrCategoryDelivery, code, message, cause)
}

func NewConfigError(message string) *StreamError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *StreamError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
