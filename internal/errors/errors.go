// Package errors provides structured error types for the actionlog pipeline.
// Every error carries a category and a code so stage failures can be mapped
// consistently to log fields and process exit codes.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure class.
type ErrorCategory string

const (
	ErrCategoryConfig         ErrorCategory = "CONFIG"
	ErrCategoryNotFound       ErrorCategory = "NOT_FOUND"
	ErrCategoryMalformedInput ErrorCategory = "MALFORMED_INPUT"
	ErrCategoryConnectivity   ErrorCategory = "CONNECTIVITY"
	ErrCategoryDataQuality    ErrorCategory = "DATA_QUALITY"
	ErrCategoryInternal       ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeMissingSetting = "MISSING_SETTING"
	CodeInvalidSetting = "INVALID_SETTING"

	// Not-found codes
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeFileNotFound   = "FILE_NOT_FOUND"

	// Malformed input codes
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidTimestamp = "INVALID_TIMESTAMP"

	// Connectivity codes
	CodeObjectStoreUnavailable = "OBJECT_STORE_UNAVAILABLE"
	CodeDatabaseUnavailable    = "DATABASE_UNAVAILABLE"
	CodeLockUnavailable        = "LOCK_UNAVAILABLE"
	CodeLockHeld               = "LOCK_HELD"

	// Data quality codes
	CodeRowsDropped = "ROWS_DROPPED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the pipeline.
type PipelineError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsNotFound reports whether err is classified as NOT_FOUND.
func IsNotFound(err error) bool {
	return GetCategory(err) == ErrCategoryNotFound
}

// IsConfig reports whether err is classified as CONFIG.
func IsConfig(err error) bool {
	return GetCategory(err) == ErrCategoryConfig
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *PipelineError {
	return New(ErrCategoryConfig, code, message)
}

func NewNotFoundError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryNotFound, code, message, cause)
}

func NewMalformedInputError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryMalformedInput, code, message, cause)
}

func NewConnectivityError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryConnectivity, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
