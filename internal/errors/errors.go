// Package errors provides structured error types for the cartograph pipeline.
// All errors include a category, code, message, and retryable flag so each
// component can decide locally whether to retry, skip, or fail.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryStream     ErrorCategory = "STREAM"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryGraph      ErrorCategory = "GRAPH"
	ErrCategoryCheckpoint ErrorCategory = "CHECKPOINT"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Stream codes
	CodeTransientStream = "TRANSIENT_STREAM_ERROR"
	CodeStreamClosed    = "STREAM_CLOSED"

	// Schema codes
	CodeSchemaViolation = "SCHEMA_VIOLATION"

	// Graph codes
	CodeTransientStore    = "TRANSIENT_STORE_ERROR"
	CodeBatchApplyFailure = "BATCH_APPLY_FAILURE"
	CodeRecordRejected    = "RECORD_REJECTED"

	// Checkpoint codes
	CodeCheckpointUnavailable = "CHECKPOINT_STORE_UNAVAILABLE"
	CodeCheckpointRegression  = "CHECKPOINT_REGRESSION"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the pipeline.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
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
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
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

// HasCode reports whether any PipelineError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// isRetryable determines if an error code is retried locally by the component
// that observed it.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStream && code == CodeTransientStream:
		return true
	case category == ErrCategoryGraph && code == CodeTransientStore:
		return true
	case category == ErrCategoryCheckpoint && code == CodeCheckpointUnavailable:
		return true
	default:
		return false
	}
}

// Convenience constructors for the pipeline taxonomy.

func NewTransientStreamError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStream, CodeTransientStream, message, cause)
}

func NewSchemaViolation(message string, cause error) *PipelineError {
	return Wrap(ErrCategorySchema, CodeSchemaViolation, message, cause)
}

func NewTransientStoreError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryGraph, CodeTransientStore, message, cause)
}

func NewBatchApplyFailure(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryGraph, CodeBatchApplyFailure, message, cause)
}

func NewCheckpointUnavailable(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryCheckpoint, CodeCheckpointUnavailable, message, cause)
}

func NewConfigError(message string) *PipelineError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// RecordRejectedError is a permanent per-record failure reported by a graph
// store. The batch continues without the rejected entity.
type RecordRejectedError struct {
	EntityKey string
	Reason    string
}

// Error returns a formatted error string.
func (e *RecordRejectedError) Error() string {
	return fmt.Sprintf("[%s:%s] record %s rejected: %s", ErrCategoryGraph, CodeRecordRejected, e.EntityKey, e.Reason)
}

// Is matches any PipelineError with the RECORD_REJECTED code, so callers can
// use errors.Is(err, RecordRejected).
func (e *RecordRejectedError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return t.Category == ErrCategoryGraph && t.Code == CodeRecordRejected
	}
	_, ok := target.(*RecordRejectedError)
	return ok
}

// NewRecordRejected creates a RecordRejectedError for one entity.
func NewRecordRejected(entityKey, reason string) *RecordRejectedError {
	return &RecordRejectedError{EntityKey: entityKey, Reason: reason}
}

// AsRecordRejected extracts a RecordRejectedError from an error chain.
func AsRecordRejected(err error) (*RecordRejectedError, bool) {
	var rr *RecordRejectedError
	if errors.As(err, &rr) {
		return rr, true
	}
	return nil, false
}

// Sentinel values for errors.Is comparisons.
var (
	TransientStream       = New(ErrCategoryStream, CodeTransientStream, "")
	SchemaViolation       = New(ErrCategorySchema, CodeSchemaViolation, "")
	TransientStore        = New(ErrCategoryGraph, CodeTransientStore, "")
	BatchApplyFailure     = New(ErrCategoryGraph, CodeBatchApplyFailure, "")
	RecordRejected        = New(ErrCategoryGraph, CodeRecordRejected, "")
	CheckpointUnavailable = New(ErrCategoryCheckpoint, CodeCheckpointUnavailable, "")
)
