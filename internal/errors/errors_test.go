package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	err := New(ErrCategorySchema, CodeSchemaViolation, "bad record")
	expected := "[SCHEMA:SCHEMA_VIOLATION] bad record"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewTransientStreamError("read failed", cause)
	expected := "[STREAM:TRANSIENT_STREAM_ERROR] read failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewTransientStoreError("locked", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestPipelineError_Is(t *testing.T) {
	err1 := NewBatchApplyFailure("first", nil)
	err2 := NewBatchApplyFailure("second", fmt.Errorf("x"))
	err3 := NewTransientStoreError("different code", nil)

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", err1), BatchApplyFailure) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStream, CodeTransientStream, true},
		{ErrCategoryStream, CodeStreamClosed, false},
		{ErrCategorySchema, CodeSchemaViolation, false},
		{ErrCategoryGraph, CodeTransientStore, true},
		{ErrCategoryGraph, CodeBatchApplyFailure, false},
		{ErrCategoryGraph, CodeRecordRejected, false},
		{ErrCategoryCheckpoint, CodeCheckpointUnavailable, true},
		{ErrCategoryCheckpoint, CodeCheckpointRegression, false},
		{ErrCategoryConfig, CodeInvalidConfig, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewCheckpointUnavailable("dial", nil))
	if GetCategory(err) != ErrCategoryCheckpoint {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryCheckpoint)
	}
	if GetCode(err) != CodeCheckpointUnavailable {
		t.Errorf("got %q, want %q", GetCode(err), CodeCheckpointUnavailable)
	}
	if !HasCode(err, CodeCheckpointUnavailable) {
		t.Error("HasCode should match")
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-PipelineError should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewSchemaViolation("bad", nil)
	detailed := err.WithDetails(map[string]interface{}{"offset": "0/12"})

	if detailed.Details["offset"] != "0/12" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestRecordRejected(t *testing.T) {
	rr := NewRecordRejected("aws:us-east-1:ec2:i-1", "entity type conflict")
	wrapped := fmt.Errorf("apply: %w", rr)

	if !errors.Is(wrapped, RecordRejected) {
		t.Error("RecordRejectedError should match the RecordRejected sentinel")
	}
	if errors.Is(wrapped, TransientStore) {
		t.Error("RecordRejectedError must not match transient sentinel")
	}
	got, ok := AsRecordRejected(wrapped)
	if !ok || got.EntityKey != "aws:us-east-1:ec2:i-1" {
		t.Errorf("AsRecordRejected = %v, %v", got, ok)
	}
	if IsRetryable(wrapped) {
		t.Error("rejected records are permanent")
	}
}
