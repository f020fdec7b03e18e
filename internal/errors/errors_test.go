package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestStrataError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestStrataError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestStrataError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewStreamError("write failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestStrataError_Is(t *testing.T) {
	err1 := NewScopeViolation("first")
	err2 := NewScopeViolation("second")
	err3 := NewValidationError("different category")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different categories should not match via Is")
	}
	wrapped := fmt.Errorf("ledger: %w", err1)
	if !errors.Is(wrapped, NewScopeViolation("")) {
		t.Error("wrapped error should still match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryIntegrity, CodeChecksumMismatch, true},
		{ErrCategoryIntegrity, CodeChainBroken, false},
		{ErrCategoryValidation, CodeInvalidInput, false},
		{ErrCategoryScope, CodeScopeViolation, false},
		{ErrCategoryNotFound, CodeBatchNotFound, false},
		{ErrCategoryPlan, CodePlanRestriction, false},
		{ErrCategoryRestore, CodeRestoreRequired, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewNotFoundError(CodeBatchNotFound, "missing"))
	if GetCategory(err) != ErrCategoryNotFound {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryNotFound)
	}
	if GetCode(err) != CodeBatchNotFound {
		t.Errorf("got %q, want %q", GetCode(err), CodeBatchNotFound)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-StrataError should return empty category")
	}
}

func TestRestoreRequiredCarriesSortedBatchIDs(t *testing.T) {
	err := NewRestoreRequired([]string{"b-2", "b-1"})
	ids := BatchIDs(fmt.Errorf("export: %w", err))
	if len(ids) != 2 || ids[0] != "b-1" || ids[1] != "b-2" {
		t.Fatalf("unexpected batch ids: %v", ids)
	}
	if GetCode(err) != CodeRestoreRequired {
		t.Errorf("got code %q", GetCode(err))
	}
}

func TestPlanRestrictionCarriesMinimumPlan(t *testing.T) {
	err := NewPlanRestriction("expedited restores are not included", "enterprise")
	if MinimumPlan(err) != "enterprise" {
		t.Errorf("got %q, want enterprise", MinimumPlan(err))
	}
	if MinimumPlan(NewPlanRestriction("nothing allows this", "")) != "" {
		t.Error("expected no minimum plan")
	}
}
