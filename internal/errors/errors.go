// Package errors provides structured error types for Strata.
// Every error carries a category, code, message and retryable flag so that the
// ledger, lifecycle jobs, restore coordinator and HTTP layer classify failures the
// same way.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies errors by how callers must handle them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryScope      ErrorCategory = "SCOPE"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryPlan       ErrorCategory = "PLAN"
	ErrCategoryRestore    ErrorCategory = "RESTORE"
	ErrCategoryIntegrity  ErrorCategory = "INTEGRITY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryStream     ErrorCategory = "STREAM"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidInput = "INVALID_INPUT"
	CodeInvalidState = "INVALID_STATE"

	// Scope codes
	CodeScopeViolation = "SCOPE_VIOLATION"

	// Not found codes
	CodeEventNotFound   = "EVENT_NOT_FOUND"
	CodeBatchNotFound   = "BATCH_NOT_FOUND"
	CodeRestoreNotFound = "RESTORE_NOT_FOUND"
	CodeExportNotFound  = "EXPORT_NOT_FOUND"
	CodeRegionNotFound  = "REGION_NOT_FOUND"
	CodeJobNotFound     = "JOB_NOT_FOUND"

	// Conflict codes
	CodeRestoreActive = "RESTORE_ACTIVE"

	// Plan codes
	CodePlanRestriction = "PLAN_RESTRICTION"

	// Restore codes
	CodeRestoreRequired = "RESTORE_REQUIRED"

	// Integrity codes
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeChainBroken      = "CHAIN_BROKEN"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeStoreFailed    = "STORE_FAILED"

	// Stream codes
	CodeStreamFailed = "STREAM_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys with a fixed meaning.
const (
	DetailMinimumPlan = "minimum_plan"
	DetailBatchIDs    = "batch_ids"
)

// StrataError is the structured error type used throughout the system.
type StrataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StrataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StrataError) Is(target error) bool {
	var t *StrataError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StrataError.
func New(category ErrorCategory, code, message string) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StrataError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StrataError) WithDetails(details map[string]interface{}) *StrataError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCategory(err error) ErrorCategory {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// As extracts the StrataError from an error chain.
func As(err error) (*StrataError, bool) {
	var se *StrataError
	ok := errors.As(err, &se)
	return se, ok
}

// isRetryable marks the failures that a later scheduled run may clear on its own.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage:
		return true
	case category == ErrCategoryIntegrity && code == CodeChecksumMismatch:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(message string) *StrataError {
	return New(ErrCategoryValidation, CodeInvalidInput, message)
}

func NewInvalidStateError(message string) *StrataError {
	return New(ErrCategoryValidation, CodeInvalidState, message)
}

func NewScopeViolation(message string) *StrataError {
	return New(ErrCategoryScope, CodeScopeViolation, message)
}

func NewNotFoundError(code, message string) *StrataError {
	return New(ErrCategoryNotFound, code, message)
}

func NewConflictError(code, message string) *StrataError {
	return New(ErrCategoryConflict, code, message)
}

// NewPlanRestriction reports that the tenant's plan does not allow the operation.
// minimumPlan is empty when no configured plan allows it.
func NewPlanRestriction(message, minimumPlan string) *StrataError {
	err := New(ErrCategoryPlan, CodePlanRestriction, message)
	if minimumPlan != "" {
		err.Details = map[string]interface{}{DetailMinimumPlan: minimumPlan}
	}
	return err
}

// NewRestoreRequired reports the cold batches that block an archived read.
func NewRestoreRequired(batchIDs []string) *StrataError {
	ids := append([]string(nil), batchIDs...)
	sort.Strings(ids)
	return New(ErrCategoryRestore, CodeRestoreRequired,
		fmt.Sprintf("restore required for %d archive batch(es): %s", len(ids), strings.Join(ids, ", "))).
		WithDetails(map[string]interface{}{DetailBatchIDs: ids})
}

func NewIntegrityError(code, message string) *StrataError {
	return New(ErrCategoryIntegrity, code, message)
}

func NewStorageError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewStreamError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryStream, CodeStreamFailed, message, cause)
}

func NewInternalError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// BatchIDs returns the blocking batch ids of a RestoreRequired error.
func BatchIDs(err error) []string {
	se, ok := As(err)
	if !ok || se.Details == nil {
		return nil
	}
	ids, _ := se.Details[DetailBatchIDs].([]string)
	return ids
}

// MinimumPlan returns the minimum plan carried by a PlanRestriction error.
func MinimumPlan(err error) string {
	se, ok := As(err)
	if !ok || se.Details == nil {
		return ""
	}
	plan, _ := se.Details[DetailMinimumPlan].(string)
	return plan
}
