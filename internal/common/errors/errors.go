// Package errors provides typed application errors for Nexus.
//
// Retry, drift, expiry, and policy stops are expected conditions in the
// orchestration kernel, so they are modeled as values with stable codes
// rather than ad hoc error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeValidation          = "VALIDATION_ERROR"
	CodeExpired             = "EXPIRED"
	CodePolicyBlocked       = "POLICY_BLOCKED"
	CodeTransient           = "TRANSIENT"
	CodeConfigMissing       = "CONFIG_MISSING"
	CodeWorkflowPaused      = "WORKFLOW_PAUSED"
	CodeActiveMappingExists = "ACTIVE_MAPPING_EXISTS"
	CodeCorrupt             = "CORRUPT"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so sentinel comparisons work across wrapping.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Sentinels for the error kinds callers branch on.
var (
	ErrNotFound            = &AppError{Code: CodeNotFound, Message: "not found", HTTPStatus: http.StatusNotFound}
	ErrConflict            = &AppError{Code: CodeConflict, Message: "concurrent modification", HTTPStatus: http.StatusConflict}
	ErrInvalidDefinition   = &AppError{Code: CodeValidation, Message: "invalid workflow definition", HTTPStatus: http.StatusBadRequest}
	ErrExpired             = &AppError{Code: CodeExpired, Message: "payload expired", HTTPStatus: http.StatusGone}
	ErrPolicyBlocked       = &AppError{Code: CodePolicyBlocked, Message: "retry fuse tripped", HTTPStatus: http.StatusTooManyRequests}
	ErrMissingSecret       = &AppError{Code: CodeConfigMissing, Message: "handoff signing secret is not configured", HTTPStatus: http.StatusInternalServerError}
	ErrWorkflowPaused      = &AppError{Code: CodeWorkflowPaused, Message: "workflow is paused", HTTPStatus: http.StatusConflict}
	ErrActiveMappingExists = &AppError{Code: CodeActiveMappingExists, Message: "issue already has an active workflow", HTTPStatus: http.StatusConflict}
	ErrCorrupt             = &AppError{Code: CodeCorrupt, Message: "stored payload cannot be parsed", HTTPStatus: http.StatusInternalServerError}
)

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Transient wraps an error that callers may retry with backoff.
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       CodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap attaches a cause to a sentinel, preserving its code for errors.Is.
func Wrap(sentinel *AppError, err error) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		HTTPStatus: sentinel.HTTPStatus,
		Err:        err,
	}
}

// HTTPStatus extracts the HTTP status for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
