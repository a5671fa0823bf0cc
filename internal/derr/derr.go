// Package derr defines the typed error kinds shared across the engine and
// their HTTP-facing representation.
package derr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind.
type Code string

const (
	CodeValidation             Code = "validation_error"
	CodeNotFound               Code = "not_found"
	CodeExecution              Code = "execution_error"
	CodeBudgetExceeded         Code = "budget_exceeded"
	CodeNoQualifiedModels      Code = "no_qualified_models"
	CodeCalibrationUnavailable Code = "calibration_unavailable"
	CodePortfolioCoverage      Code = "portfolio_coverage_invalid"
	CodeInternal               Code = "internal"
)

// Error is a structured error carrying a machine-readable code and optional
// details for the HTTP error envelope.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a structured error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a structured error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, wrapped: err}
}

// WithDetails attaches details and returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the error code, defaulting to internal for plain errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBudgetExceeded, CodeNoQualifiedModels:
		// Business outcomes, not transport failures.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
