package derr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(New(CodeNotFound, "missing")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", Newf(CodeValidation, "bad field %q", "x"))
	assert.Equal(t, CodeValidation, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeValidation))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeExecution, "write failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeExecution))

	// Business outcomes are not transport failures.
	assert.Equal(t, http.StatusOK, HTTPStatus(CodeBudgetExceeded))
	assert.Equal(t, http.StatusOK, HTTPStatus(CodeNoQualifiedModels))
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "bad request").WithDetails(map[string]any{"field": "message"})
	assert.Equal(t, "message", err.Details["field"])
}
