package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_CollectsAllFields(t *testing.T) {
	// Arrange
	v := &ValidationError{}

	// Act
	v.Add("customer.name", "is required")
	v.Add("items", "must contain at least %d item", 1)

	// Assert
	assert.Len(t, v.Fields, 2)
	assert.Equal(t, "validation failed: customer.name: is required; items: must contain at least 1 item", v.Error())
	assert.Error(t, v.OrNil())
}

func TestValidationError_OrNilWhenEmpty(t *testing.T) {
	v := &ValidationError{}
	assert.NoError(t, v.OrNil())

	var nilV *ValidationError
	assert.NoError(t, nilV.OrNil())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Invalid("amount", "out of range"), http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("create order: %w", Invalid("items", "empty")), http.StatusBadRequest},
		{"not found", fmt.Errorf("order abc: %w", ErrNotFound), http.StatusNotFound},
		{"transition", ErrInvalidTransition, http.StatusConflict},
		{"conflict", ErrConflict, http.StatusConflict},
		{"unavailable", ErrProviderUnavailable, http.StatusServiceUnavailable},
		{"rejected", fmt.Errorf("stk push: %w", ErrProviderRejected), http.StatusBadGateway},
		{"not configured", ErrProviderNotConfigured, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
