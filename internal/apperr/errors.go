// Package apperr holds the error taxonomy shared by the order and payment
// workflow and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrAuthentication        = errors.New("provider payload could not be authenticated")
	ErrAmountMismatch        = errors.New("payment amount does not match order total")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrProviderNotConfigured = errors.New("payment provider not configured")
	ErrProviderRejected      = errors.New("payment provider rejected the request")
	ErrDuplicateEvent        = errors.New("duplicate provider event")
	ErrConflict              = errors.New("conflict")
)

// FieldError describes a single violated input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violated field of an input, not just the first.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Error joins every field problem into one message.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when nothing was recorded so callers can `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, format string, args ...any) *ValidationError {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// HTTPStatus maps an error onto the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAuthentication):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProviderRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
