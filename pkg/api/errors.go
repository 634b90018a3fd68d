package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest   ErrorType = "invalid_request"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeUnauthenticated  ErrorType = "unauthenticated"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeTooManyRequests  ErrorType = "too_many_requests"
	ErrorTypeServerError      ErrorType = "server_error"
)

// APIError represents a structured API error with type, code, param, and message.
// The optional cause is kept for logging and errors.Is/As but is never serialized.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the internal cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e that wraps cause.
func (e *APIError) WithCause(cause error) *APIError {
	cp := *e
	cp.cause = cause
	return &cp
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for malformed parameters or payloads.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewUnauthenticatedError creates an APIError for missing or rejected credentials.
func NewUnauthenticatedError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeUnauthenticated,
		Message: message,
	}
}

// NewForbiddenError creates an APIError for an authenticated caller that lacks
// the required permission.
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeForbidden,
		Message: message,
	}
}

// NewMethodNotAllowedError creates an APIError for an operation a service does not expose.
func NewMethodNotAllowedError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeMethodNotAllowed,
		Message: message,
	}
}

// NewConflictError creates an APIError for uniqueness or version conflicts.
func NewConflictError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewTimeoutError creates an APIError for an exceeded operation deadline.
func NewTimeoutError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTimeout,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// AsAPIError returns err as an *APIError. Errors outside the taxonomy become
// server errors with a generic message and the original error as cause.
// A nil err yields nil.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewServerError("internal server error").WithCause(err)
}

// IsType reports whether err is an *APIError of the given type.
func IsType(err error, t ErrorType) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == t
}
