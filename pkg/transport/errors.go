package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/plume/pkg/api"
)

// InternalErrorMessage replaces the message of internal errors sent to clients.
const InternalErrorMessage = "internal server error"

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Unknown types map to 500.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeUnauthenticated:
		return http.StatusUnauthorized
	case api.ErrorTypeForbidden:
		return http.StatusForbidden
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case api.ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case api.ErrorTypeConflict:
		return http.StatusConflict
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Sanitize converts err into the APIError shown to clients. Internal errors
// and unknown types lose their message; the cause is never included.
func Sanitize(err error) *api.APIError {
	apiErr := api.AsAPIError(err)
	if apiErr == nil {
		return nil
	}
	out := &api.APIError{
		Type:    apiErr.Type,
		Code:    apiErr.Code,
		Param:   apiErr.Param,
		Message: apiErr.Message,
	}
	if HTTPStatusFromError(apiErr) == http.StatusInternalServerError {
		out.Type = api.ErrorTypeServerError
		out.Code = ""
		out.Param = ""
		out.Message = InternalErrorMessage
	}
	return out
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. It sets the Content-Type header and writes
// the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteError sanitizes err and writes it with the matching status code.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := Sanitize(err)
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
