package engine

import (
	"errors"
	"fmt"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/storage"
)

// storeError maps a store failure onto the error taxonomy. API errors
// raised by the store pass through; anything unrecognized is internal.
func (r *run) storeError(err error) error {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, storage.ErrNotFound):
		msg := fmt.Sprintf("no record found for id '%s'", r.hc.ID)
		return api.NewNotFoundError(msg).WithCause(err)
	case errors.Is(err, storage.ErrConflict):
		return api.NewConflictError("record already exists").WithCause(err)
	}
	r.e.logger.Error("store operation failed",
		"service", r.hc.Path,
		"method", r.hc.Method,
		"error", err,
	)
	return api.NewServerError("internal server error").WithCause(err)
}
