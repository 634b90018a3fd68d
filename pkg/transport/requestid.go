package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/plume/pkg/service"
)

// HeaderRequestID carries the request ID on HTTP requests and responses.
const HeaderRequestID = "X-Request-ID"

// MetaRequestID is the Meta key under which the request ID is stored.
const MetaRequestID = "request_id"

// RequestID returns middleware that assigns a unique request ID to each
// call. An ID already in the context (set by the HTTP adapter from the
// X-Request-ID header) or in the call's headers is kept. The ID is stored
// in the context and in hc.Meta.
func RequestID() Middleware {
	return func(next Dispatcher) Dispatcher {
		return DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
			id := RequestIDFromContext(ctx)
			if id == "" {
				id = hc.Params.Header(HeaderRequestID)
			}
			if id == "" {
				id = uuid.NewString()
			}
			ctx = ContextWithRequestID(ctx, id)
			hc.Set(MetaRequestID, id)
			return next.Dispatch(ctx, hc)
		})
	}
}
