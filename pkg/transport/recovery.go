package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
)

// Recovery returns middleware that turns a panic during dispatch into an
// internal error on the Context. The transport keeps serving afterwards.
func Recovery() Middleware {
	return func(next Dispatcher) Dispatcher {
		return DispatcherFunc(func(ctx context.Context, hc *service.Context) (out *service.Context) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic during dispatch",
						"service", hc.Path,
						"method", hc.Method,
						"request_id", RequestIDFromContext(ctx),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					hc.Result = nil
					hc.Err = api.NewServerError("internal server error").WithCause(fmt.Errorf("panic: %v", r))
					out = hc
				}
			}()
			return next.Dispatch(ctx, hc)
		})
	}
}
