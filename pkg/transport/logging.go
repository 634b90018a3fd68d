package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
)

// Logging returns middleware that emits a structured log entry per call
// with service, method, provider, duration, request ID, and outcome.
// Client errors log at info level, internal errors at error level.
func Logging(logger *slog.Logger) Middleware {
	return func(next Dispatcher) Dispatcher {
		return DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
			log := logger
			if log == nil {
				log = slog.Default()
			}
			start := time.Now()

			out := next.Dispatch(ctx, hc)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("service", out.Path),
				slog.String("method", string(out.Method)),
				slog.String("provider", out.Params.Provider),
				slog.Duration("duration", time.Since(start)),
			}
			if out.ID != "" {
				attrs = append(attrs, slog.String("id", out.ID))
			}

			if out.Err != nil {
				apiErr := api.AsAPIError(out.Err)
				attrs = append(attrs,
					slog.String("error_type", string(apiErr.Type)),
					slog.String("error", out.Err.Error()),
				)
				level := slog.LevelInfo
				if apiErr.Type == api.ErrorTypeServerError {
					level = slog.LevelError
				}
				log.LogAttrs(ctx, level, "call failed", attrs...)
			} else {
				log.LogAttrs(ctx, slog.LevelInfo, "call completed", attrs...)
			}
			return out
		})
	}
}
