package transport

import (
	"context"

	"github.com/rhuss/plume/pkg/service"
)

// Dispatcher runs a service call. Implementations return hc with exactly
// one of Result or Err set.
type Dispatcher interface {
	Dispatch(ctx context.Context, hc *service.Context) *service.Context
}

// DispatcherFunc is an adapter that allows using an ordinary function as a
// Dispatcher.
type DispatcherFunc func(ctx context.Context, hc *service.Context) *service.Context

// Dispatch calls f(ctx, hc).
func (f DispatcherFunc) Dispatch(ctx context.Context, hc *service.Context) *service.Context {
	return f(ctx, hc)
}
