package service

import (
	"context"

	"github.com/rhuss/plume/pkg/api"
)

// Hook is a single pipeline step. Run may mutate hc in place or return a
// replacement; a nil Context with a nil error means unchanged. A non-nil
// error fails the current phase.
type Hook interface {
	Name() string
	Run(ctx context.Context, hc *Context) (*Context, error)
}

type funcHook struct {
	name string
	fn   func(context.Context, *Context) (*Context, error)
}

func (h funcHook) Name() string { return h.name }

func (h funcHook) Run(ctx context.Context, hc *Context) (*Context, error) {
	return h.fn(ctx, hc)
}

// HookFunc adapts a function to the Hook interface.
func HookFunc(name string, fn func(context.Context, *Context) (*Context, error)) Hook {
	return funcHook{name: name, fn: fn}
}

// Store is the backing data store a Service dispatches to. Implementations
// return storage.ErrNotFound and storage.ErrConflict for missing records and
// uniqueness violations.
type Store interface {
	Find(ctx context.Context, q api.Query) ([]api.Record, error)
	Get(ctx context.Context, id string) (api.Record, error)
	Create(ctx context.Context, data api.Record) (api.Record, error)
	Update(ctx context.Context, id string, data api.Record) (api.Record, error)
	Patch(ctx context.Context, id string, data api.Record) (api.Record, error)
	Remove(ctx context.Context, id string) (api.Record, error)
}
