package service

import (
	"context"
	"maps"
	"strings"

	"github.com/rhuss/plume/pkg/api"
)

// Provider names identify the transport that created a Context. An empty
// provider marks an internal call made by server code.
const (
	ProviderREST   = "rest"
	ProviderSocket = "socket"
	ProviderMCP    = "mcp"
)

// Params carries the transport-level parameters of a call.
type Params struct {
	Query    api.Query
	Headers  map[string]string
	Provider string
}

// Header returns the header value for name, case-insensitively.
func (p Params) Header(name string) string {
	if p.Headers == nil {
		return ""
	}
	return p.Headers[strings.ToLower(name)]
}

// Context is the per-request mutable state passed through the hook pipeline.
// It is owned by a single pipeline run and must not be shared across goroutines.
type Context struct {
	Path   string
	Method Operation
	ID     string
	Data   api.Record
	Params Params

	Result any
	Err    error

	Meta map[string]any
}

// NewContext creates a Context for a call of method on path.
func NewContext(path string, method Operation) *Context {
	return &Context{
		Path:   NormalizePath(path),
		Method: method,
		Params: Params{Headers: map[string]string{}},
		Meta:   map[string]any{},
	}
}

// SetHeader stores a header under its lower-cased name.
func (c *Context) SetHeader(name, value string) {
	if c.Params.Headers == nil {
		c.Params.Headers = map[string]string{}
	}
	c.Params.Headers[strings.ToLower(name)] = value
}

// Set stores a value in Meta.
func (c *Context) Set(key string, value any) {
	if c.Meta == nil {
		c.Meta = map[string]any{}
	}
	c.Meta[key] = value
}

// Get returns a value from Meta.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Meta[key]
	return v, ok
}

// Snapshot returns a copy of c that shares no mutable state with it.
// Result and Err are left empty. Meta values are copied by reference.
func (c *Context) Snapshot() *Context {
	return &Context{
		Path:   c.Path,
		Method: c.Method,
		ID:     c.ID,
		Data:   c.Data.Clone(),
		Params: Params{
			Query:    c.Params.Query.Clone(),
			Headers:  maps.Clone(c.Params.Headers),
			Provider: c.Params.Provider,
		},
		Meta: maps.Clone(c.Meta),
	}
}

// External reports whether the call came from a transport rather than server code.
func (c *Context) External() bool {
	return c.Params.Provider != ""
}

type ctxKey struct{}

// WithContext returns a context.Context carrying hc.
func WithContext(ctx context.Context, hc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, hc)
}

// FromContext returns the hook Context carried by ctx, or nil.
func FromContext(ctx context.Context) *Context {
	hc, _ := ctx.Value(ctxKey{}).(*Context)
	return hc
}
