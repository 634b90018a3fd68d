package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/events"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

// Engine dispatches calls against a published registry. It is safe for
// concurrent use; each call owns its Context.
type Engine struct {
	registry  *service.Registry
	cfg       Config
	publisher events.Publisher
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the destination of service events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an Engine. The registry must already be published.
func New(reg *service.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("engine: registry must not be nil")
	}
	e := &Engine{
		registry: reg,
		cfg:      cfg,
		logger:   cfg.logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(observability.TracerName)
	}
	return e, nil
}

// Registry returns the registry the engine dispatches against.
func (e *Engine) Registry() *service.Registry { return e.registry }

// Dispatch runs hc through its service pipeline and returns hc with exactly
// one of Result or Err set. The error is never swallowed: an unrecovered
// failure is always present in Err.
func (e *Engine) Dispatch(ctx context.Context, hc *service.Context) *service.Context {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "plume."+string(hc.Method),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("plume.service", hc.Path),
			attribute.String("plume.method", string(hc.Method)),
			attribute.String("plume.provider", hc.Params.Provider),
		),
	)
	defer span.End()

	outcome, completed := e.run(ctx, hc)

	if hc.Err != nil {
		hc.Result = nil
		apiErr := api.AsAPIError(hc.Err)
		span.SetStatus(codes.Error, apiErr.Message)
		span.RecordError(hc.Err)
		span.SetAttributes(attribute.String("plume.error_type", string(apiErr.Type)))
	}
	span.SetAttributes(attribute.String("plume.outcome", outcome))

	label := hc.Path
	if _, err := e.registry.Lookup(hc.Path); err != nil {
		label = "unknown"
	}
	observability.PipelineRunsTotal.WithLabelValues(label, string(hc.Method), outcome).Inc()
	observability.PipelineDuration.WithLabelValues(label, string(hc.Method)).Observe(time.Since(start).Seconds())

	if completed {
		e.publish(hc)
	}
	return hc
}

// Call runs hc and returns its result or error. It is the entry point for
// server-side calls that do not go through a transport.
func (e *Engine) Call(ctx context.Context, hc *service.Context) (any, error) {
	hc = e.Dispatch(ctx, hc)
	return hc.Result, hc.Err
}

func (e *Engine) publish(hc *service.Context) {
	if e.publisher == nil || hc.Result == nil {
		return
	}
	name, ok := events.NameFor(hc.Method)
	if !ok {
		return
	}
	e.publisher.Publish(events.Event{Path: hc.Path, Name: name, Data: hc.Result})
}
