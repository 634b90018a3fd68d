package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/events"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/transport"
)

// EventSource delivers service events to the /events stream.
type EventSource interface {
	Subscribe(paths ...string) (<-chan events.Event, func())
}

// Adapter serves registered services over REST.
type Adapter struct {
	dispatcher transport.Dispatcher
	router     chi.Router
	config     Config

	closing   chan struct{}
	closeOnce sync.Once
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// Events, when set, enables GET /events.
	Events EventSource

	// Heartbeat is the interval of keep-alive comments on the event stream.
	Heartbeat time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
		Heartbeat:   15 * time.Second,
	}
}

// NewAdapter creates a REST adapter mounting the CRUD routes of every path.
// Middleware is applied to the dispatcher in the given order.
func NewAdapter(d transport.Dispatcher, paths []string, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		d = transport.Chain(middlewares...)(d)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultConfig().Heartbeat
	}

	a := &Adapter{
		dispatcher: d,
		router:     chi.NewRouter(),
		config:     cfg,
		closing:    make(chan struct{}),
	}

	a.router.Use(requestIDMiddleware, middleware.StripSlashes, observability.MetricsMiddleware)
	a.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, api.NewNotFoundError(fmt.Sprintf("page not found: %s", r.URL.Path)))
	})
	a.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, api.NewMethodNotAllowedError(fmt.Sprintf("method %s is not allowed on %s", r.Method, r.URL.Path)))
	})

	if cfg.Events != nil {
		a.router.Get("/events", a.handleEvents)
	}
	for _, p := range paths {
		a.mount(service.NormalizePath(p))
	}
	return a
}

func (a *Adapter) mount(path string) {
	base := "/" + path
	item := base + "/{id}"

	a.router.Get(base, a.handle(path, service.Find))
	a.router.Post(base, a.handle(path, service.Create))
	a.router.Get(item, a.handle(path, service.Get))
	a.router.Put(item, a.handle(path, service.Update))
	a.router.Patch(item, a.handle(path, service.Patch))
	a.router.Delete(item, a.handle(path, service.Remove))

	debug.Log("transport", "mounted REST service", "path", base)
}

// Router returns the underlying router so that custom routes can be added
// next to the service routes.
func (a *Adapter) Router() chi.Router {
	return a.router
}

// Handler returns the http.Handler for this adapter.
func (a *Adapter) Handler() http.Handler {
	return a.router
}

// CloseStreams ends all open event streams. The server calls it on
// shutdown, since streams never finish on their own.
func (a *Adapter) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// requestIDMiddleware propagates the X-Request-ID header into the context
// and echoes it on the response, generating one when the client sent none.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(transport.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(transport.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handle returns the handler of one service operation.
func (a *Adapter) handle(path string, op service.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hc := service.NewContext(path, op)
		hc.ID = chi.URLParam(r, "id")
		hc.Params.Provider = service.ProviderREST
		for name, values := range r.Header {
			if len(values) > 0 {
				hc.SetHeader(name, values[0])
			}
		}

		q, err := ParseQuery(r.URL.Query())
		if err != nil {
			transport.WriteError(w, err)
			return
		}
		hc.Params.Query = q

		if op.HasPayload() {
			data, status, apiErr := a.readBody(w, r)
			if apiErr != nil {
				transport.WriteErrorResponse(w, apiErr, status)
				return
			}
			hc.Data = data
		}

		out := a.dispatcher.Dispatch(r.Context(), hc)
		if out.Err != nil {
			transport.WriteError(w, out.Err)
			return
		}

		status := http.StatusOK
		if op == service.Create {
			status = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(out.Result)
	}
}

// readBody decodes a JSON or form-encoded request body. An empty body
// yields nil data, which the engine rejects for operations that need it.
func (a *Adapter) readBody(w http.ResponseWriter, r *http.Request) (api.Record, int, *api.APIError) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, 0, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, http.StatusUnsupportedMediaType, api.NewInvalidRequestError("content_type", "malformed Content-Type")
		}
		mediaType = mt
	}

	switch mediaType {
	case "application/json":
		var data api.Record
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, nil
			}
			return nil, bodyErrorStatus(err), a.bodyError(err, "invalid JSON body")
		}
		return data, 0, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyErrorStatus(err), a.bodyError(err, "invalid form body")
		}
		q, err := ParseQuery(r.PostForm)
		if err != nil {
			return nil, http.StatusBadRequest, api.AsAPIError(err)
		}
		return api.Record(q), 0, nil
	default:
		return nil, http.StatusUnsupportedMediaType,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json or application/x-www-form-urlencoded")
	}
}

func (a *Adapter) bodyError(err error, message string) *api.APIError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize))
	}
	return api.NewInvalidRequestError("body", message)
}

func bodyErrorStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
