// Package app composes a runnable plume server from configuration: the
// record backend, the users and authentication services, the strategy
// chains protecting them, and the REST, socket and MCP transports.
//
// Everything is built explicitly in New. There is no package-level state,
// so tests can run several independent applications side by side.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/auth/jwt"
	"github.com/rhuss/plume/pkg/config"
	"github.com/rhuss/plume/pkg/engine"
	"github.com/rhuss/plume/pkg/events"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
	transporthttp "github.com/rhuss/plume/pkg/transport/http"
	mcptransport "github.com/rhuss/plume/pkg/transport/mcp"
	"github.com/rhuss/plume/pkg/transport/socket"
)

// App is a fully wired server.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	backend  storage.Backend
	registry *service.Registry
	engine   *engine.Engine
	bus      *events.Bus
	tokens   *jwt.Strategy
	chains   *auth.Strategies

	server *transporthttp.Server
	socket *socket.Server
	mcp    *mcptransport.Server
}

// Option configures an App.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	backend storage.Backend
}

// WithLogger sets the logger used by the app and its transports.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend replaces the backend selected by storage.type. The app
// closes it on Close.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New builds the application described by cfg and seeds the default user.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{config: cfg, logger: o.logger, backend: o.backend}
	if a.backend == nil {
		b, err := openBackend(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.backend = b
	}

	if err := a.build(ctx); err != nil {
		a.backend.Close()
		return nil, err
	}

	if cfg.Auth.DefaultUser.Enabled {
		if err := a.seedDefaultUser(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("seeding default user: %w", err)
		}
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config

	a.bus = events.NewBus(cfg.Engine.EventBuffer, a.logger)

	b := service.NewBuilder()
	if err := a.registerServices(ctx, b); err != nil {
		return err
	}
	a.registry = b.Publish()

	eng, err := engine.New(a.registry, engine.Config{
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		Validation:     validationConfig(cfg.Engine),
		Logger:         a.logger,
	}, engine.WithPublisher(eventFilter{
		next:   a.bus,
		skip:   authPath,
		hidden: []string{cfg.Auth.Local.PasswordField},
	}))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	a.engine = eng

	if cfg.Transports.Socket.Enabled {
		a.socket = socket.New(eng, socket.Config{
			AuthPath:       authPath,
			MaxConnections: cfg.Transports.Socket.MaxConnections,
			PingInterval:   cfg.Transports.Socket.PingInterval,
			MaxMessageSize: cfg.Server.MaxBodySize,
			CheckOrigin:    originChecker(cfg.Transports.Socket.AllowedOrigins),
			Events:         a.bus,
			Logger:         a.logger,
		})
	}
	if cfg.Transports.MCP.Enabled {
		a.mcp = mcptransport.New(eng, a.registry, mcptransport.Config{Logger: a.logger})
	}

	serverOpts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(a.logger),
		transporthttp.WithRoutes(a.routes),
	}
	if cfg.Transports.Events.Enabled {
		serverOpts = append(serverOpts, transporthttp.WithEvents(a.bus))
	}
	a.server = transporthttp.NewServer(eng, a.registry.Paths(), serverOpts...)
	return nil
}

// Engine returns the dispatch engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Registry returns the published service registry.
func (a *App) Registry() *service.Registry { return a.registry }

// Handler returns the root HTTP handler serving every transport.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Server returns the HTTP server.
func (a *App) Server() *transporthttp.Server { return a.server }

// Run serves until ctx is done, then shuts down gracefully and releases
// the app's resources.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	return a.server.Run(ctx)
}

// Close disconnects sockets, stops event delivery and closes the backend.
func (a *App) Close() error {
	if a.socket != nil {
		a.socket.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	return a.backend.Close()
}

// originChecker accepts the listed origins. An empty list keeps the
// same-origin default; "*" accepts any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
