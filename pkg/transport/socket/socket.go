// Package socket serves registered services over websocket connections.
//
// Each text message is a request frame:
//
//	{"id":"1","method":"find","path":"users","resourceId":"","data":{},"query":{},"headers":{}}
//
// and is answered by a reply carrying the same id with either a result or
// an error. Frames on one connection are dispatched concurrently; replies
// may arrive in any order. Closing the connection cancels every pipeline
// still running for it.
//
// A successful create on the authentication service stores the returned
// access token on the connection. Later frames without an Authorization
// header carry it as a bearer token until the authentication is removed.
//
// When an event source is configured, service events are pushed as
//
//	{"event":"users created","data":{...}}
package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/events"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/transport"
)

// Frame is a request sent by a client.
type Frame struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	ResourceID string            `json:"resourceId,omitempty"`
	Data       api.Record        `json:"data,omitempty"`
	Query      api.Query         `json:"query,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Reply answers a Frame.
type Reply struct {
	ID     string        `json:"id"`
	Result any           `json:"result,omitempty"`
	Error  *api.APIError `json:"error,omitempty"`
}

// Push is a service event sent to the client.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EventSource delivers service events to connections.
type EventSource interface {
	Subscribe(paths ...string) (<-chan events.Event, func())
}

// Config holds configuration for the socket server.
type Config struct {
	// AuthPath is the path of the authentication service.
	AuthPath string

	// TokenField is the result field holding the access token.
	TokenField string

	MaxMessageSize int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration

	// MaxConnections limits concurrent connections (0 means unlimited).
	MaxConnections int

	// Events, when set, is subscribed to for every connection.
	Events EventSource

	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// DefaultConfig returns the default socket configuration.
func DefaultConfig() Config {
	return Config{
		AuthPath:       "authentication",
		TokenField:     "accessToken",
		MaxMessageSize: 1 << 20,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Server upgrades HTTP requests to socket connections.
type Server struct {
	dispatcher transport.Dispatcher
	config     Config
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// New creates a socket server. Middleware is applied to the dispatcher in
// the given order. Zero config fields take their defaults.
func New(d transport.Dispatcher, cfg Config, middlewares ...transport.Middleware) *Server {
	if len(middlewares) > 0 {
		d = transport.Chain(middlewares...)(d)
	}
	def := DefaultConfig()
	if cfg.AuthPath == "" {
		cfg.AuthPath = def.AuthPath
	}
	if cfg.TokenField == "" {
		cfg.TokenField = def.TokenField
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		dispatcher: d,
		config:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger,
		conns:  map[*conn]struct{}{},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	full := s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections
	closed := s.closed
	s.mu.Unlock()
	if closed || full {
		transport.WriteErrorResponse(w, api.NewTooManyRequestsError("socket connection limit reached"), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		debug.Log("transport", "socket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:       uuid.NewString(),
		ws:       ws,
		srv:      s,
		ctx:      ctx,
		cancel:   cancel,
		inflight: transport.NewInFlightRegistry(),
		remote:   r.RemoteAddr,
	}
	if !s.add(c) {
		ws.Close()
		cancel()
		return
	}

	c.serve()
}

func (s *Server) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	observability.SocketConnections.Inc()
	return true
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		observability.SocketConnections.Dec()
	}
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every connection and rejects new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

// conn is one client connection.
type conn struct {
	id     string
	ws     *websocket.Conn
	srv    *Server
	remote string

	ctx      context.Context
	cancel   context.CancelFunc
	inflight *transport.InFlightRegistry
	wg       sync.WaitGroup

	writeMu sync.Mutex

	tokenMu sync.RWMutex
	token   string
}

func (c *conn) serve() {
	cfg := c.srv.config
	c.srv.logger.Debug("socket connected", "conn", c.id, "remote_addr", c.remote)

	defer func() {
		c.cancel()
		if n := c.inflight.CancelAll(); n > 0 {
			debug.Log("transport", "canceled in-flight calls on close", "conn", c.id, "count", n)
		}
		c.ws.Close()
		c.wg.Wait()
		c.srv.remove(c)
		c.srv.logger.Debug("socket disconnected", "conn", c.id, "remote_addr", c.remote)
	}()

	pongWait := 2 * cfg.PingInterval
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if cfg.Events != nil {
		ch, unsubscribe := cfg.Events.Subscribe()
		defer unsubscribe()
		c.wg.Add(1)
		go c.pushEvents(ch)
	}

	c.wg.Add(1)
	go c.ping()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				debug.Log("transport", "socket read failed", "conn", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			c.write(Reply{Error: api.NewInvalidRequestError("frame", "frames must be text messages")})
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.write(Reply{Error: api.NewInvalidRequestError("frame", "invalid JSON frame")})
			continue
		}

		c.wg.Add(1)
		go c.handle(f)
	}
}

// handle dispatches one frame and writes its reply.
func (c *conn) handle(f Frame) {
	defer c.wg.Done()

	op, err := service.ParseOperation(f.Method)
	if err != nil {
		c.write(Reply{ID: f.ID, Error: api.NewMethodNotAllowedError(err.Error())})
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	key := f.ID
	if key == "" {
		key = uuid.NewString()
	}
	key = c.id + "/" + key
	c.inflight.Register(key, cancel)
	defer c.inflight.Remove(key)

	hc := service.NewContext(f.Path, op)
	hc.ID = f.ResourceID
	hc.Data = f.Data
	hc.Params.Query = f.Query
	if hc.Params.Query == nil {
		hc.Params.Query = api.Query{}
	}
	hc.Params.Provider = service.ProviderSocket
	for name, value := range f.Headers {
		hc.SetHeader(name, value)
	}
	if token := c.getToken(); token != "" && hc.Params.Header("Authorization") == "" {
		hc.SetHeader("Authorization", "Bearer "+token)
	}

	out := c.srv.dispatcher.Dispatch(ctx, hc)
	if out.Err != nil {
		c.write(Reply{ID: f.ID, Error: transport.Sanitize(out.Err)})
		return
	}

	c.trackToken(out)
	c.write(Reply{ID: f.ID, Result: out.Result})
}

// trackToken keeps the connection's access token in step with the
// authentication service.
func (c *conn) trackToken(hc *service.Context) {
	if hc.Path != service.NormalizePath(c.srv.config.AuthPath) {
		return
	}
	switch hc.Method {
	case service.Create:
		if token := tokenFrom(hc.Result, c.srv.config.TokenField); token != "" {
			c.setToken(token)
			debug.Log("transport", "socket authenticated", "conn", c.id)
		}
	case service.Remove:
		c.setToken("")
		debug.Log("transport", "socket logged out", "conn", c.id)
	}
}

func tokenFrom(result any, field string) string {
	var m map[string]any
	switch r := result.(type) {
	case api.Record:
		m = r
	case map[string]any:
		m = r
	default:
		return ""
	}
	token, _ := m[field].(string)
	return token
}

func (c *conn) getToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *conn) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *conn) pushEvents(ch <-chan events.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := c.write(Push{Event: ev.Topic(), Data: ev.Data}); err != nil {
				return
			}
		}
	}
}

func (c *conn) ping() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.srv.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.srv.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// write sends one JSON message. Writes are serialized per connection.
func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		debug.Log("transport", "socket write failed", "conn", c.id, "error", err)
		return err
	}
	return nil
}

func (c *conn) close(code int, text string) {
	deadline := time.Now().Add(c.srv.config.WriteTimeout)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.ws.Close()
}
