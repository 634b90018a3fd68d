package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/auth/jwt"
	"github.com/rhuss/plume/pkg/auth/local"
	"github.com/rhuss/plume/pkg/transport"
)

// routes mounts the custom routes and the non-REST transports next to the
// service routes.
func (a *App) routes(r chi.Router) {
	cfg := a.config

	// Chains over registered strategy names cannot fail.
	loginChain, _ := a.chains.Chain(local.StrategyName)
	tokenChain, _ := a.chains.Chain(jwt.StrategyName)

	r.With(auth.Middleware(loginChain, auth.MiddlewareOptions{
		SuccessRedirect: "/app",
		FailureRedirect: "/login",
	})).Post("/login", func(http.ResponseWriter, *http.Request) {})

	r.With(auth.Middleware(tokenChain, auth.MiddlewareOptions{})).Get("/protected", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	r.Get("/unprotected", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": "unprotected"})
	})
	r.Get("/app", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": "welcome to dashboard"})
	})
	r.Get("/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "text": "login failed"})
	})

	r.Get("/healthz", a.health)
	if cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, promhttp.Handler())
	}
	if a.socket != nil {
		r.Handle(cfg.Transports.Socket.Path, a.socket)
	}
	if a.mcp != nil {
		r.Handle(cfg.Transports.MCP.Path, a.mcp.Handler())
	}
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.backend.HealthCheck(ctx); err != nil {
		a.logger.Error("health check failed", "error", err)
		transport.WriteErrorResponse(w, transport.Sanitize(err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
