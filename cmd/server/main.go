// Command server runs the plume service dispatch server.
//
// Configuration is read from a YAML file (-config, PLUME_CONFIG,
// ./config.yaml or /etc/plume/config.yaml) and PLUME_* environment
// variables. A .env file in the working directory is loaded first.
//
// Frequently used variables:
//
//	PLUME_AUTH_SECRET - HMAC secret for access tokens (required without a JWKS URL)
//	PLUME_PORT        - Listen port (default: 8080)
//	PLUME_STORAGE     - Storage type: "memory", "postgres" or "sqlite" (default: "memory")
//	PLUME_DEBUG       - Debug categories, e.g. "engine,auth" or "all"
//	PLUME_LOG_LEVEL   - ERROR, WARN, INFO, DEBUG or TRACE
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rhuss/plume/pkg/app"
	"github.com/rhuss/plume/pkg/config"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing.Enabled {
		w, closeOutput, err := traceOutput(cfg.Observability.Tracing.Output)
		if err != nil {
			return err
		}
		defer closeOutput()

		shutdown, err := observability.InitTracer(cfg.Observability.Tracing.ServiceName, w, slog.Default())
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}

	slog.Info("plume starting",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"strategies", cfg.Auth.Strategies,
		"socket", cfg.Transports.Socket.Enabled,
		"mcp", cfg.Transports.MCP.Enabled,
	)
	return a.Run(ctx)
}

// traceOutput opens the span destination: stdout, stderr or a file.
func traceOutput(dest string) (io.Writer, func(), error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, func() {}, nil
	case "stdout":
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trace output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
