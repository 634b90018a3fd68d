package engine

import (
	"log/slog"
	"time"

	"github.com/rhuss/plume/pkg/api"
)

// DefaultTimeout applies to operations without a service timeout when the
// config leaves it unset.
const DefaultTimeout = 30 * time.Second

// Config holds configuration for the engine.
type Config struct {
	// DefaultTimeout bounds operations whose service sets no timeout.
	// Zero means DefaultTimeout; negative disables the bound.
	DefaultTimeout time.Duration

	// Validation bounds ids, payloads, and queries before hooks run.
	// Zero value means api.DefaultValidationConfig().
	Validation api.ValidationConfig

	// Logger receives warnings and internal errors. Nil means slog.Default().
	Logger *slog.Logger
}

func (c Config) timeout() time.Duration {
	if c.DefaultTimeout == 0 {
		return DefaultTimeout
	}
	return c.DefaultTimeout
}

func (c Config) validation() api.ValidationConfig {
	if c.Validation == (api.ValidationConfig{}) {
		return api.DefaultValidationConfig()
	}
	return c.Validation
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
