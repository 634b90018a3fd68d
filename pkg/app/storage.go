package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/config"
	"github.com/rhuss/plume/pkg/storage"
	"github.com/rhuss/plume/pkg/storage/memory"
	"github.com/rhuss/plume/pkg/storage/postgres"
	"github.com/rhuss/plume/pkg/storage/sqlite"
)

// openBackend creates the record backend selected by storage.type.
func openBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.NewBackend(cfg.MaxSize), nil
	case "postgres":
		b, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "migrate_on_start", cfg.Postgres.MigrateOnStart)
		return b, nil
	case "sqlite":
		b, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return b, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

func validationConfig(cfg config.EngineConfig) api.ValidationConfig {
	v := api.DefaultValidationConfig()
	if cfg.MaxPayloadFields > 0 {
		v.MaxPayloadFields = cfg.MaxPayloadFields
	}
	if cfg.MaxQueryLimit > 0 {
		v.MaxQueryLimit = cfg.MaxQueryLimit
	}
	return v
}
