package persistence

import (
	"context"
	"fmt"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
)

// Store is an IPersistence that holds resources
type Store interface {
	core.IPersistence
	Close() error
}

// New opens the store selected by cfg.Driver
func New(ctx context.Context, cfg config.PersistenceConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN.Reveal())
	default:
		return nil, fmt.Errorf("unknown persistence driver: %s", cfg.Driver)
	}
}
