package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Config selects and configures a store backend.
type Config struct {
	Backend string // file, sqlite, postgres
	Dir     string // directory for file, database path for sqlite
	DSN     string // postgres connection string
	Logger  zerolog.Logger
}

// Open builds the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", fileBackend:
		return NewFileStore(FileConfig{Dir: cfg.Dir, Logger: cfg.Logger})
	case sqliteBackend:
		return NewSQLiteStore(SQLiteConfig{Path: cfg.Dir, Logger: cfg.Logger})
	case postgresBackend:
		return NewPostgresStore(ctx, PostgresConfig{DSN: cfg.DSN, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
