package ratelimit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// OpenConfig selects and configures a limiter backend.
type OpenConfig struct {
	Backend   string // memory (default) or redis
	RedisURL  string
	KeyPrefix string
	Limits    Config
	Logger    zerolog.Logger
}

// Open builds the limiter for cfg.Backend.
func Open(ctx context.Context, cfg OpenConfig) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(cfg.Limits, WithLogger(cfg.Logger)), nil
	case "redis":
		return NewRedisLimiter(ctx, RedisConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.KeyPrefix,
			Limits:    cfg.Limits,
			Logger:    cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
