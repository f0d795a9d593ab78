package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/concierge/internal/observability"
)

// DefaultKeyPrefix namespaces limiter keys in a shared Redis.
const DefaultKeyPrefix = "concierge:ratelimit"

// checkScript runs reset, check and increment as one server-side step.
// KEYS[1] window hash; ARGV now_ms, window_ms, max.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if start == nil or count == nil or now - start >= window then
  start = now
  count = 0
  redis.call('HSET', KEYS[1], 'start', start, 'count', 0)
  redis.call('PEXPIRE', KEYS[1], window)
end
if count >= max then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
return 1
`)

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	Limits    Config
	Logger    zerolog.Logger
}

// RedisLimiter shares windows across processes through Redis. Windows expire
// on their own, so there is nothing to sweep.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

var (
	_ Limiter    = (*RedisLimiter)(nil)
	_ Reloadable = (*RedisLimiter)(nil)
)

// NewRedisLimiter connects to cfg.URL and verifies the connection.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLimiterWithClient(client, cfg), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisLimiter {
	observability.EnsureRegistered()

	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: cfg.Logger.With().Str("component", "ratelimit").Str("backend", "redis").Logger(),
		cfg:    cfg.Limits.clone(),
	}
}

// CheckAndIncrement applies the fixed-window rule atomically on the server.
// A Redis failure is returned as an error with a Denied decision.
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, sessionID, tool string) (Decision, error) {
	l.mu.RLock()
	limit := l.cfg.LimitFor(tool)
	l.mu.RUnlock()

	if limit.Unlimited() {
		return Allowed, nil
	}

	allowed, err := checkScript.Run(
		ctx,
		l.client,
		[]string{l.key(sessionID, tool)},
		l.now().UnixMilli(),
		limit.Window.Milliseconds(),
		limit.Max,
	).Int()
	if err != nil {
		l.logger.Error().Err(err).Str("session_key", sessionID).Str("tool", tool).Msg("Rate limit check failed")
		return Denied, fmt.Errorf("rate limit check for %s: %w", tool, err)
	}

	if allowed == 0 {
		observability.RecordRateLimitDenied(tool)
		l.logger.Debug().Str("session_key", sessionID).Str("tool", tool).Int("max", limit.Max).Msg("Tool call rate limited")
		return Denied, nil
	}
	return Allowed, nil
}

// UpdateLimits swaps the configuration.
func (l *RedisLimiter) UpdateLimits(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.clone()
	l.mu.Unlock()
	l.logger.Info().Int("tool_overrides", len(cfg.PerTool)).Msg("Rate limits updated")
}

// Close closes the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// key escapes both parts so a ':' inside a session id cannot collide with
// another session's key.
func (l *RedisLimiter) key(sessionID, tool string) string {
	return l.prefix + ":" + url.QueryEscape(sessionID) + ":" + url.QueryEscape(tool)
}
