package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by callers that surface a Denied decision as an error.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of a limiter check.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Limit is the number of calls allowed per window. Max <= 0 means unlimited.
type Limit struct {
	Max    int           `json:"max" yaml:"max"`
	Window time.Duration `json:"window" yaml:"window"`
}

// Unlimited reports whether the limit never denies.
func (l Limit) Unlimited() bool {
	return l.Max <= 0 || l.Window <= 0
}

// Config holds the default limit and per-tool overrides.
type Config struct {
	Default Limit
	PerTool map[string]Limit
}

// DefaultConfig allows ten calls per tool per minute.
func DefaultConfig() Config {
	return Config{
		Default: Limit{Max: 10, Window: time.Minute},
		PerTool: map[string]Limit{},
	}
}

// LimitFor returns the override for tool or the default.
func (c Config) LimitFor(tool string) Limit {
	if l, ok := c.PerTool[tool]; ok {
		return l
	}
	return c.Default
}

func (c Config) clone() Config {
	out := Config{Default: c.Default, PerTool: make(map[string]Limit, len(c.PerTool))}
	for k, v := range c.PerTool {
		out.PerTool[k] = v
	}
	return out
}

// Limiter decides whether a session may call a tool now, counting the call
// when it is allowed.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, sessionID, tool string) (Decision, error)
}

// Reloadable limiters accept new limits at runtime.
type Reloadable interface {
	UpdateLimits(cfg Config)
}

// Sweeper limiters can drop expired windows.
type Sweeper interface {
	Sweep() int
}
