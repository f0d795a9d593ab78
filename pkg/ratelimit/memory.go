package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/concierge/internal/observability"
)

type key struct {
	session string
	tool    string
}

// State is the window of one (session, tool) pair.
type State struct {
	WindowStart time.Time
	Count       int
}

// MemoryLimiter keeps every window in process memory behind a single mutex.
type MemoryLimiter struct {
	mu     sync.Mutex
	cfg    Config
	states map[key]*State
	now    func() time.Time
	logger zerolog.Logger
}

var (
	_ Limiter    = (*MemoryLimiter)(nil)
	_ Reloadable = (*MemoryLimiter)(nil)
	_ Sweeper    = (*MemoryLimiter)(nil)
)

// Option customizes a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

// WithLogger sets the limiter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *MemoryLimiter) {
		l.logger = logger.With().Str("component", "ratelimit").Str("backend", "memory").Logger()
	}
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config, opts ...Option) *MemoryLimiter {
	observability.EnsureRegistered()

	l := &MemoryLimiter{
		cfg:    cfg.clone(),
		states: make(map[key]*State),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement applies the fixed-window rule for (sessionID, tool).
func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, sessionID, tool string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.LimitFor(tool)
	if limit.Unlimited() {
		return Allowed, nil
	}

	now := l.now()
	k := key{session: sessionID, tool: tool}
	st, ok := l.states[k]
	if !ok {
		st = &State{WindowStart: now}
		l.states[k] = st
	}
	if now.Sub(st.WindowStart) >= limit.Window {
		st.WindowStart = now
		st.Count = 0
	}

	if st.Count >= limit.Max {
		observability.RecordRateLimitDenied(tool)
		l.logger.Debug().
			Str("session_key", sessionID).
			Str("tool", tool).
			Int("count", st.Count).
			Int("max", limit.Max).
			Msg("Tool call rate limited")
		return Denied, nil
	}
	st.Count++
	return Allowed, nil
}

// Snapshot returns a copy of the window for (sessionID, tool).
func (l *MemoryLimiter) Snapshot(sessionID, tool string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[key{session: sessionID, tool: tool}]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// UpdateLimits swaps the configuration. Existing windows keep their counts
// and are judged against the new limits from the next check on.
func (l *MemoryLimiter) UpdateLimits(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cfg = cfg.clone()
	l.logger.Info().Int("tool_overrides", len(cfg.PerTool)).Msg("Rate limits updated")
}

// Sweep drops windows that have elapsed and returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, st := range l.states {
		limit := l.cfg.LimitFor(k.tool)
		if limit.Unlimited() || now.Sub(st.WindowStart) >= limit.Window {
			delete(l.states, k)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.states)).Msg("Swept rate limit windows")
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
