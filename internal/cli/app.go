package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/internal/logger"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/coretools"
	"github.com/harun/concierge/pkg/hooks"
	"github.com/harun/concierge/pkg/llm"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// runtime is the wired object graph behind run and serve.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	logger   zerolog.Logger
	store    session.Store
	limiter  ratelimit.Limiter
	registry *toolexecutor.Registry
	client   llm.Client
	hooks    *hooks.Manager
	orch     *orchestrator.Orchestrator
}

// newLogger builds the process logger. Console output goes to stderr so
// stdout stays machine readable.
func newLogger(cfg *config.Config, console io.Writer) (*logger.Logger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Secrets:   []string{cfg.Model.APIKey, cfg.Gateway.SharedSecret, cfg.Memory.DSN, cfg.RateLimit.RedisURL},
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    console,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		_ = log.Close()
		return nil, err
	}
	return log, nil
}

// openStore opens the configured session store.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	store, err := session.Open(ctx, session.Config{
		Backend: cfg.Memory.Backend,
		Dir:     cfg.Memory.Dir,
		DSN:     cfg.Memory.DSN,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// limitsFromConfig layers configured limits over the built-in tool limits.
func limitsFromConfig(rl config.RateLimitConfig) ratelimit.Config {
	limits := ratelimit.Config{
		Default: ratelimit.Limit{Max: rl.Default.Max, Window: rl.Default.Window},
		PerTool: coretools.RateLimits(),
	}
	for tool, l := range rl.Tools {
		limits.PerTool[tool] = ratelimit.Limit{Max: l.Max, Window: l.Window}
	}
	return limits
}

func hookEntries(entries []config.HookEntry) []hooks.Hook {
	out := make([]hooks.Hook, 0, len(entries))
	for _, e := range entries {
		out = append(out, hooks.Hook{ID: e.ID, Event: e.Event, Script: e.Script, Enabled: e.Enabled})
	}
	return out
}

// newStoreRuntime opens only the logger and session store, for commands
// that inspect or edit sessions without running the agent.
func newStoreRuntime(ctx context.Context, cfg *config.Config, console io.Writer) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if rt.log, err = newLogger(cfg, console); err != nil {
		return nil, err
	}
	rt.logger = rt.log.GetZerolog()
	observability.EnsureRegistered()

	if rt.store, err = openStore(ctx, cfg, rt.logger); err != nil {
		return nil, err
	}
	return rt, nil
}

// lister returns the store as a session.Lister when the backend supports it.
func (rt *runtime) lister() (session.Lister, error) {
	lister, ok := rt.store.(session.Lister)
	if !ok {
		return nil, fmt.Errorf("session backend %q cannot list sessions", rt.cfg.Memory.Backend)
	}
	return lister, nil
}

// newRuntime wires the orchestrator and its collaborators from cfg.
func newRuntime(ctx context.Context, cfg *config.Config, console io.Writer) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if rt.log, err = newLogger(cfg, console); err != nil {
		return nil, err
	}
	rt.logger = rt.log.GetZerolog()
	observability.EnsureRegistered()

	if rt.store, err = openStore(ctx, cfg, rt.logger); err != nil {
		return nil, err
	}

	rt.limiter, err = ratelimit.Open(ctx, ratelimit.OpenConfig{
		Backend:   cfg.RateLimit.Backend,
		RedisURL:  cfg.RateLimit.RedisURL,
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		Limits:    limitsFromConfig(cfg.RateLimit),
		Logger:    rt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limiter: %w", err)
	}

	gate, err := toolexecutor.NewApprovalGate(cfg.Approval.Mode)
	if err != nil {
		return nil, err
	}
	policy := &toolexecutor.ToolPolicy{Allow: cfg.Agent.Tools.Allow, Deny: cfg.Agent.Tools.Deny}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool policy: %w", err)
	}
	rt.registry = toolexecutor.New(toolexecutor.Options{
		Policy:        policy,
		Gate:          gate,
		ApprovalTools: cfg.Approval.Tools,
		Logger:        rt.logger,
	})
	if err := coretools.Register(rt.registry); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	rt.client, err = llm.New(ctx, llm.Config{
		Provider:          cfg.Model.Provider,
		Model:             cfg.Model.Model,
		APIKey:            cfg.Model.APIKey,
		BaseURL:           cfg.Model.BaseURL,
		Temperature:       cfg.Model.Temperature,
		MaxTokens:         cfg.Model.MaxTokens,
		MaxRetries:        cfg.Model.MaxRetries,
		RequestsPerMinute: cfg.Model.RequestsPerMinute,
		Timeout:           cfg.Model.Timeout,
		StubRulesPath:     cfg.Model.StubRulesPath,
		Logger:            rt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	rt.hooks, err = hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Timeout: cfg.Hooks.Timeout,
		Hooks:   hookEntries(cfg.Hooks.Entries),
		Logger:  rt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure hooks: %w", err)
	}

	rt.orch, err = orchestrator.New(orchestrator.Config{
		MaxIterations:      cfg.Agent.MaxIterations,
		RunTimeout:         cfg.Agent.RunTimeout,
		ToolTimeout:        cfg.Agent.ToolTimeout,
		SaveTimeout:        cfg.Agent.SaveTimeout,
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MemoryContextLimit: cfg.Agent.MemoryContextLimit,
		HistoryWindow:      cfg.Agent.HistoryWindow,
	}, orchestrator.Dependencies{
		Store:    rt.store,
		Limiter:  rt.limiter,
		Registry: rt.registry,
		Client:   rt.client,
		Logger:   rt.logger,
		Hooks:    rt.hooks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return rt, nil
}

// reloadConfig applies the tool policy and rate limits of a reloaded config
// to the live registry and limiter.
func (rt *runtime) reloadConfig(cfg *config.Config) {
	policy := &toolexecutor.ToolPolicy{Allow: cfg.Agent.Tools.Allow, Deny: cfg.Agent.Tools.Deny}
	if err := policy.Validate(); err != nil {
		rt.logger.Warn().Err(err).Msg("Reloaded tool policy is invalid; keeping the current one")
	} else {
		rt.registry.SetPolicy(policy)
		rt.logger.Info().
			Int("allow", len(cfg.Agent.Tools.Allow)).
			Int("deny", len(cfg.Agent.Tools.Deny)).
			Msg("Tool policy reloaded")
	}

	reloadable, ok := rt.limiter.(ratelimit.Reloadable)
	if !ok {
		rt.logger.Warn().Msg("Rate limiter does not support reload; restart to apply new limits")
		return
	}
	reloadable.UpdateLimits(limitsFromConfig(cfg.RateLimit))
	observability.RecordConfigAudit(context.Background(), "rate_limit.reload", "watcher", map[string]interface{}{
		"tools": len(cfg.RateLimit.Tools),
	})
	rt.logger.Info().Int("tools", len(cfg.RateLimit.Tools)).Msg("Rate limits reloaded")
}

// Close releases the store, limiter and log files.
func (rt *runtime) Close() error {
	var errs []error
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if closer, ok := rt.limiter.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	audit := observability.GetAuditLogger()
	observability.SetAuditLogger(nil)
	errs = append(errs, audit.Close())
	if rt.log != nil {
		errs = append(errs, rt.log.Close())
	}
	return errors.Join(errs...)
}
