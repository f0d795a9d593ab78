package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main concierge configuration
type Config struct {
	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Language model backend
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Per-tool rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// Session memory store
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Approval of sensitive tools
	Approval ApprovalConfig `json:"approval" mapstructure:"approval"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Lifecycle hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Maintenance jobs
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig bounds the orchestrator loop
type AgentConfig struct {
	MaxIterations      int              `json:"max_iterations" mapstructure:"max_iterations"`
	RunTimeout         time.Duration    `json:"run_timeout" mapstructure:"run_timeout"`
	ToolTimeout        time.Duration    `json:"tool_timeout" mapstructure:"tool_timeout"`
	SaveTimeout        time.Duration    `json:"save_timeout" mapstructure:"save_timeout"`
	SystemPrompt       string           `json:"system_prompt" mapstructure:"system_prompt"`
	// Zero takes the default; negative disables recall.
	MemoryContextLimit int              `json:"memory_context_limit" mapstructure:"memory_context_limit"`
	// Zero takes the default; negative sends the whole transcript.
	HistoryWindow      int              `json:"history_window" mapstructure:"history_window"`
	Tools              ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ModelConfig selects and tunes the language model client
type ModelConfig struct {
	Provider          string        `json:"provider" mapstructure:"provider"` // stub, anthropic, openai, gemini
	Model             string        `json:"model" mapstructure:"model"`
	APIKey            string        `json:"api_key" mapstructure:"api_key"`
	BaseURL           string        `json:"base_url" mapstructure:"base_url"`
	Temperature       float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens         int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	StubRulesPath     string        `json:"stub_rules_path" mapstructure:"stub_rules_path"`
}

// LimitConfig is a max-calls-per-window pair. Max <= 0 disables the limit.
type LimitConfig struct {
	Max    int           `json:"max" mapstructure:"max"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

// RateLimitConfig holds tool rate limit settings
type RateLimitConfig struct {
	Backend   string                 `json:"backend" mapstructure:"backend"` // memory, redis
	RedisURL  string                 `json:"redis_url" mapstructure:"redis_url"`
	KeyPrefix string                 `json:"key_prefix" mapstructure:"key_prefix"`
	Default   LimitConfig            `json:"default" mapstructure:"default"`
	Tools     map[string]LimitConfig `json:"tools" mapstructure:"tools"`
}

// MemoryConfig selects the session store backend
type MemoryConfig struct {
	Backend   string        `json:"backend" mapstructure:"backend"` // file, sqlite, postgres
	Dir       string        `json:"dir" mapstructure:"dir"`
	DSN       string        `json:"dsn" mapstructure:"dsn"`
	Retention time.Duration `json:"retention" mapstructure:"retention"` // 0 keeps sessions forever
}

// ApprovalConfig controls how approval-gated tools are released
type ApprovalConfig struct {
	Mode  string   `json:"mode" mapstructure:"mode"`   // deny, grants
	Tools []string `json:"tools" mapstructure:"tools"` // extra tools that require approval
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// HooksConfig holds lifecycle hook settings
type HooksConfig struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Entries []HookEntry   `json:"entries" mapstructure:"entries"`
}

// HookEntry binds a shell script to a run event
type HookEntry struct {
	ID      string `json:"id" mapstructure:"id"`
	Event   string `json:"event" mapstructure:"event"` // run.final, run.blocked, run.error
	Script  string `json:"script" mapstructure:"script"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// CronConfig schedules maintenance jobs
type CronConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	SweepSchedule     string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	RetentionSchedule string `json:"retention_schedule" mapstructure:"retention_schedule"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations:      6,
			RunTimeout:         2 * time.Minute,
			ToolTimeout:        30 * time.Second,
			SaveTimeout:        10 * time.Second,
			SystemPrompt:       "You are a travel concierge. Use the available tools when they help answer the goal, then reply with a concise final answer.",
			MemoryContextLimit: 3,
			HistoryWindow:      40,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Model: ModelConfig{
			Provider:          "stub",
			Temperature:       0.2,
			MaxTokens:         1024,
			MaxRetries:        2,
			RequestsPerMinute: 60,
			Timeout:           60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:   "memory",
			KeyPrefix: "concierge:ratelimit",
			Default: LimitConfig{
				Max:    10,
				Window: time.Minute,
			},
			Tools: map[string]LimitConfig{},
		},
		Memory: MemoryConfig{
			Backend: "file",
		},
		Approval: ApprovalConfig{
			Mode:  "grants",
			Tools: []string{},
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			MaxConcurrentRuns: 8,
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Hooks: HooksConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
			Entries: []HookEntry{},
		},
		Cron: CronConfig{
			Enabled:           true,
			SweepSchedule:     "@every 1m",
			RetentionSchedule: "@every 1h",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Model.APIKey = mask(c.Model.APIKey)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	masked.Memory.DSN = mask(c.Memory.DSN)
	masked.RateLimit.RedisURL = mask(c.RateLimit.RedisURL)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// LimitFor returns the configured limit for a tool, falling back to the default.
func (r RateLimitConfig) LimitFor(tool string) LimitConfig {
	if l, ok := r.Tools[tool]; ok {
		return l
	}
	return r.Default
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.RunTimeout <= 0 {
		return fmt.Errorf("agent.run_timeout must be positive")
	}
	if c.Agent.ToolTimeout <= 0 {
		return fmt.Errorf("agent.tool_timeout must be positive")
	}

	switch c.Model.Provider {
	case "stub":
	case "anthropic", "openai", "gemini":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required for provider %s", c.Model.Provider)
		}
	default:
		return fmt.Errorf("invalid model provider %q (must be: stub, anthropic, openai, gemini)", c.Model.Provider)
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid rate limit backend %q (must be: memory, redis)", c.RateLimit.Backend)
	}

	switch c.Memory.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Memory.DSN == "" {
			return fmt.Errorf("memory.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid memory backend %q (must be: file, sqlite, postgres)", c.Memory.Backend)
	}

	if c.Approval.Mode != "deny" && c.Approval.Mode != "grants" {
		return fmt.Errorf("invalid approval mode %q (must be: deny, grants)", c.Approval.Mode)
	}

	return nil
}
