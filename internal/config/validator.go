package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// HookEvents lists the run events hooks can bind to.
var HookEvents = []string{"run.final", "run.blocked", "run.error"}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "stub" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateModel requires a model name for hosted providers.
func (v *Validator) ValidateModel(provider, model string) error {
	if provider == "stub" {
		return nil
	}
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty for provider %s", provider)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLimit checks a rate limit entry. A non-positive max means unlimited
// and needs no window.
func (v *Validator) ValidateLimit(name string, limit LimitConfig) error {
	if limit.Max > 0 && limit.Window <= 0 {
		return fmt.Errorf("rate limit %s: window must be positive when max is set", name)
	}
	return nil
}

// ValidateURL checks that raw parses and uses one of the given schemes.
func (v *Validator) ValidateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid url scheme %q (must be one of: %s)", u.Scheme, strings.Join(schemes, ", "))
}

// ValidateSchedule checks a cron spec, including @every descriptors.
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateHookEvent validates a hook event name.
func (v *Validator) ValidateHookEvent(event string) error {
	for _, valid := range HookEvents {
		if event == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid hook event: %s (must be one of: %s)", event, strings.Join(HookEvents, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider); err != nil {
		errors = append(errors, fmt.Errorf("model: %w", err))
	}
	if err := v.ValidateModel(cfg.Model.Provider, cfg.Model.Model); err != nil {
		errors = append(errors, fmt.Errorf("model: %w", err))
	}
	if err := v.ValidateTemperature(cfg.Model.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("model: %w", err))
	}
	if cfg.Model.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Model.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("model: %w", err))
		}
	}
	if cfg.Model.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("model.max_retries must be >= 0"))
	}
	if cfg.Model.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("model.requests_per_minute must be >= 0"))
	}

	if err := v.ValidateLimit("default", cfg.RateLimit.Default); err != nil {
		errors = append(errors, err)
	}
	for tool, limit := range cfg.RateLimit.Tools {
		if err := v.ValidateLimit(tool, limit); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisURL != "" {
		if err := v.ValidateURL(cfg.RateLimit.RedisURL, "redis", "rediss"); err != nil {
			errors = append(errors, fmt.Errorf("rate_limit.redis_url: %w", err))
		}
	}
	if cfg.Memory.Backend == "postgres" && cfg.Memory.DSN != "" {
		if err := v.ValidateURL(cfg.Memory.DSN, "postgres", "postgresql"); err != nil {
			errors = append(errors, fmt.Errorf("memory.dsn: %w", err))
		}
	}
	if cfg.Memory.Retention < 0 {
		errors = append(errors, fmt.Errorf("memory.retention must be >= 0"))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.MaxConcurrentRuns < 0 {
		errors = append(errors, fmt.Errorf("gateway.max_concurrent_runs must be >= 0"))
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHookEvent(strings.TrimSpace(hook.Event)); err != nil {
				errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
		}
	}

	if cfg.Cron.Enabled {
		for _, spec := range []string{cfg.Cron.SweepSchedule, cfg.Cron.RetentionSchedule} {
			if err := v.ValidateSchedule(spec); err != nil {
				errors = append(errors, fmt.Errorf("cron: %w", err))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
