package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 6, cfg.Agent.MaxIterations)
	assert.Equal(t, 2*time.Minute, cfg.Agent.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Agent.ToolTimeout)
	assert.Equal(t, 3, cfg.Agent.MemoryContextLimit)
	assert.Equal(t, "stub", cfg.Model.Provider)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, LimitConfig{Max: 10, Window: time.Minute}, cfg.RateLimit.Default)
	assert.Equal(t, "file", cfg.Memory.Backend)
	assert.Equal(t, "grants", cfg.Approval.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero iterations",
			mutate:  func(c *Config) { c.Agent.MaxIterations = 0 },
			wantErr: "max_iterations",
		},
		{
			name:    "zero run timeout",
			mutate:  func(c *Config) { c.Agent.RunTimeout = 0 },
			wantErr: "run_timeout",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Model.Provider = "llama" },
			wantErr: "invalid model provider",
		},
		{
			name:    "hosted provider without key",
			mutate:  func(c *Config) { c.Model.Provider = "anthropic" },
			wantErr: "api_key is required",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.RateLimit.Backend = "redis" },
			wantErr: "redis_url",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Memory.Backend = "postgres" },
			wantErr: "memory.dsn",
		},
		{
			name:    "unknown approval mode",
			mutate:  func(c *Config) { c.Approval.Mode = "maybe" },
			wantErr: "approval mode",
		},
		{
			name: "hosted provider with key",
			mutate: func(c *Config) {
				c.Model.Provider = "gemini"
				c.Model.APIKey = "AIza-test"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLimitFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Tools["flight_search"] = LimitConfig{Max: 1, Window: time.Hour}

	assert.Equal(t, 1, cfg.RateLimit.LimitFor("flight_search").Max)
	assert.Equal(t, 10, cfg.RateLimit.LimitFor("calendar_lookup").Max)
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-ant-secret"
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()
	assert.False(t, strings.Contains(out, "sk-ant-secret"))
	assert.False(t, strings.Contains(out, "hunter2"))
	assert.Contains(t, out, "****")
	assert.Equal(t, "sk-ant-secret", cfg.Model.APIKey)
}
