package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".concierge"
	configFileName = "concierge.json"
	envPrefix      = "CONCIERGE"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads defaults, then the config file when present, then CONCIERGE_*
// environment overrides (CONCIERGE_MODEL_API_KEY sets model.api_key).
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()

	// Seeding viper with the defaults makes every key known, which is what
	// lets AutomaticEnv override keys that the file does not mention.
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyPathDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyPathDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, appDir)
	}

	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "concierge.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}

	if c.Memory.Dir == "" {
		switch c.Memory.Backend {
		case "sqlite":
			c.Memory.Dir = filepath.Join(c.DataDir, "sessions.db")
		default:
			c.Memory.Dir = filepath.Join(c.DataDir, "sessions")
		}
	}

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("agent", cfg.Agent)
	v.Set("model", cfg.Model)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("memory", cfg.Memory)
	v.Set("approval", cfg.Approval)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("hooks", cfg.Hooks)
	v.Set("cron", cfg.Cron)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
