package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/concierge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "concierge.json")

	out, err := execute(t, path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Agent.MaxIterations, cfg.Agent.MaxIterations)

	_, err = execute(t, path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, path, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path := writeTestConfig(t, map[string]interface{}{
		"gateway": map[string]interface{}{"shared_secret": "hunter2"},
	})

	out, err := execute(t, path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"shared_secret": "****"`)
	assert.NotContains(t, out, "hunter2")
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, writeTestConfig(t, nil), "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("invalid schedule", func(t *testing.T) {
		path := writeTestConfig(t, map[string]interface{}{
			"cron": map[string]interface{}{"enabled": true, "sweep_schedule": "whenever"},
		})
		_, err := execute(t, path, "config", "validate")
		require.Error(t, err)
	})

	t.Run("unreadable file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "concierge.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
		_, err := execute(t, path, "config", "validate")
		require.Error(t, err)
	})
}
