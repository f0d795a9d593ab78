package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "concierge version")
		assert.Contains(t, out, version)
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Concierge")
		assert.Contains(t, out, "agent loop")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := NewRootCmd()

		// Check config flag exists
		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		// Check log-level flag exists
		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range NewRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"run", "serve", "sessions", "approve", "config", "status", "stop"} {
			assert.True(t, names[want], "missing %s command", want)
		}
	})
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	path := writeTestConfig(t, nil)

	_, err := execute(t, path, "--log-level", "verbose", "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	out, err := execute(t, path, "--log-level", "debug", "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}
