package cli

import (
	"encoding/json"
	"testing"

	"github.com/harun/concierge/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsCommands(t *testing.T) {
	path := writeTestConfig(t, nil)

	_, err := execute(t, path, "run", "--session", "alpha", "find a flight")
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		out, err := execute(t, path, "sessions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "ID")
		assert.Contains(t, out, "alpha")
	})

	t.Run("show", func(t *testing.T) {
		out, err := execute(t, path, "sessions", "show", "alpha")
		require.NoError(t, err)

		var sess session.Session
		require.NoError(t, json.Unmarshal([]byte(out), &sess))
		assert.Equal(t, "alpha", sess.ID)
		assert.NotEmpty(t, sess.Transcript)
	})

	t.Run("show unknown", func(t *testing.T) {
		_, err := execute(t, path, "sessions", "show", "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("show invalid id", func(t *testing.T) {
		_, err := execute(t, path, "sessions", "show", "../etc")
		require.Error(t, err)
	})

	t.Run("prune needs a retention", func(t *testing.T) {
		_, err := execute(t, path, "sessions", "prune")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--older-than")
	})

	t.Run("prune keeps recent sessions", func(t *testing.T) {
		out, err := execute(t, path, "sessions", "prune", "--older-than", "24h")
		require.NoError(t, err)
		assert.Contains(t, out, "Pruned 0 session(s)")
	})

	t.Run("prune removes idle sessions", func(t *testing.T) {
		out, err := execute(t, path, "sessions", "prune", "--older-than", "1ns")
		require.NoError(t, err)
		assert.Contains(t, out, "Pruned 1 session(s)")

		out, err = execute(t, path, "sessions", "list")
		require.NoError(t, err)
		assert.NotContains(t, out, "alpha")
	})
}

func TestSessionsPruneUsesConfiguredRetention(t *testing.T) {
	path := writeTestConfig(t, map[string]interface{}{
		"memory": map[string]interface{}{"backend": "file", "retention": "1ns"},
	})

	_, err := execute(t, path, "run", "--session", "old", "hello")
	require.NoError(t, err)

	out, err := execute(t, path, "sessions", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 session(s)")
}
