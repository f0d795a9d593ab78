package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file whose data directory lives under a
// temp dir and returns its path. overrides are merged over the base keys.
func writeTestConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()

	dir := t.TempDir()
	cfg := map[string]interface{}{
		"data_dir": filepath.Join(dir, "data"),
		"logging": map[string]interface{}{
			"level":  "error",
			"pretty": false,
		},
		"cron": map[string]interface{}{
			"enabled": false,
		},
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "concierge.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// execute runs the command tree against cfgPath and returns stdout.
func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	if cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), err
}
