package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a hook without its own timeout.
const DefaultTimeout = 10 * time.Second

// Events a hook may subscribe to.
var Events = []string{orchestrator.EventRunFinal, orchestrator.EventRunBlocked, orchestrator.EventRunError}

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	// Timeout applies to hooks that do not set their own.
	Timeout time.Duration
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for run events. The event payload is
// written to the script's stdin as JSON; its top-level scalar fields are
// also exported as CONCIERGE_HOOK_DATA_<FIELD>.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

var _ orchestrator.Hooks = (*Manager)(nil)

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !knownEvent(event) {
			return nil, fmt.Errorf("unknown hook event %q (must be one of: %s)", event, strings.Join(Events, ", "))
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = timeout
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

func knownEvent(event string) bool {
	for _, e := range Events {
		if e == event {
			return true
		}
	}
	return false
}

// Fire runs the hooks of event with payload and logs failures. It
// implements orchestrator.Hooks.
func (m *Manager) Fire(ctx context.Context, event string, payload interface{}) {
	if err := m.Trigger(ctx, event, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
	}
}

// Trigger executes hooks registered for an event and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, payload interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode hook payload: %w", err)
	}
	data := scalarFields(body)

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, body, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, body []byte, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)
	cmd.Stdin = bytes.NewReader(body)

	started := time.Now()
	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Dur("duration", time.Since(started)).
		Str("output", outputText).
		Msg("Hook executed")

	return nil
}

// scalarFields returns the top-level string, number and bool fields of a
// JSON object.
func scalarFields(body []byte) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		switch v.(type) {
		case string, float64, bool:
			out[k] = v
		}
	}
	return out
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "CONCIERGE_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "CONCIERGE_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
