package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/concierge/pkg/conversation"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/toolexecutor"
)

const (
	memoryHeading   = "# Relevant context from memory"
	sessionHeading  = "# Session memory"
	maxRecallLength = 300
)

// recall searches the stored transcript for messages relevant to the goal.
// It runs once per run, before the goal is appended.
func (r *run) recall() {
	limit := r.o.cfg.MemoryContextLimit
	if limit <= 0 || len(r.sess.Transcript) == 0 {
		return
	}
	searcher, ok := r.o.store.(session.Searcher)
	if !ok {
		return
	}
	hits, err := searcher.Search(r.ctx, r.sessionID, r.goal, limit+max(r.o.cfg.HistoryWindow, 0))
	if err != nil {
		r.logger.Warn().Err(err).Msg("Memory search failed")
		return
	}
	r.recalled = hits
}

// windowStart returns the index of the first transcript message sent to the
// model. A window never starts on a tool message, whose call would be cut off.
func (r *run) windowStart() int {
	transcript := r.sess.Transcript
	window := r.o.cfg.HistoryWindow
	if window <= 0 || len(transcript) <= window {
		return 0
	}
	start := len(transcript) - window
	for start < len(transcript)-1 && transcript[start].Role == conversation.RoleTool {
		start++
	}
	return start
}

// buildPrompt snapshots the system prompt, the transcript window and the
// offered tools.
func (r *run) buildPrompt() conversation.Prompt {
	start := r.windowStart()

	var sb strings.Builder
	sb.WriteString(r.o.cfg.SystemPrompt)
	if section := r.recalledSection(start); section != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(section)
	}
	if section := sessionMemorySection(r.sess.Memory); section != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(section)
	}

	messages := make([]conversation.Message, 0, len(r.sess.Transcript)-start+1)
	if sb.Len() > 0 {
		messages = append(messages, conversation.Message{
			Role:      conversation.RoleSystem,
			Content:   sb.String(),
			Timestamp: r.o.now(),
		})
	}
	messages = append(messages, r.sess.Transcript[start:]...)

	return conversation.NewPrompt(messages, r.o.registry.Schemas())
}

// recalledSection renders recalled hits that fall outside the prompt window.
func (r *run) recalledSection(windowStart int) string {
	var lines []string
	for _, hit := range r.recalled {
		if hit.Seq >= windowStart {
			continue
		}
		content := hit.Content
		if len(content) > maxRecallLength {
			content = conversation.Truncate(content, maxRecallLength) + "..."
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", hit.Role, content))
		if len(lines) == r.o.cfg.MemoryContextLimit {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return memoryHeading + "\n" + strings.Join(lines, "\n")
}

// sessionMemorySection renders the key/value memory, sorted by key.
// Approval grants are bookkeeping and stay out of the prompt.
func sessionMemorySection(memory map[string]interface{}) string {
	keys := make([]string, 0, len(memory))
	for k := range memory {
		if strings.HasPrefix(k, toolexecutor.GrantKeyPrefix) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, renderValue(memory[k])))
	}
	return sessionHeading + "\n" + strings.Join(lines, "\n")
}

func renderValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
