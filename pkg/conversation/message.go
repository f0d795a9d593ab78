package conversation

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Role tags the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a structured request from the model to invoke a tool.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Clone returns a copy of the call with its own arguments map.
func (tc *ToolCall) Clone() *ToolCall {
	if tc == nil {
		return nil
	}
	out := *tc
	out.Arguments = CloneArguments(tc.Arguments)
	return &out
}

// Message is one role-tagged entry of a session transcript.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Content == "" && m.ToolCall == nil {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.ToolCall = m.ToolCall.Clone()
	return m
}

// CloneMessages deep copies a transcript.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, msg := range in {
		out[i] = msg.Clone()
	}
	return out
}

// CloneArguments copies an argument map. Nested maps and slices are copied
// recursively so a snapshot never observes later mutation.
func CloneArguments(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneArguments(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// NewUserMessage builds a user message stamped with the current UTC time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant text message stamped with the current UTC time.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// NewToolCallMessage records that the assistant asked for a tool.
func NewToolCallMessage(call ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   fmt.Sprintf("calling tool %s", call.Name),
		ToolCall:  call.Clone(),
		Timestamp: time.Now().UTC(),
	}
}

// NewToolMessage builds a tool message carrying a result or failure note.
func NewToolMessage(toolName, callID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolName:   toolName,
		ToolCallID: callID,
		Timestamp:  time.Now().UTC(),
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
