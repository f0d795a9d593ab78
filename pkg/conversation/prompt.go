package conversation

// ParameterSpec describes one tool parameter offered to the model.
type ParameterSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Parameters enumerates the parameters of a tool. Required lists the names a
// call must supply.
type Parameters struct {
	Required   []string                 `json:"required"`
	Properties map[string]ParameterSpec `json:"properties,omitempty"`
}

// ToolSchema is the model-facing description of a registered tool.
type ToolSchema struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Clone returns a deep copy of the schema.
func (s ToolSchema) Clone() ToolSchema {
	out := s
	if s.Parameters.Required != nil {
		out.Parameters.Required = append([]string{}, s.Parameters.Required...)
	} else {
		out.Parameters.Required = []string{}
	}
	if s.Parameters.Properties != nil {
		out.Parameters.Properties = make(map[string]ParameterSpec, len(s.Parameters.Properties))
		for k, v := range s.Parameters.Properties {
			out.Parameters.Properties[k] = v
		}
	}
	return out
}

// JSONSchema renders the parameters as a JSON Schema object, the shape hosted
// providers expect for function declarations.
func (s ToolSchema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Parameters.Properties))
	for name, spec := range s.Parameters.Properties {
		prop := map[string]interface{}{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		properties[name] = prop
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(s.Parameters.Required) > 0 {
		schema["required"] = append([]string{}, s.Parameters.Required...)
	}
	return schema
}

// Prompt is the immutable input to one model call: the ordered messages and
// the tools currently offered.
type Prompt struct {
	Messages []Message   `json:"messages"`
	Tools    []ToolSchema `json:"tools"`
}

// NewPrompt snapshots messages and tools into a Prompt.
func NewPrompt(messages []Message, tools []ToolSchema) Prompt {
	p := Prompt{Messages: CloneMessages(messages), Tools: make([]ToolSchema, 0, len(tools))}
	if p.Messages == nil {
		p.Messages = []Message{}
	}
	for _, t := range tools {
		p.Tools = append(p.Tools, t.Clone())
	}
	return p
}

// Clone returns a deep copy of the prompt.
func (p Prompt) Clone() Prompt {
	return NewPrompt(p.Messages, p.Tools)
}

// SystemPrompt returns the content of the first system message, if any.
func (p Prompt) SystemPrompt() string {
	for _, m := range p.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// LastUserMessage returns the most recent user message content.
func (p Prompt) LastUserMessage() string {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleUser {
			return p.Messages[i].Content
		}
	}
	return ""
}

// LastMessage returns the final message of the prompt and whether one exists.
func (p Prompt) LastMessage() (Message, bool) {
	if len(p.Messages) == 0 {
		return Message{}, false
	}
	return p.Messages[len(p.Messages)-1], true
}

// EstimateTokens gives a rough token count, about four characters per token.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)
	}
	return (total + 3) / 4
}
