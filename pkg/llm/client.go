package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/concierge/pkg/conversation"
)

// Kind tags a model response.
type Kind string

const (
	KindText     Kind = "text"
	KindToolCall Kind = "tool_call"
)

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the raw outcome of one model call.
type Response struct {
	Kind     Kind                   `json:"kind"`
	Content  string                 `json:"content,omitempty"`
	ToolCall *conversation.ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage                 `json:"usage,omitempty"`
}

// TextResponse builds a text response.
func TextResponse(content string) Response {
	return Response{Kind: KindText, Content: content}
}

// ToolCallResponse builds a tool call response.
func ToolCallResponse(name string, args map[string]interface{}) Response {
	return Response{
		Kind:     KindToolCall,
		ToolCall: &conversation.ToolCall{Name: name, Arguments: conversation.CloneArguments(args)},
	}
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	r.ToolCall = r.ToolCall.Clone()
	if r.Usage != nil {
		u := *r.Usage
		r.Usage = &u
	}
	return r
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, prompt conversation.Prompt) (Response, error)
	Name() string
}

// ProviderError is a model backend failure: network, auth, quota or a
// response that could not be read.
type ProviderError struct {
	Provider   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (status %d, %d attempts): %v", e.Provider, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s provider error (%d attempts): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Config selects and configures a client.
type Config struct {
	Provider          string // stub, anthropic, openai, gemini
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float64
	MaxTokens         int
	MaxRetries        int
	RequestsPerMinute int
	Timeout           time.Duration
	StubRulesPath     string
	Logger            zerolog.Logger
}

// New builds the client for cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", ProviderStub:
		if cfg.StubRulesPath != "" {
			rules, err := LoadRules(cfg.StubRulesPath)
			if err != nil {
				return nil, err
			}
			return NewStub(rules), nil
		}
		return NewStub(DefaultRules()), nil
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		return NewHosted(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// MarshalJSON keeps the arguments of a tool call present even when empty.
func (r Response) MarshalJSON() ([]byte, error) {
	type alias Response
	a := alias(r)
	if a.ToolCall != nil && a.ToolCall.Arguments == nil {
		tc := *a.ToolCall
		tc.Arguments = map[string]interface{}{}
		a.ToolCall = &tc
	}
	return json.Marshal(a)
}
