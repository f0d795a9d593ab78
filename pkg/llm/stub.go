package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/yaml.v3"

	"github.com/harun/concierge/pkg/conversation"
)

const (
	ProviderStub      = "stub"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// DefaultReply is the canned answer when no rule matches.
const DefaultReply = "Hello! I'm your travel concierge. Tell me where you want to go and I'll look for flights."

// outputPlaceholder in a rule's respond text is replaced by the last tool output.
const outputPlaceholder = "{{output}}"

// RuleCall is the tool call a rule asks for.
type RuleCall struct {
	Tool      string                 `yaml:"tool" json:"tool"`
	Arguments map[string]interface{} `yaml:"arguments" json:"arguments"`
}

// Rule maps a goal pattern to a reply. Match is a case-insensitive substring
// of the latest user message; alternatives are separated by "|" and "*"
// matches anything. A rule without AfterTool applies when the model is
// answering the user; with AfterTool it applies right after that tool's
// result ("*" for any tool).
type Rule struct {
	Match     string    `yaml:"match" json:"match"`
	AfterTool string    `yaml:"after_tool,omitempty" json:"after_tool,omitempty"`
	Respond   string    `yaml:"respond,omitempty" json:"respond,omitempty"`
	Call      *RuleCall `yaml:"call,omitempty" json:"call,omitempty"`
}

// Rules is a stub rule set. Rules are tried in order.
type Rules struct {
	Default string `yaml:"default" json:"default"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Validate checks that every rule has a pattern and exactly one reply.
func (r Rules) Validate() error {
	for i, rule := range r.Rules {
		if strings.TrimSpace(rule.Match) == "" {
			return fmt.Errorf("rule %d: match is required", i)
		}
		hasCall := rule.Call != nil
		if hasCall == (rule.Respond != "") {
			return fmt.Errorf("rule %d: exactly one of respond or call is required", i)
		}
		if hasCall && rule.Call.Tool == "" {
			return fmt.Errorf("rule %d: call.tool is required", i)
		}
	}
	return nil
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read stub rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse stub rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("invalid stub rules: %w", err)
	}
	return rules, nil
}

// DefaultRules is the built-in travel demo: calendar checks, flight search
// and an approval-gated booking.
func DefaultRules() Rules {
	return Rules{
		Default: DefaultReply,
		Rules: []Rule{
			{
				Match: "calendar|free|available",
				Call: &RuleCall{Tool: "calendar_lookup", Arguments: map[string]interface{}{
					"start_date": "2026-02-23",
					"end_date":   "2026-03-01",
				}},
			},
			{Match: "*", AfterTool: "calendar_lookup", Respond: "Here is when you are free: " + outputPlaceholder},
			{
				Match: "book|reserve",
				Call: &RuleCall{Tool: "book_flight", Arguments: map[string]interface{}{
					"option_id": "PL-102",
				}},
			},
			{Match: "*", AfterTool: "book_flight", Respond: "Your flight is booked: " + outputPlaceholder},
			{
				Match: "flight|fly|trip",
				Call: &RuleCall{Tool: "flight_search", Arguments: map[string]interface{}{
					"origin":        "SFO",
					"destination":   "JFK",
					"depart_date":   "2026-02-24",
					"return_date":   "2026-02-27",
					"max_price_usd": 500,
				}},
			},
			{Match: "*", AfterTool: "flight_search", Respond: "I found these flights: " + outputPlaceholder + ". Say \"book\" to book the cheapest one."},
			{Match: "*", AfterTool: "*", Respond: "Done. " + outputPlaceholder},
		},
	}
}

// Stub is a deterministic rule-based client.
type Stub struct {
	rules Rules
}

var _ Client = (*Stub)(nil)

// NewStub returns a stub over rules. An empty default falls back to DefaultReply.
func NewStub(rules Rules) *Stub {
	if rules.Default == "" {
		rules.Default = DefaultReply
	}
	return &Stub{rules: rules}
}

// Name implements Client.
func (s *Stub) Name() string { return ProviderStub }

// Complete implements Client.
func (s *Stub) Complete(ctx context.Context, prompt conversation.Prompt) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	goal := strings.ToLower(prompt.LastUserMessage())
	last, _ := prompt.LastMessage()
	afterTool := ""
	if last.Role == conversation.RoleTool {
		afterTool = last.ToolName
	}

	for _, rule := range s.rules.Rules {
		if !matchesGoal(rule.Match, goal) || !matchesTool(rule.AfterTool, afterTool) {
			continue
		}
		if rule.Call != nil {
			id, err := gonanoid.New()
			if err != nil {
				return Response{}, fmt.Errorf("failed to generate tool call id: %w", err)
			}
			resp := ToolCallResponse(rule.Call.Tool, rule.Call.Arguments)
			resp.ToolCall.ID = "call_" + id
			return resp, nil
		}
		return TextResponse(strings.ReplaceAll(rule.Respond, outputPlaceholder, last.Content)), nil
	}

	return TextResponse(s.rules.Default), nil
}

func matchesGoal(pattern, goal string) bool {
	for _, alt := range strings.Split(pattern, "|") {
		alt = strings.ToLower(strings.TrimSpace(alt))
		if alt == "*" || (alt != "" && strings.Contains(goal, alt)) {
			return true
		}
	}
	return false
}

func matchesTool(want, got string) bool {
	if want == "" {
		return got == ""
	}
	return got != "" && (want == "*" || want == got)
}

// ErrScriptExhausted is returned when a Scripted client runs out of turns.
var ErrScriptExhausted = errors.New("scripted model has no more turns")

// Turn is one scripted model reply or failure.
type Turn struct {
	Response Response
	Err      error
}

// Reply scripts a response.
func Reply(r Response) Turn { return Turn{Response: r} }

// Fail scripts a failure.
func Fail(err error) Turn { return Turn{Err: err} }

// Scripted replays a fixed sequence of turns and records every prompt it
// receives. With Repeat set the last turn is replayed forever.
type Scripted struct {
	Repeat bool

	mu      sync.Mutex
	turns   []Turn
	next    int
	prompts []conversation.Prompt
}

var _ Client = (*Scripted)(nil)

// NewScripted returns a client that replays turns in order.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Name implements Client.
func (s *Scripted) Name() string { return "scripted" }

// Complete implements Client.
func (s *Scripted) Complete(ctx context.Context, prompt conversation.Prompt) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt.Clone())
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	var turn Turn
	switch {
	case s.next < len(s.turns):
		turn = s.turns[s.next]
		s.next++
	case s.Repeat && len(s.turns) > 0:
		turn = s.turns[len(s.turns)-1]
	default:
		return Response{}, ErrScriptExhausted
	}

	if turn.Err != nil {
		return Response{}, turn.Err
	}
	return turn.Response.Clone(), nil
}

// Prompts returns copies of the prompts received so far.
func (s *Scripted) Prompts() []conversation.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]conversation.Prompt, len(s.prompts))
	for i, p := range s.prompts {
		out[i] = p.Clone()
	}
	return out
}

// Calls returns how many prompts were received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}
