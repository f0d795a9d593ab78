package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/harun/concierge/pkg/conversation"
	"github.com/harun/concierge/pkg/llm"
)

// StepType names an observable event of a run.
type StepType string

const (
	StepLLMPrompt   StepType = "llm_prompt"
	StepLLMResult   StepType = "llm_result"
	StepToolResult  StepType = "tool_result"
	StepToolError   StepType = "tool_error"
	StepRateLimited StepType = "rate_limited"
	StepBlocked     StepType = "blocked"
	StepFinal       StepType = "final"
	StepError       StepType = "error"
)

// Step is one entry of a run trace. Only the payload fields belonging to
// Type are meaningful.
type Step struct {
	Type      StepType               `json:"type"`
	Iteration int                    `json:"iteration"`
	Timestamp time.Time              `json:"timestamp"`
	Prompt    *conversation.Prompt   `json:"prompt,omitempty"`
	Result    *llm.Response          `json:"result,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// MarshalJSON writes the common fields plus exactly the payload of the step's
// type, so that empty payloads (an empty tool output, say) are still present.
func (s Step) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"type":      s.Type,
		"iteration": s.Iteration,
		"timestamp": s.Timestamp,
	}
	args := s.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	switch s.Type {
	case StepLLMPrompt:
		out["prompt"] = s.Prompt
	case StepLLMResult:
		out["result"] = s.Result
	case StepToolResult:
		out["tool"] = s.Tool
		out["arguments"] = args
		out["output"] = s.Output
	case StepToolError:
		out["tool"] = s.Tool
		out["arguments"] = args
		out["error"] = s.Error
	case StepRateLimited:
		out["tool"] = s.Tool
	case StepBlocked:
		out["reason"] = s.Reason
	case StepFinal:
		out["text"] = s.Text
	case StepError:
		out["detail"] = s.Detail
	}
	return json.Marshal(out)
}

// Clone returns a copy that shares nothing mutable with s.
func (s Step) Clone() Step {
	out := s
	if s.Prompt != nil {
		p := s.Prompt.Clone()
		out.Prompt = &p
	}
	if s.Result != nil {
		r := s.Result.Clone()
		out.Result = &r
	}
	if s.Arguments != nil {
		out.Arguments = conversation.CloneArguments(s.Arguments)
	}
	return out
}

// Trace is the append-only, ordered step log of one run.
type Trace struct {
	mu    sync.Mutex
	steps []Step
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{steps: []Step{}}
}

// Append records a step. Steps must not go back in iteration.
func (t *Trace) Append(step Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.steps); n > 0 && step.Iteration < t.steps[n-1].Iteration {
		return ErrIterationRegressed
	}
	t.steps = append(t.steps, step.Clone())
	return nil
}

// Steps returns a copy of the recorded steps.
func (t *Trace) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = s.Clone()
	}
	return out
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Last returns the most recent step.
func (t *Trace) Last() (Step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.steps) == 0 {
		return Step{}, false
	}
	return t.steps[len(t.steps)-1].Clone(), true
}
