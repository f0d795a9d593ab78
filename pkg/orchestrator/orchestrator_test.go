package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/concierge/pkg/conversation"
	"github.com/harun/concierge/pkg/llm"
	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store    *session.FileStore
	limiter  *ratelimit.MemoryLimiter
	registry *toolexecutor.Registry
	lookups  atomic.Int32
}

func newHarness(t *testing.T, limits ratelimit.Config) *harness {
	t.Helper()

	store, err := session.NewFileStore(session.FileConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:    store,
		limiter:  ratelimit.NewMemoryLimiter(limits),
		registry: toolexecutor.New(toolexecutor.Options{Gate: toolexecutor.DenyAll{}, Logger: zerolog.Nop()}),
	}

	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:        "lookup",
		Description: "Looks something up",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "what to look up", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			h.lookups.Add(1)
			return "found: " + params["query"].(string), nil
		},
	}))
	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:             "book",
		Description:      "Books the selected option",
		RequiresApproval: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "booked", nil
		},
	}))
	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:        "remember",
		Description: "Stores a note in session memory",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "note", Type: "string", Description: "note text", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			toolexecutor.SessionMemory(ctx)["note"] = params["note"]
			return map[string]interface{}{"stored": true}, nil
		},
	}))
	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:        "slow",
		Description: "Waits until cancelled",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream unavailable")
		},
	}))
	return h
}

func (h *harness) orchestrator(t *testing.T, cfg Config, client llm.Client, opts ...func(*Dependencies)) *Orchestrator {
	t.Helper()
	deps := Dependencies{
		Store:    h.store,
		Limiter:  h.limiter,
		Registry: h.registry,
		Client:   client,
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func stepTypes(steps []Step) []StepType {
	out := make([]StepType, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

// assertTraceProperties checks the invariants every run trace must hold.
func assertTraceProperties(t *testing.T, result RunResult) {
	t.Helper()
	require.NotEmpty(t, result.Steps)

	prompted := map[int]bool{}
	last := -1
	for i, s := range result.Steps {
		assert.GreaterOrEqual(t, s.Iteration, last, "step %d goes back in iteration", i)
		last = s.Iteration
		switch s.Type {
		case StepLLMPrompt:
			prompted[s.Iteration] = true
		case StepLLMResult, StepToolResult, StepToolError, StepRateLimited:
			assert.True(t, prompted[s.Iteration], "step %d (%s) precedes the iteration's llm_prompt", i, s.Type)
		}
		if s.Type == StepFinal {
			assert.Equal(t, len(result.Steps)-1, i, "final must be the last step")
		}
	}

	end := result.Steps[len(result.Steps)-1]
	if end.Type == StepFinal {
		assert.Equal(t, result.FinalText, end.Text)
		assert.Equal(t, StatusFinal, result.Status)
	} else {
		assert.Empty(t, result.FinalText)
	}
}

func TestRun_DirectAnswerWithStub(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	o := h.orchestrator(t, Config{}, llm.NewStub(llm.DefaultRules()))

	result, err := o.Run(context.Background(), "s-hello", "say hello")
	require.NoError(t, err)

	assert.Equal(t, []StepType{StepLLMPrompt, StepLLMResult, StepFinal}, stepTypes(result.Steps))
	assert.Equal(t, llm.DefaultReply, result.FinalText)
	assert.Equal(t, "s-hello", result.SessionID)
	assert.NotEmpty(t, result.RunID)
	assertTraceProperties(t, result)
}

func TestRun_ToolThenAnswer(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "flights"})),
		llm.Reply(llm.TextResponse("Here are your flights.")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-tool", "find flights")
	require.NoError(t, err)

	assert.Equal(t, []StepType{
		StepLLMPrompt, StepLLMResult, StepToolResult,
		StepLLMPrompt, StepLLMResult, StepFinal,
	}, stepTypes(result.Steps))
	assert.Equal(t, "Here are your flights.", result.FinalText)
	assertTraceProperties(t, result)

	toolStep := result.Steps[2]
	assert.Equal(t, "lookup", toolStep.Tool)
	assert.Equal(t, "found: flights", toolStep.Output)
	assert.Equal(t, map[string]interface{}{"query": "flights"}, toolStep.Arguments)
	assert.Equal(t, 0, toolStep.Iteration)
	assert.Equal(t, 1, result.Steps[3].Iteration)

	stored, err := h.store.Load(context.Background(), "s-tool")
	require.NoError(t, err)
	require.Len(t, stored.Transcript, 4)
	assert.Equal(t, conversation.RoleUser, stored.Transcript[0].Role)
	require.NotNil(t, stored.Transcript[1].ToolCall)
	assert.Equal(t, "lookup", stored.Transcript[1].ToolCall.Name)
	assert.Equal(t, conversation.RoleTool, stored.Transcript[2].Role)
	assert.Equal(t, "found: flights", stored.Transcript[2].Content)
	assert.Equal(t, stored.Transcript[1].ToolCall.ID, stored.Transcript[2].ToolCallID)
	assert.Equal(t, "Here are your flights.", stored.Transcript[3].Content)
}

func TestRun_SecondCallInWindowIsRateLimited(t *testing.T) {
	limits := ratelimit.Config{
		Default: ratelimit.Limit{Max: 10, Window: time.Minute},
		PerTool: map[string]ratelimit.Limit{"lookup": {Max: 1, Window: time.Minute}},
	}
	h := newHarness(t, limits)
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "a"})),
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "b"})),
		llm.Reply(llm.TextResponse("done")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-limit", "look twice")
	require.NoError(t, err)

	assert.Equal(t, []StepType{
		StepLLMPrompt, StepLLMResult, StepToolResult,
		StepLLMPrompt, StepLLMResult, StepRateLimited,
		StepLLMPrompt, StepLLMResult, StepFinal,
	}, stepTypes(result.Steps))
	assert.Equal(t, "lookup", result.Steps[5].Tool)
	assert.Equal(t, int32(1), h.lookups.Load())
	assertTraceProperties(t, result)

	// The model sees why the tool did not run.
	prompts := client.Prompts()
	require.Len(t, prompts, 3)
	lastMsg, ok := prompts[2].LastMessage()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleTool, lastMsg.Role)
	assert.Contains(t, lastMsg.Content, "rate limited")
}

func TestRun_IterationCapExceeded(t *testing.T) {
	h := newHarness(t, ratelimit.Config{Default: ratelimit.Limit{Max: 100, Window: time.Minute}})
	client := llm.NewScripted(llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "again"})))
	client.Repeat = true
	o := h.orchestrator(t, Config{MaxIterations: 3}, client)

	result, err := o.Run(context.Background(), "s-cap", "loop forever")
	require.NoError(t, err)

	assert.Equal(t, StatusCapExceeded, result.Status)
	assert.Empty(t, result.FinalText)
	last := result.Steps[len(result.Steps)-1]
	assert.Equal(t, StepError, last.Type)
	assert.Equal(t, "iteration cap exceeded", last.Detail)
	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, int32(3), h.lookups.Load())
	assertTraceProperties(t, result)
}

func TestRun_UnknownToolIsNotDispatched(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("teleport", map[string]interface{}{"to": "mars"})),
		llm.Reply(llm.TextResponse("I cannot teleport you.")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-unknown", "teleport me")
	require.NoError(t, err)

	assert.Equal(t, []StepType{
		StepLLMPrompt, StepLLMResult, StepToolError,
		StepLLMPrompt, StepLLMResult, StepFinal,
	}, stepTypes(result.Steps))
	assert.Equal(t, "teleport", result.Steps[2].Tool)
	assert.Contains(t, result.Steps[2].Error, "unknown tool")
	assertTraceProperties(t, result)

	// Unknown tools never consume rate limit budget.
	_, ok := h.limiter.Snapshot("s-unknown", "teleport")
	assert.False(t, ok)

	lastMsg, _ := client.Prompts()[1].LastMessage()
	assert.Contains(t, lastMsg.Content, "Available tools")
}

func TestRun_UnknownToolNoteHidesDeniedTools(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	h.registry.SetPolicy(&toolexecutor.ToolPolicy{Allow: []string{"*"}, Deny: []string{"broken"}})
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("broken", nil)),
		llm.Reply(llm.TextResponse("ok")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-denied", "break it")
	require.NoError(t, err)

	require.Equal(t, StepToolError, result.Steps[2].Type)
	assert.Contains(t, result.Steps[2].Error, "unknown tool")

	note, ok := client.Prompts()[1].LastMessage()
	require.True(t, ok)
	assert.Contains(t, note.Content, "Available tools: lookup, book, remember, slow")
	assert.NotContains(t, note.Content, "broken")
}

func TestRun_MissingArgumentIsToolError(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", nil)),
		llm.Reply(llm.TextResponse("need a query")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-args", "look")
	require.NoError(t, err)

	require.Equal(t, StepToolError, result.Steps[2].Type)
	assert.Contains(t, result.Steps[2].Error, "query")
	assert.Equal(t, map[string]interface{}{}, result.Steps[2].Arguments)
	assert.Equal(t, int32(0), h.lookups.Load())
	assert.Equal(t, StatusFinal, result.Status)

	state, ok := h.limiter.Snapshot("s-args", "lookup")
	require.True(t, ok)
	assert.Equal(t, 1, state.Count)
}

func TestRun_ToolFailureContinues(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("broken", nil)),
		llm.Reply(llm.TextResponse("sorry")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-broken", "try it")
	require.NoError(t, err)

	require.Equal(t, StepToolError, result.Steps[2].Type)
	assert.Contains(t, result.Steps[2].Error, "upstream unavailable")
	assert.Equal(t, "sorry", result.FinalText)
	assertTraceProperties(t, result)
}

func TestRun_ApprovalBlocksRun(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("book", nil)),
		llm.Reply(llm.TextResponse("should not be reached")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-book", "book it")
	require.NoError(t, err)

	assert.Equal(t, []StepType{StepLLMPrompt, StepLLMResult, StepBlocked}, stepTypes(result.Steps))
	assert.Equal(t, StatusBlocked, result.Status)
	assert.Empty(t, result.FinalText)
	assert.Contains(t, result.Steps[2].Reason, "book")
	assert.Equal(t, 1, client.Calls())
	assertTraceProperties(t, result)

	stored, err := h.store.Load(context.Background(), "s-book")
	require.NoError(t, err)
	last := stored.Transcript[len(stored.Transcript)-1]
	assert.Equal(t, conversation.RoleTool, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "blocked: "))
}

func TestRun_ModelErrorEndsRun(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(llm.Fail(&llm.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}))
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-model", "hello")
	require.NoError(t, err)

	assert.Equal(t, []StepType{StepLLMPrompt, StepError}, stepTypes(result.Steps))
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Steps[1].Detail, "bad key")
	assertTraceProperties(t, result)

	// The goal is persisted even though the run failed.
	stored, err := h.store.Load(context.Background(), "s-model")
	require.NoError(t, err)
	require.Len(t, stored.Transcript, 1)
	assert.Equal(t, "hello", stored.Transcript[0].Content)
}

func TestRun_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		resp llm.Response
	}{
		{"empty text", llm.TextResponse("")},
		{"nameless tool call", llm.Response{Kind: llm.KindToolCall, ToolCall: &conversation.ToolCall{}}},
		{"missing kind", llm.Response{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ratelimit.DefaultConfig())
			o := h.orchestrator(t, Config{}, llm.NewScripted(llm.Reply(tt.resp)))

			result, err := o.Run(context.Background(), "s-bad", "anything")
			require.NoError(t, err)

			assert.Equal(t, []StepType{StepLLMPrompt, StepLLMResult, StepError}, stepTypes(result.Steps))
			assert.Contains(t, result.Steps[2].Detail, "malformed")
			assert.Equal(t, StatusError, result.Status)
		})
	}
}

func TestRun_Validation(t *testing.T) {
	store := &fakeStore{}
	o, err := New(Config{}, Dependencies{
		Store:    store,
		Limiter:  ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		Registry: toolexecutor.New(toolexecutor.Options{}),
		Client:   llm.NewScripted(),
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		sessionID string
		goal      string
		field     string
	}{
		{"empty session", "", "hello", "session_id"},
		{"blank session", "   ", "hello", "session_id"},
		{"empty goal", "s1", "", "goal"},
		{"path traversal", "../etc", "hello", "session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := o.Run(context.Background(), tt.sessionID, tt.goal)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, result.Steps)
		})
	}
	assert.Zero(t, store.loads.Load())
	assert.Zero(t, store.saves.Load())
}

func TestRun_LoadFailure(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("disk gone")}
	client := llm.NewScripted(llm.Reply(llm.TextResponse("unused")))
	o, err := New(Config{}, Dependencies{
		Store:    store,
		Limiter:  ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		Registry: toolexecutor.New(toolexecutor.Options{}),
		Client:   client,
	})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "s1", "hello")
	require.Error(t, err)
	var se *session.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, 0, client.Calls())
	assert.Zero(t, store.saves.Load())
}

func TestRun_SaveFailureIsReturnedWithResult(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("read-only filesystem")}
	o, err := New(Config{}, Dependencies{
		Store:    store,
		Limiter:  ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		Registry: toolexecutor.New(toolexecutor.Options{}),
		Client:   llm.NewScripted(llm.Reply(llm.TextResponse("hi"))),
	})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "s1", "hello")
	require.Error(t, err)
	var se *session.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, StatusFinal, result.Status)
	assert.Equal(t, "hi", result.FinalText)
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestRun_DeadlineExceeded(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(llm.Reply(llm.ToolCallResponse("slow", nil)))
	client.Repeat = true
	o := h.orchestrator(t, Config{RunTimeout: 50 * time.Millisecond, ToolTimeout: 10 * time.Second}, client)

	start := time.Now()
	result, err := o.Run(context.Background(), "s-slow", "wait")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StatusTimeout, result.Status)
	last := result.Steps[len(result.Steps)-1]
	assert.Equal(t, StepError, last.Type)
	assert.Equal(t, "run deadline exceeded", last.Detail)
	assertTraceProperties(t, result)

	// Saving is not bound by the expired run deadline.
	stored, err := h.store.Load(context.Background(), "s-slow")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Transcript)
}

func TestRun_ToolTimeoutIsToolError(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	require.NoError(t, h.registry.Register(toolexecutor.ToolDefinition{
		Name:        "stall",
		Description: "Writes memory then hangs",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			toolexecutor.SessionMemory(ctx)["stalled"] = true
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("stall", nil)),
		llm.Reply(llm.TextResponse("that took too long")),
	)
	o := h.orchestrator(t, Config{ToolTimeout: 50 * time.Millisecond}, client)

	result, err := o.Run(context.Background(), "s-stall", "wait for it")
	require.NoError(t, err)

	assert.Equal(t, []StepType{
		StepLLMPrompt, StepLLMResult, StepToolError,
		StepLLMPrompt, StepLLMResult, StepFinal,
	}, stepTypes(result.Steps))
	assert.Equal(t, "stall", result.Steps[2].Tool)
	assert.Contains(t, result.Steps[2].Error, "timeout")
	assert.Equal(t, "that took too long", result.FinalText)
	assertTraceProperties(t, result)

	stored, err := h.store.Load(context.Background(), "s-stall")
	require.NoError(t, err)
	assert.NotContains(t, stored.Memory, "stalled")
}

func TestRun_CancelledContext(t *testing.T) {
	store := &fakeStore{}
	o, err := New(Config{}, Dependencies{
		Store:    store,
		Limiter:  ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		Registry: toolexecutor.New(toolexecutor.Options{}),
		Client:   llm.NewScripted(llm.Reply(llm.TextResponse("hi"))),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := o.Run(ctx, "s-cancel", "hello")
	require.NoError(t, err)

	assert.Equal(t, []StepType{StepError}, stepTypes(result.Steps))
	assert.Equal(t, "run cancelled", result.Steps[0].Detail)
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestRun_EmittedPromptsAreSnapshots(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "x"})),
		llm.Reply(llm.TextResponse("done")),
	)
	o := h.orchestrator(t, Config{}, client)

	result, err := o.Run(context.Background(), "s-snap", "look up x")
	require.NoError(t, err)

	first := result.Steps[0].Prompt
	require.NotNil(t, first)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, conversation.RoleSystem, first.Messages[0].Role)
	assert.Equal(t, "look up x", first.Messages[1].Content)

	second := result.Steps[3].Prompt
	require.NotNil(t, second)
	assert.Len(t, second.Messages, 4)
	assert.Len(t, second.Tools, len(h.registry.Names()))
}

func TestRun_SessionMemoryInPrompt(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("remember", map[string]interface{}{"note": "window seat"})),
		llm.Reply(llm.TextResponse("noted")),
	)
	o := h.orchestrator(t, Config{SystemPrompt: "Be brief."}, client)

	_, err := o.Run(context.Background(), "s-mem", "remember my seat")
	require.NoError(t, err)

	prompts := client.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "Be brief.", prompts[0].SystemPrompt())
	assert.Contains(t, prompts[1].SystemPrompt(), "# Session memory\n- note: window seat")

	stored, err := h.store.Load(context.Background(), "s-mem")
	require.NoError(t, err)
	assert.Equal(t, "window seat", stored.Memory["note"])
}

func TestRun_RecallsContextOutsideWindow(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	ctx := context.Background()

	sess := session.New("s-recall")
	sess.Append(
		conversation.NewUserMessage("I prefer aisle seats when flying to Lisbon"),
		conversation.NewAssistantMessage("Noted, aisle seats for Lisbon."),
		conversation.NewUserMessage("what is the weather"),
		conversation.NewAssistantMessage("sunny"),
	)
	sess.Memory[toolexecutor.GrantKey("book")] = "2026-01-01T00:00:00Z"
	require.NoError(t, h.store.Save(ctx, sess))

	client := llm.NewScripted(llm.Reply(llm.TextResponse("ok")))
	o := h.orchestrator(t, Config{HistoryWindow: 2, MemoryContextLimit: 3}, client)

	_, err := o.Run(ctx, "s-recall", "book Lisbon flights")
	require.NoError(t, err)

	system := client.Prompts()[0].SystemPrompt()
	assert.Contains(t, system, "# Relevant context from memory")
	assert.Contains(t, system, "aisle seats")
	assert.NotContains(t, system, toolexecutor.GrantKeyPrefix)
	assert.Len(t, client.Prompts()[0].Messages, 3)
}

func TestRun_SinksAndHooks(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	collector := NewCollector()
	var seenRunIDs sync.Map
	hooks := &recordingHooks{}

	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "x"})),
		llm.Reply(llm.TextResponse("done")),
	)
	o := h.orchestrator(t, Config{}, client, func(d *Dependencies) {
		d.Sinks = []Sink{collector}
		d.Hooks = hooks
	})

	perRun := SinkFunc(func(_ context.Context, runID string, _ Step) {
		seenRunIDs.Store(runID, true)
	})
	result, err := o.RunWithSinks(context.Background(), "s-sinks", "look", perRun)
	require.NoError(t, err)

	assert.Equal(t, stepTypes(result.Steps), stepTypes(collector.Steps()))
	_, ok := seenRunIDs.Load(result.RunID)
	assert.True(t, ok)

	require.Len(t, hooks.events, 1)
	assert.Equal(t, EventRunFinal, hooks.events[0])
	assert.Equal(t, result.FinalText, hooks.payloads[0].(RunResult).FinalText)
}

func TestRun_LimiterErrorIsToolError(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	client := llm.NewScripted(
		llm.Reply(llm.ToolCallResponse("lookup", map[string]interface{}{"query": "x"})),
		llm.Reply(llm.TextResponse("done")),
	)
	o := h.orchestrator(t, Config{}, client, func(d *Dependencies) {
		d.Limiter = failingLimiter{}
	})

	result, err := o.Run(context.Background(), "s-redis-down", "look")
	require.NoError(t, err)

	require.Equal(t, StepToolError, result.Steps[2].Type)
	assert.Contains(t, result.Steps[2].Error, "rate limiter unavailable")
	assert.Equal(t, int32(0), h.lookups.Load())
	assert.Equal(t, StatusFinal, result.Status)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)

	o, err := New(Config{}, Dependencies{
		Store:    &fakeStore{},
		Limiter:  ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig()),
		Registry: toolexecutor.New(toolexecutor.Options{}),
		Client:   llm.NewScripted(),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), o.Config())
}

func TestNew_NegativeContextSettingsDisable(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultConfig())
	ctx := context.Background()

	sess := session.New("s-full")
	for i := 0; i < 50; i++ {
		sess.Append(conversation.NewUserMessage("Lisbon trip note"))
	}
	require.NoError(t, h.store.Save(ctx, sess))

	client := llm.NewScripted(llm.Reply(llm.TextResponse("ok")))
	o := h.orchestrator(t, Config{MemoryContextLimit: -1, HistoryWindow: -1}, client)

	_, err := o.Run(ctx, "s-full", "Lisbon again")
	require.NoError(t, err)

	prompt := client.Prompts()[0]
	assert.Len(t, prompt.Messages, 52)
	assert.NotContains(t, prompt.SystemPrompt(), "# Relevant context from memory")
	assert.Equal(t, DefaultConfig().SystemPrompt, prompt.SystemPrompt())
}

func TestStatusEvent(t *testing.T) {
	assert.Equal(t, EventRunFinal, StatusFinal.Event())
	assert.Equal(t, EventRunBlocked, StatusBlocked.Event())
	assert.Equal(t, EventRunError, StatusError.Event())
	assert.Equal(t, EventRunError, StatusCapExceeded.Event())
	assert.Equal(t, EventRunError, StatusTimeout.Event())
}

type fakeStore struct {
	loadErr error
	saveErr error
	loads   atomic.Int32
	saves   atomic.Int32
}

func (s *fakeStore) Load(_ context.Context, id string) (*session.Session, error) {
	s.loads.Add(1)
	if s.loadErr != nil {
		return nil, &session.StorageError{Op: "load", SessionID: id, Err: s.loadErr}
	}
	return session.New(id), nil
}

func (s *fakeStore) Save(_ context.Context, sess *session.Session) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return &session.StorageError{Op: "save", SessionID: sess.ID, Err: s.saveErr}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

type failingLimiter struct{}

func (failingLimiter) CheckAndIncrement(context.Context, string, string) (ratelimit.Decision, error) {
	return ratelimit.Denied, errors.New("connection refused")
}

type recordingHooks struct {
	mu       sync.Mutex
	events   []string
	payloads []interface{}
}

func (h *recordingHooks) Fire(_ context.Context, event string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	h.payloads = append(h.payloads, payload)
}
