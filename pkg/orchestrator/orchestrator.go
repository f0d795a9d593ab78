package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/conversation"
	"github.com/harun/concierge/pkg/llm"
	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusFinal       Status = "final"
	StatusBlocked     Status = "blocked"
	StatusError       Status = "error"
	StatusCapExceeded Status = "cap_exceeded"
	StatusTimeout     Status = "timeout"
)

// Hook events fired when a run ends.
const (
	EventRunFinal   = "run.final"
	EventRunBlocked = "run.blocked"
	EventRunError   = "run.error"
)

// Event returns the hook event fired for a run ending in s.
func (s Status) Event() string {
	switch s {
	case StatusFinal:
		return EventRunFinal
	case StatusBlocked:
		return EventRunBlocked
	default:
		return EventRunError
	}
}

// RunResult is what a caller gets back from Run.
type RunResult struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Status    Status `json:"status"`
	FinalText string `json:"final_text"`
	Steps     []Step `json:"steps"`
}

// ToolRegistry is the part of the tool registry the loop needs.
type ToolRegistry interface {
	Get(name string) *toolexecutor.ToolDefinition
	Schemas() []conversation.ToolSchema
	Dispatch(ctx context.Context, name string, params map[string]interface{}, execCtx *toolexecutor.ExecutionContext) (toolexecutor.Result, error)
}

// Hooks is notified once per run with the terminal RunResult.
type Hooks interface {
	Fire(ctx context.Context, event string, payload interface{})
}

// Config bounds the loop.
type Config struct {
	MaxIterations int
	RunTimeout    time.Duration
	ToolTimeout   time.Duration
	SaveTimeout   time.Duration
	SystemPrompt  string

	// MemoryContextLimit caps the recalled transcript snippets per prompt.
	// A negative value disables recall.
	MemoryContextLimit int

	// HistoryWindow is how many trailing transcript messages go into each
	// prompt. A negative value sends the whole transcript.
	HistoryWindow int
}

// DefaultConfig returns the default loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      6,
		RunTimeout:         2 * time.Minute,
		ToolTimeout:        toolexecutor.DefaultTimeout,
		SaveTimeout:        10 * time.Second,
		SystemPrompt:       "You are a travel concierge. Use the available tools when they help answer the goal, then reply with a concise final answer.",
		MemoryContextLimit: 3,
		HistoryWindow:      40,
	}
}

// Dependencies are the collaborators of the loop. Store, Limiter, Registry
// and Client are required.
type Dependencies struct {
	Store    session.Store
	Limiter  ratelimit.Limiter
	Registry ToolRegistry
	Client   llm.Client
	Logger   zerolog.Logger
	Sinks    []Sink
	Hooks    Hooks
	Now      func() time.Time
}

// Orchestrator runs goals against sessions.
type Orchestrator struct {
	cfg      Config
	store    session.Store
	limiter  ratelimit.Limiter
	registry ToolRegistry
	client   llm.Client
	logger   zerolog.Logger
	sinks    []Sink
	hooks    Hooks
	now      func() time.Time
}

// New validates cfg and deps and returns an Orchestrator. Zero config
// fields take the values of DefaultConfig.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}

	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MemoryContextLimit == 0 {
		cfg.MemoryContextLimit = def.MemoryContextLimit
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	sinks := []Sink{MetricsSink{}, LogSink{Logger: deps.Logger}}
	sinks = append(sinks, deps.Sinks...)

	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		limiter:  deps.Limiter,
		registry: deps.Registry,
		client:   deps.Client,
		logger:   deps.Logger.With().Str("component", "orchestrator").Logger(),
		sinks:    sinks,
		hooks:    deps.Hooks,
		now:      now,
	}, nil
}

// Config returns the effective loop bounds.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// run is the state of one Run call.
type run struct {
	o         *Orchestrator
	ctx       context.Context
	runID     string
	sessionID string
	goal      string
	sess      *session.Session
	trace     *Trace
	sinks     []Sink
	iteration int
	logger    zerolog.Logger
	recalled  []session.SearchHit
}

// Run executes goal against the session identified by sessionID.
//
// Recoverable conditions (unknown tool, rate limiting, tool failures) are
// recorded as steps and never returned as errors. The returned error is
// non-nil only for invalid input and storage failures; the RunResult is
// populated whenever the session could be loaded.
func (o *Orchestrator) Run(ctx context.Context, sessionID, goal string) (RunResult, error) {
	return o.RunWithSinks(ctx, sessionID, goal)
}

// RunWithSinks is Run with extra sinks that only observe this run.
func (o *Orchestrator) RunWithSinks(ctx context.Context, sessionID, goal string, extra ...Sink) (result RunResult, err error) {
	if strings.TrimSpace(sessionID) == "" {
		return RunResult{}, &ValidationError{Field: "session_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(goal) == "" {
		return RunResult{}, &ValidationError{Field: "goal", Message: "must not be empty"}
	}
	if verr := session.ValidateID(sessionID); verr != nil {
		return RunResult{}, &ValidationError{Field: "session_id", Message: verr.Error()}
	}

	ctx, runID := tracing.NewRunContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "concierge.orchestrator", "orchestrator.run",
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
		attribute.String("model", o.client.Name()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().Str("goal", goal).Msg("Starting run")

	started := time.Now()
	observability.RecordRunStart()

	r := &run{
		o:         o,
		runID:     runID,
		sessionID: sessionID,
		goal:      goal,
		trace:     NewTrace(),
		sinks:     append(append([]Sink{}, o.sinks...), extra...),
		logger:    logger,
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	r.ctx = runCtx

	result = RunResult{SessionID: sessionID, RunID: runID}

	sess, loadErr := o.store.Load(runCtx, sessionID)
	if loadErr != nil {
		r.emit(Step{Type: StepError, Detail: fmt.Sprintf("failed to load session: %v", loadErr)})
		result.Status = StatusError
		result.Steps = r.trace.Steps()
		o.finish(ctx, r, result, started)
		span.RecordError(loadErr)
		span.SetStatus(codes.Error, loadErr.Error())
		return result, fmt.Errorf("load session: %w", loadErr)
	}
	if sess.Memory == nil {
		sess.Memory = map[string]interface{}{}
	}
	r.sess = sess
	r.recall()
	sess.Append(conversation.NewUserMessage(goal))

	defer func() {
		if saveErr := o.save(ctx, r); saveErr != nil {
			span.RecordError(saveErr)
			span.SetStatus(codes.Error, saveErr.Error())
			err = saveErr
		}
	}()

	result.Status, result.FinalText = r.loop()
	result.Steps = r.trace.Steps()
	o.finish(ctx, r, result, started)

	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("steps", len(result.Steps)),
	)
	if result.Status != StatusFinal && result.Status != StatusBlocked {
		span.SetStatus(codes.Error, string(result.Status))
	}
	return result, nil
}

// save persists the session with a context that outlives the run deadline.
func (o *Orchestrator) save(ctx context.Context, r *run) error {
	saveCtx, cancel := context.WithTimeout(tracing.DetachedContext(ctx), o.cfg.SaveTimeout)
	defer cancel()

	r.sess.UpdatedAt = o.now()
	if err := o.store.Save(saveCtx, r.sess); err != nil {
		r.logger.Error().Err(err).Msg("Failed to save session")
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run, result RunResult, started time.Time) {
	elapsed := time.Since(started)
	observability.RecordRunEnd(string(result.Status), elapsed)
	observability.RecordRunAudit(ctx, r.sessionID, string(result.Status), map[string]interface{}{
		"run_id":      r.runID,
		"steps":       len(result.Steps),
		"duration_ms": elapsed.Milliseconds(),
	})

	r.logger.Info().
		Str("status", string(result.Status)).
		Int("steps", len(result.Steps)).
		Dur("duration", elapsed).
		Msg("Run finished")

	if o.hooks != nil {
		o.hooks.Fire(tracing.DetachedContext(ctx), result.Status.Event(), result)
	}
}

// loop drives iterations until a terminal state and returns it.
func (r *run) loop() (Status, string) {
	for r.iteration = 0; r.iteration < r.o.cfg.MaxIterations; r.iteration++ {
		if status, stop := r.checkContext(); stop {
			return status, ""
		}

		prompt := r.buildPrompt()
		r.emit(Step{Type: StepLLMPrompt, Prompt: &prompt})

		resp, err := r.o.client.Complete(r.ctx, prompt)
		if err != nil {
			if status, stop := r.checkContext(); stop {
				return status, ""
			}
			r.emit(Step{Type: StepError, Detail: fmt.Sprintf("model call failed: %v", err)})
			return StatusError, ""
		}
		r.emit(Step{Type: StepLLMResult, Result: &resp})

		switch {
		case resp.Kind == llm.KindText && resp.Content != "":
			r.sess.Append(conversation.NewAssistantMessage(resp.Content))
			r.emit(Step{Type: StepFinal, Text: resp.Content})
			return StatusFinal, resp.Content
		case resp.Kind == llm.KindToolCall && resp.ToolCall != nil && resp.ToolCall.Name != "":
			if status, stop := r.handleToolCall(*resp.ToolCall.Clone()); stop {
				return status, ""
			}
		default:
			r.emit(Step{Type: StepError, Detail: fmt.Sprintf("%v: %s", ErrMalformedResponse, describe(resp))})
			return StatusError, ""
		}
	}

	r.iteration = r.o.cfg.MaxIterations - 1
	r.emit(Step{Type: StepError, Detail: ErrIterationCapExceeded.Error()})
	return StatusCapExceeded, ""
}

// checkContext ends the run when its context is done.
func (r *run) checkContext() (Status, bool) {
	switch err := r.ctx.Err(); {
	case err == nil:
		return "", false
	case errors.Is(err, context.DeadlineExceeded):
		r.emit(Step{Type: StepError, Detail: ErrRunDeadlineExceeded.Error()})
		return StatusTimeout, true
	default:
		r.emit(Step{Type: StepError, Detail: ErrRunCancelled.Error()})
		return StatusError, true
	}
}

// offeredTools lists the tools the model may call, the same set its
// prompt carries.
func (r *run) offeredTools() string {
	schemas := r.o.registry.Schemas()
	names := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		names = append(names, schema.Name)
	}
	return strings.Join(names, ", ")
}

// handleToolCall runs one requested tool through lookup, rate limiting and
// dispatch. Every outcome appends a tool message answering the call.
func (r *run) handleToolCall(call conversation.ToolCall) (Status, bool) {
	if call.ID == "" {
		if id, err := gonanoid.New(); err == nil {
			call.ID = "call_" + id
		}
	}
	if call.Arguments == nil {
		call.Arguments = map[string]interface{}{}
	}
	r.sess.Append(conversation.NewToolCallMessage(call))

	if r.o.registry.Get(call.Name) == nil {
		msg := (&toolexecutor.UnknownToolError{Tool: call.Name}).Error()
		r.emit(Step{Type: StepToolError, Tool: call.Name, Arguments: call.Arguments, Error: msg})
		r.toolNote(call, fmt.Sprintf("error: %s. Available tools: %s", msg, r.offeredTools()))
		return "", false
	}

	decision, err := r.o.limiter.CheckAndIncrement(r.ctx, r.sessionID, call.Name)
	if err != nil {
		if status, stop := r.checkContext(); stop {
			return status, true
		}
		msg := fmt.Sprintf("rate limiter unavailable: %v", err)
		r.emit(Step{Type: StepToolError, Tool: call.Name, Arguments: call.Arguments, Error: msg})
		r.toolNote(call, "error: "+msg)
		return "", false
	}
	if decision == ratelimit.Denied {
		r.emit(Step{Type: StepRateLimited, Tool: call.Name})
		r.toolNote(call, fmt.Sprintf("rate limited: %s was called too often in this session. Try again later or answer without it.", call.Name))
		return "", false
	}

	execCtx := &toolexecutor.ExecutionContext{
		SessionID: r.sessionID,
		RunID:     r.runID,
		Timeout:   r.o.cfg.ToolTimeout,
		Memory:    r.sess.Memory,
	}
	res, err := r.o.registry.Dispatch(r.ctx, call.Name, call.Arguments, execCtx)
	if execCtx.Memory != nil {
		r.sess.Memory = execCtx.Memory
	}

	var approvalErr *toolexecutor.ApprovalRequiredError
	switch {
	case err == nil:
		r.emit(Step{Type: StepToolResult, Tool: call.Name, Arguments: call.Arguments, Output: res.Output})
		text := res.Text()
		if text == "" {
			text = "(no output)"
		}
		r.toolNote(call, text)
		return "", false
	case errors.As(err, &approvalErr):
		r.emit(Step{Type: StepBlocked, Reason: approvalErr.Error()})
		r.toolNote(call, "blocked: "+approvalErr.Error())
		return StatusBlocked, true
	}

	if status, stop := r.checkContext(); stop {
		return status, true
	}
	r.emit(Step{Type: StepToolError, Tool: call.Name, Arguments: call.Arguments, Error: err.Error()})
	r.toolNote(call, "error: "+err.Error())
	return "", false
}

func (r *run) toolNote(call conversation.ToolCall, content string) {
	r.sess.Append(conversation.NewToolMessage(call.Name, call.ID, content))
}

// emit stamps, records and fans out a step.
func (r *run) emit(step Step) {
	step.Iteration = r.iteration
	step.Timestamp = r.o.now()
	if err := r.trace.Append(step); err != nil {
		r.logger.Error().Err(err).Str("step", string(step.Type)).Msg("Dropped step")
		return
	}
	for _, sink := range r.sinks {
		sink.OnStep(r.ctx, r.runID, step)
	}
}

func describe(resp llm.Response) string {
	switch {
	case resp.Kind == llm.KindText:
		return "empty text"
	case resp.Kind == llm.KindToolCall:
		return "tool call without a name"
	case resp.Kind == "":
		return "missing kind"
	default:
		return fmt.Sprintf("unknown kind %q", resp.Kind)
	}
}
