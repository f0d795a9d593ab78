package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/conversation"
)

const (
	// DefaultTimeout bounds a dispatch when the execution context sets none.
	DefaultTimeout = 30 * time.Second
	// MaxOutputSize is the rendered output size beyond which output is truncated.
	MaxOutputSize = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Parameters       []ToolParameter `json:"parameters"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	Handler          ToolHandler     `json:"-"`
}

// Schema returns the model-facing description of the tool.
func (d *ToolDefinition) Schema() conversation.ToolSchema {
	s := conversation.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters: conversation.Parameters{
			Required:   []string{},
			Properties: make(map[string]conversation.ParameterSpec, len(d.Parameters)),
		},
	}
	for _, p := range d.Parameters {
		s.Parameters.Properties[p.Name] = conversation.ParameterSpec{Type: p.Type, Description: p.Description}
		if p.Required {
			s.Parameters.Required = append(s.Parameters.Required, p.Name)
		}
	}
	return s
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Result is the outcome of a successful dispatch.
type Result struct {
	Output    interface{}   `json:"output"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Text renders the output as the content of a tool message.
func (r Result) Text() string {
	return FormatOutput(r.Output)
}

// Options configures a Registry.
type Options struct {
	Policy *ToolPolicy
	// Gate releases approval-gated tools. Nil means DenyAll.
	Gate ApprovalGate
	// ApprovalTools marks registered tools as approval-gated by name.
	ApprovalTools []string
	Logger        zerolog.Logger
}

// Registry maps tool names to definitions and runs them.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDefinition
	schemas  map[string]*gojsonschema.Schema
	order    []string
	policy   *ToolPolicy
	gate     ApprovalGate
	approval map[string]bool
	logger   zerolog.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	observability.EnsureRegistered()

	gate := opts.Gate
	if gate == nil {
		gate = DenyAll{}
	}
	approval := make(map[string]bool, len(opts.ApprovalTools))
	for _, name := range opts.ApprovalTools {
		approval[name] = true
	}

	return &Registry{
		tools:    make(map[string]*ToolDefinition),
		schemas:  make(map[string]*gojsonschema.Schema),
		policy:   opts.Policy,
		gate:     gate,
		approval: approval,
		logger:   opts.Logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	if r.approval[def.Name] {
		def.RequiresApproval = true
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.order = append(r.order, def.Name)

	r.logger.Debug().Str("tool", def.Name).Bool("requires_approval", def.RequiresApproval).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Debug().Str("tool", name).Msg("Tool unregistered")
}

// Get returns the definition for name, or nil when it is unknown or denied
// by policy.
func (r *Registry) Get(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.policy.IsToolAllowed(name) {
		return nil
	}
	def, ok := r.tools[name]
	if !ok {
		return nil
	}
	out := *def
	return &out
}

// Names returns registered tool names in registration order, ignoring policy.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns the schemas of the tools allowed by policy, in
// registration order.
func (r *Registry) Schemas() []conversation.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]conversation.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		if !r.policy.IsToolAllowed(name) {
			continue
		}
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// SetPolicy replaces the tool policy.
func (r *Registry) SetPolicy(policy *ToolPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Dispatch validates params and runs the named tool under a timeout.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]interface{}, execCtx *ExecutionContext) (Result, error) {
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	ctx, span := tracing.StartSpan(ctx, "concierge.toolexecutor", "tool.dispatch",
		attribute.String("tool.name", name),
		attribute.String("session_key", execCtx.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	start := time.Now()
	res, err := r.dispatch(ctx, name, params, execCtx, logger)
	res.Duration = time.Since(start)

	status := "success"
	if err != nil {
		status = errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordToolError(name, status)
		logger.Warn().Err(err).Str("kind", status).Dur("duration", res.Duration).Msg("Tool dispatch failed")
	} else {
		logger.Debug().Dur("duration", res.Duration).Bool("truncated", res.Truncated).Msg("Tool execution completed")
	}

	var execErr *ToolExecutionError
	if err == nil || errors.As(err, &execErr) {
		observability.RecordToolExecution(name, res.Duration, err == nil)
	}
	observability.RecordToolAudit(ctx, name, execCtx.SessionID, status, map[string]interface{}{
		"duration_ms": res.Duration.Milliseconds(),
	})

	return res, err
}

func (r *Registry) dispatch(ctx context.Context, name string, params map[string]interface{}, execCtx *ExecutionContext, logger zerolog.Logger) (Result, error) {
	r.mu.RLock()
	allowed := r.policy.IsToolAllowed(name)
	tool := r.tools[name]
	schema := r.schemas[name]
	gate := r.gate
	r.mu.RUnlock()

	if tool == nil || !allowed {
		return Result{}, &UnknownToolError{Tool: name}
	}

	if missing := missingRequired(tool, params); len(missing) > 0 {
		return Result{}, &InvalidArgumentsError{Tool: name, Missing: missing}
	}
	if details := validateParameters(schema, params); len(details) > 0 {
		return Result{}, &InvalidArgumentsError{Tool: name, Details: details}
	}

	approved := false
	if tool.RequiresApproval {
		ok, reason := gate.Approve(ctx, name, execCtx)
		if !ok {
			return Result{}, &ApprovalRequiredError{Tool: name, Reason: reason}
		}
		approved = true
	}

	timeout := DefaultTimeout
	if execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The handler works on a copy of memory that is merged back only when it
	// returns in time, so a handler outliving its timeout cannot race the run.
	handlerExec := &ExecutionContext{
		SessionID: execCtx.SessionID,
		RunID:     execCtx.RunID,
		Timeout:   timeout,
		Memory:    conversation.CloneArguments(execCtx.Memory),
	}
	if handlerExec.Memory == nil {
		handlerExec.Memory = make(map[string]interface{})
	}
	handlerCtx := ContextWithExecContext(timeoutCtx, handlerExec)
	args := conversation.CloneArguments(params)

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	logger.Debug().Msg("Executing tool")
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		value, err := tool.Handler(handlerCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, ErrApprovalRequired) {
				return Result{}, &ApprovalRequiredError{Tool: name, Reason: out.err.Error()}
			}
			return Result{}, &ToolExecutionError{Tool: name, Err: out.err}
		}
		mergeMemory(execCtx, handlerExec.Memory)
		if consumer, ok := gate.(GrantConsumer); ok && approved && consumer.Consume(name, execCtx) {
			logger.Info().Str("session_key", execCtx.SessionID).Msg("Approval grant consumed")
		}
		output, truncated := truncateOutput(out.value)
		if truncated {
			logger.Warn().Int("limit", MaxOutputSize).Msg("Output truncated")
		}
		return Result{Output: output, Truncated: truncated}, nil

	case <-timeoutCtx.Done():
		return Result{}, &ToolExecutionError{
			Tool:    name,
			Timeout: true,
			Err:     fmt.Errorf("tool execution timeout after %v", timeout),
		}
	}
}

func mergeMemory(execCtx *ExecutionContext, memory map[string]interface{}) {
	if execCtx.Memory == nil {
		if len(memory) == 0 {
			return
		}
		execCtx.Memory = make(map[string]interface{}, len(memory))
	}
	for k := range execCtx.Memory {
		if _, ok := memory[k]; !ok {
			delete(execCtx.Memory, k)
		}
	}
	for k, v := range memory {
		execCtx.Memory[k] = v
	}
}

func missingRequired(def *ToolDefinition, params map[string]interface{}) []string {
	var missing []string
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		v, ok := params[p.Name]
		if !ok || v == nil {
			missing = append(missing, p.Name)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters returns one line per schema violation.
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) []string {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	sort.Strings(details)
	return details
}

// FormatOutput renders a tool output as text: strings verbatim, everything
// else as JSON.
func FormatOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output interface{}) (interface{}, bool) {
	str := FormatOutput(output)
	if len(str) <= MaxOutputSize {
		return output, false
	}
	return conversation.Truncate(str, MaxOutputSize) + "\n... [output truncated]", true
}
