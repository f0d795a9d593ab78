package orchestrator

import (
	"context"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/conversation"
	"github.com/rs/zerolog"
)

// Sink receives every step of a run, synchronously and in emission order.
// Implementations must not block for long; the loop waits for them.
type Sink interface {
	OnStep(ctx context.Context, runID string, step Step)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, runID string, step Step)

// OnStep calls f.
func (f SinkFunc) OnStep(ctx context.Context, runID string, step Step) {
	f(ctx, runID, step)
}

// MetricsSink counts steps by type.
type MetricsSink struct{}

// OnStep implements Sink.
func (MetricsSink) OnStep(_ context.Context, _ string, step Step) {
	observability.RecordStep(string(step.Type))
}

// LogSink writes a debug line per step.
type LogSink struct {
	Logger zerolog.Logger
}

// OnStep implements Sink.
func (s LogSink) OnStep(ctx context.Context, runID string, step Step) {
	logger := tracing.LoggerFromContext(ctx, s.Logger)
	event := logger.Debug().
		Str("run_id", runID).
		Str("step", string(step.Type)).
		Int("iteration", step.Iteration)
	switch step.Type {
	case StepLLMPrompt:
		if step.Prompt != nil {
			event = event.Int("approx_tokens", conversation.EstimateTokens(step.Prompt.Messages))
		}
	case StepToolResult, StepRateLimited:
		event = event.Str("tool", step.Tool)
	case StepToolError:
		event = event.Str("tool", step.Tool).Str("error", step.Error)
	case StepBlocked:
		event = event.Str("reason", step.Reason)
	case StepError:
		event = event.Str("detail", step.Detail)
	}
	event.Msg("Run step")
}

// Collector is a Sink that keeps the steps of a single run.
type Collector struct {
	trace *Trace
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{trace: NewTrace()}
}

// OnStep implements Sink.
func (c *Collector) OnStep(_ context.Context, _ string, step Step) {
	_ = c.trace.Append(step)
}

// Steps returns the collected steps.
func (c *Collector) Steps() []Step {
	return c.trace.Steps()
}
