package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/conversation"
)

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
	initialBackoff   = 500 * time.Millisecond
	maxBackoff       = 8 * time.Second
)

// request is the provider-neutral call handed to a backend.
type request struct {
	Model       string
	System      string
	Messages    []conversation.Message
	Tools       []conversation.ToolSchema
	Temperature float64
	MaxTokens   int
}

// backend speaks one provider's API.
type backend interface {
	complete(ctx context.Context, req request) (Response, error)
	// statusCode extracts the HTTP status of a provider error, if any.
	statusCode(err error) int
}

// Hosted delegates to an external provider.
type Hosted struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	timeout     time.Duration
	backend     backend
	limiter     *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger
}

var _ Client = (*Hosted)(nil)

// NewHosted builds a hosted client for cfg.Provider.
func NewHosted(ctx context.Context, cfg Config) (*Hosted, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", cfg.Provider)
	}

	var (
		b   backend
		err error
	)
	switch cfg.Provider {
	case ProviderAnthropic:
		b = newAnthropicBackend(cfg)
	case ProviderOpenAI:
		b = newOpenAIBackend(cfg)
	case ProviderGemini:
		b, err = newGeminiBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return newHosted(cfg, b), nil
}

func newHosted(cfg Config, b backend) *Hosted {
	observability.EnsureRegistered()

	h := &Hosted{
		provider:    cfg.Provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		timeout:     cfg.Timeout,
		backend:     b,
		sleep:       sleepContext,
		logger:      cfg.Logger.With().Str("component", "llm").Str("provider", cfg.Provider).Logger(),
	}
	if h.maxTokens <= 0 {
		h.maxTokens = defaultMaxTokens
	}
	if h.maxRetries < 0 {
		h.maxRetries = 0
	}
	if h.timeout <= 0 {
		h.timeout = defaultTimeout
	}
	if cfg.RequestsPerMinute > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return h
}

// Name implements Client.
func (h *Hosted) Name() string { return h.provider }

// Complete implements Client. Transient failures are retried with
// exponential backoff; the last failure is returned as *ProviderError.
func (h *Hosted) Complete(ctx context.Context, prompt conversation.Prompt) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "concierge.llm", "llm.complete",
		attribute.String("llm.provider", h.provider),
		attribute.String("llm.model", h.model),
		attribute.Int("llm.messages", len(prompt.Messages)),
		attribute.Int("llm.tools", len(prompt.Tools)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, h.logger)

	req := h.buildRequest(prompt)
	start := time.Now()

	var (
		lastErr error
		status  int
		attempt int
	)
	for attempt = 1; attempt <= h.maxRetries+1; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				lastErr = fmt.Errorf("request pacing: %w", err)
				break
			}
		}

		resp, err := h.call(ctx, req)
		if err == nil {
			observability.RecordModelCall(h.provider, time.Since(start), true)
			if resp.Usage != nil {
				span.SetAttributes(
					attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
					attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
				)
			}
			logger.Debug().
				Int("attempt", attempt).
				Str("kind", string(resp.Kind)).
				Dur("duration", time.Since(start)).
				Msg("Model call completed")
			return resp, nil
		}

		lastErr = err
		status = h.backend.statusCode(err)
		if ctx.Err() != nil || !isRetryable(err, status) || attempt > h.maxRetries {
			break
		}

		delay := backoff(attempt)
		observability.RecordModelRetry(h.provider)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("status", status).
			Dur("delay", delay).
			Msg("Retrying model call after error")
		if err := h.sleep(ctx, delay); err != nil {
			break
		}
	}
	if attempt > h.maxRetries+1 {
		attempt = h.maxRetries + 1
	}

	observability.RecordModelCall(h.provider, time.Since(start), false)
	perr := &ProviderError{Provider: h.provider, StatusCode: status, Attempts: attempt, Err: lastErr}
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Error())
	logger.Error().Err(lastErr).Int("status", status).Int("attempts", attempt).Msg("Model call failed")
	return Response{}, perr
}

func (h *Hosted) call(ctx context.Context, req request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.backend.complete(callCtx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.Kind == KindToolCall && (resp.ToolCall == nil || resp.ToolCall.Name == "") {
		return Response{}, errors.New("provider returned a tool call without a name")
	}
	return resp, nil
}

func (h *Hosted) buildRequest(prompt conversation.Prompt) request {
	req := request{
		Model:       h.model,
		Tools:       prompt.Tools,
		Temperature: h.temperature,
		MaxTokens:   h.maxTokens,
	}
	var system []string
	for _, msg := range prompt.Messages {
		if msg.Role == conversation.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		req.Messages = append(req.Messages, msg)
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

// backoff returns 500ms, 1s, 2s, ... capped at maxBackoff.
func backoff(attempt int) time.Duration {
	d := initialBackoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// isRetryable accepts rate limits, server errors and network failures.
func isRetryable(err error, status int) bool {
	if err == nil {
		return false
	}
	switch {
	case status == 429 || status == 408 || status >= 500:
		return true
	case status >= 400:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "overloaded", "429", "502", "503", "504"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
