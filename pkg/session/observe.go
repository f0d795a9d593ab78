package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
)

// operation wraps one store call in a span, a scoped logger and metrics.
type operation struct {
	backend string
	op      string
	start   time.Time
	span    trace.Span
	logger  zerolog.Logger
}

func beginOp(ctx context.Context, base zerolog.Logger, backend, op, id string) (context.Context, *operation) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id != "" {
		ctx = tracing.WithSessionKey(ctx, id)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"concierge.session",
		"session."+op,
		attribute.String("session.backend", backend),
		attribute.String("session_key", id),
	)
	return ctx, &operation{
		backend: backend,
		op:      op,
		start:   time.Now(),
		span:    span,
		logger:  tracing.LoggerFromContext(ctx, base),
	}
}

// end records the outcome and returns err unchanged.
func (o *operation) end(err error) error {
	defer o.span.End()

	switch o.op {
	case "load":
		observability.RecordSessionLoad(o.backend, time.Since(o.start))
	case "save":
		observability.RecordSessionSave(o.backend, time.Since(o.start))
	}

	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		observability.RecordSessionError(o.backend, o.op)
	}
	return err
}
