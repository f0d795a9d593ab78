package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys stamped from the context ids.
const (
	AttrRunID      = attribute.Key("concierge.run_id")
	AttrSessionID  = attribute.Key("concierge.session_id")
	AttrRequestID  = attribute.Key("concierge.request_id")
	defaultService = "concierge"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry installs the process-wide tracer provider. Later calls
// are no-ops that return the first call's error.
func InitOpenTelemetry(serviceName string) error {
	if serviceName == "" {
		serviceName = defaultService
	}
	providerOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes pending spans. It is a no-op before Init.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// contextAttributes returns the run, session and request ids found in ctx.
func contextAttributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)
	attrs := make([]attribute.KeyValue, 0, 3)
	if tc.RunID != "" {
		attrs = append(attrs, AttrRunID.String(tc.RunID))
	}
	if tc.SessionKey != "" {
		attrs = append(attrs, AttrSessionID.String(tc.SessionKey))
	}
	if tc.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(tc.RequestID))
	}
	return attrs
}

// StartSpan starts a span tagged with the ids carried by ctx plus attrs.
// When ctx has no trace ID yet, the span's trace ID is stored in it so that
// logs and spans of one run share an ID.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	all := append(contextAttributes(ctx), attrs...)
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(all...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
