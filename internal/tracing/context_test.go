package tracing

import (
	"context"
	"testing"
)

func TestNewIDsAreUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID returned duplicate IDs")
	}
	if NewRunID() == NewRunID() {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithSessionKey(ctx, "session-abc")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RunID != "run-456" {
		t.Errorf("Expected run ID run-456, got %s", tc.RunID)
	}
	if tc.SessionKey != "session-abc" {
		t.Errorf("Expected session key session-abc, got %s", tc.SessionKey)
	}
	if tc.RequestID != "req-1" {
		t.Errorf("Expected request ID req-1, got %s", tc.RequestID)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetSessionKey(ctx) != "" || GetRequestID(ctx) != "" {
		t.Error("Expected empty values on a bare context")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-123"})

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRunID(ctx) != "" {
		t.Error("Run ID should be empty")
	}
	if GetSessionKey(ctx) != "" {
		t.Error("Session key should be empty")
	}
}

func TestNewRunContext(t *testing.T) {
	ctx, runID := NewRunContext(context.Background(), "session-1")

	if runID == "" || GetRunID(ctx) != runID {
		t.Errorf("Run ID not bound to context: %q vs %q", runID, GetRunID(ctx))
	}
	if GetSessionKey(ctx) != "session-1" {
		t.Error("Session key not set")
	}
	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
}

func TestNewRunContextKeepsCallerTrace(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-parent")

	ctx, _ := NewRunContext(parent, "session-1")
	if GetTraceID(ctx) != "trace-parent" {
		t.Error("Caller trace ID should be kept")
	}

	_, other := NewRunContext(parent, "session-1")
	if other == GetRunID(ctx) {
		t.Error("Each run should get its own run ID")
	}
}
