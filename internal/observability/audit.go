package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/concierge/internal/tracing"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`  // session ID or client address
	Action    string                 `json:"action"`           // e.g. "execute:flight_search", "run:final"
	Status    string                 `json:"status"`           // "success", "failure", "blocked"
	RunID     string                 `json:"run_id,omitempty"` // set when emitted inside a run
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// NewAuditLogger builds an audit logger writing to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// GetAuditLogger returns the global audit logger instance. Until
// InitAuditLogger or SetAuditLogger is called events are discarded.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = NewAuditLogger(io.Discard)
	}
	return auditInst
}

// SetAuditLogger replaces the global audit logger.
func SetAuditLogger(a *AuditLogger) {
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
}

// InitAuditLogger points the global audit logger at an append-only file.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	SetAuditLogger(a)
	return nil
}

// Record emits an audit event to the log and, when a span is active, as a
// span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = tracing.GetRunID(ctx)
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.RunID != "" {
		entry.Str("run_id", event.RunID)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Helper methods for common events

func RecordToolAudit(ctx context.Context, toolName, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordRunAudit(ctx context.Context, sessionID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "run",
		Actor:    sessionID,
		Action:   "run:" + status,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
