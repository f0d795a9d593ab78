package toolexecutor

import (
	"context"
	"time"
)

// ExecutionContext carries the run a tool call belongs to. Memory is the
// session key/value memory; handlers may read and write it.
type ExecutionContext struct {
	SessionID string
	RunID     string
	Timeout   time.Duration
	Memory    map[string]interface{}
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}

// SessionMemory returns the memory map of the handler's execution context,
// creating it when absent. It returns nil outside a dispatch.
func SessionMemory(ctx context.Context) map[string]interface{} {
	execCtx := ExecContextFromContext(ctx)
	if execCtx == nil {
		return nil
	}
	if execCtx.Memory == nil {
		execCtx.Memory = make(map[string]interface{})
	}
	return execCtx.Memory
}
