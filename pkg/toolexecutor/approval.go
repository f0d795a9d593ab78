package toolexecutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/session"
)

// GrantKeyPrefix prefixes approval grants stored in session memory.
const GrantKeyPrefix = "approval:"

// ApprovalGate decides whether an approval-gated tool may run now.
type ApprovalGate interface {
	Approve(ctx context.Context, tool string, execCtx *ExecutionContext) (approved bool, reason string)
}

// DenyAll never approves.
type DenyAll struct{}

// Approve implements ApprovalGate.
func (DenyAll) Approve(_ context.Context, tool string, _ *ExecutionContext) (bool, string) {
	return false, fmt.Sprintf("%s needs explicit human approval", tool)
}

// AllowAll approves everything. Useful for trusted local runs and tests.
type AllowAll struct{}

// Approve implements ApprovalGate.
func (AllowAll) Approve(context.Context, string, *ExecutionContext) (bool, string) {
	return true, ""
}

// GrantConsumer is implemented by gates whose approvals are used up. The
// registry calls Consume only after the approved call succeeded, so a
// failed or timed-out call keeps its grant.
type GrantConsumer interface {
	Consume(tool string, execCtx *ExecutionContext) bool
}

// MemoryGrants approves a tool once per grant found in session memory. A
// successful call consumes the grant, so the next call needs a new one.
type MemoryGrants struct{}

// Approve implements ApprovalGate.
func (MemoryGrants) Approve(_ context.Context, tool string, execCtx *ExecutionContext) (bool, string) {
	if hasGrant(tool, execCtx) {
		return true, ""
	}

	session := ""
	if execCtx != nil {
		session = execCtx.SessionID
	}
	return false, fmt.Sprintf("%s needs approval; grant it with `concierge approve --session %s --tool %s` and ask again", tool, session, tool)
}

// Consume implements GrantConsumer.
func (MemoryGrants) Consume(tool string, execCtx *ExecutionContext) bool {
	if !hasGrant(tool, execCtx) {
		return false
	}
	delete(execCtx.Memory, GrantKey(tool))
	return true
}

func hasGrant(tool string, execCtx *ExecutionContext) bool {
	if execCtx == nil || execCtx.Memory == nil {
		return false
	}
	v, ok := execCtx.Memory[GrantKey(tool)]
	return ok && v != nil && v != false
}

// GrantKey is the session memory key holding a one-shot grant for tool.
func GrantKey(tool string) string {
	return GrantKeyPrefix + tool
}

// Grant records a one-shot approval for tool in memory.
func Grant(memory map[string]interface{}, tool string, now time.Time) {
	memory[GrantKey(tool)] = now.UTC().Format(time.RFC3339)
}

// NewApprovalGate returns the gate for a configured mode: "deny" or "grants".
func NewApprovalGate(mode string) (ApprovalGate, error) {
	switch mode {
	case "deny":
		return DenyAll{}, nil
	case "", "grants":
		return MemoryGrants{}, nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}
}

// GrantForSession stores a one-shot grant for tool in the session's memory.
// Callers must serialize it with runs of the same session.
func GrantForSession(ctx context.Context, store session.Store, sessionID, tool, actor string, now time.Time) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return fmt.Errorf("tool is required")
	}

	sess, err := store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Memory == nil {
		sess.Memory = make(map[string]interface{})
	}
	Grant(sess.Memory, tool, now)
	sess.UpdatedAt = now
	if err := store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	observability.RecordSecurityAudit(ctx, "approval.grant", actor, "granted", map[string]interface{}{
		"session_id": sessionID,
		"tool":       tool,
	})
	return nil
}
