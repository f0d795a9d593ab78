package toolexecutor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrApprovalRequired is returned by handlers that need a human to sign off
// before acting.
var ErrApprovalRequired = errors.New("approval required")

// UnknownToolError reports a call to a tool that is not registered or not
// allowed by policy.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Tool)
}

// InvalidArgumentsError reports arguments that fail the tool's parameter spec.
type InvalidArgumentsError struct {
	Tool    string
	Missing []string
	Details []string
}

func (e *InvalidArgumentsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required parameters: "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Details...)
	if len(parts) == 0 {
		return fmt.Sprintf("invalid arguments for %s", e.Tool)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// ToolExecutionError wraps a handler failure or timeout.
type ToolExecutionError struct {
	Tool    string
	Timeout bool
	Err     error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ApprovalRequiredError reports a tool call held back until it is approved.
type ApprovalRequiredError struct {
	Tool   string
	Reason string
}

func (e *ApprovalRequiredError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %s requires approval", e.Tool)
	}
	return fmt.Sprintf("tool %s requires approval: %s", e.Tool, e.Reason)
}

func (e *ApprovalRequiredError) Is(target error) bool {
	return target == ErrApprovalRequired
}

// errorKind is the metrics label for a dispatch failure.
func errorKind(err error) string {
	var (
		unknown  *UnknownToolError
		invalid  *InvalidArgumentsError
		approval *ApprovalRequiredError
	)
	switch {
	case errors.As(err, &unknown):
		return "unknown_tool"
	case errors.As(err, &invalid):
		return "invalid_arguments"
	case errors.As(err, &approval):
		return "approval_required"
	default:
		return "execution"
	}
}
