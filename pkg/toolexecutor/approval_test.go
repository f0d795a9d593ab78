package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/concierge/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookingTool(calls *atomic.Int32) ToolDefinition {
	return ToolDefinition{
		Name:        "book_flight",
		Description: "Books a flight",
		Parameters: []ToolParameter{
			{Name: "flight_id", Type: "string", Description: "Flight to book", Required: true},
		},
		RequiresApproval: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return "booked " + params["flight_id"].(string), nil
		},
	}
}

func TestDenyAll(t *testing.T) {
	ok, reason := DenyAll{}.Approve(context.Background(), "book_flight", nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "book_flight")
}

func TestMemoryGrants_ConsumesOneShotGrant(t *testing.T) {
	mem := map[string]interface{}{}
	execCtx := &ExecutionContext{SessionID: "trip-1", Memory: mem}

	ok, reason := MemoryGrants{}.Approve(context.Background(), "book_flight", execCtx)
	assert.False(t, ok)
	assert.Contains(t, reason, "concierge approve --session trip-1 --tool book_flight")

	Grant(mem, "book_flight", time.Now())
	assert.Contains(t, mem, "approval:book_flight")

	ok, _ = MemoryGrants{}.Approve(context.Background(), "book_flight", execCtx)
	assert.True(t, ok)
	assert.Contains(t, mem, "approval:book_flight", "approval alone does not spend the grant")

	assert.True(t, MemoryGrants{}.Consume("book_flight", execCtx))
	assert.NotContains(t, mem, "approval:book_flight")
	assert.False(t, MemoryGrants{}.Consume("book_flight", execCtx))

	ok, _ = MemoryGrants{}.Approve(context.Background(), "book_flight", execCtx)
	assert.False(t, ok, "grant is single use")
}

func TestMemoryGrants_IgnoresFalseGrant(t *testing.T) {
	execCtx := &ExecutionContext{Memory: map[string]interface{}{GrantKey("book_flight"): false}}
	ok, _ := MemoryGrants{}.Approve(context.Background(), "book_flight", execCtx)
	assert.False(t, ok)
}

func TestNewApprovalGate(t *testing.T) {
	gate, err := NewApprovalGate("deny")
	require.NoError(t, err)
	assert.IsType(t, DenyAll{}, gate)

	gate, err = NewApprovalGate("grants")
	require.NoError(t, err)
	assert.IsType(t, MemoryGrants{}, gate)

	_, err = NewApprovalGate("maybe")
	assert.Error(t, err)
}

func TestRegistry_ApprovalGatedToolBlocksWithoutGrant(t *testing.T) {
	var calls atomic.Int32
	reg := New(Options{Gate: MemoryGrants{}})
	require.NoError(t, reg.Register(bookingTool(&calls)))

	execCtx := &ExecutionContext{SessionID: "trip-1", Memory: map[string]interface{}{}}
	_, err := reg.Dispatch(context.Background(), "book_flight", map[string]interface{}{"flight_id": "TP123"}, execCtx)

	var approval *ApprovalRequiredError
	require.ErrorAs(t, err, &approval)
	assert.ErrorIs(t, err, ErrApprovalRequired)
	assert.Equal(t, int32(0), calls.Load())

	Grant(execCtx.Memory, "book_flight", time.Now())
	res, err := reg.Dispatch(context.Background(), "book_flight", map[string]interface{}{"flight_id": "TP123"}, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "booked TP123", res.Output)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, execCtx.Memory, GrantKey("book_flight"))
}

func TestRegistry_FailedApprovedCallKeepsGrant(t *testing.T) {
	reg := New(Options{Gate: MemoryGrants{}})
	attempts := 0
	require.NoError(t, reg.Register(ToolDefinition{
		Name:             "book_flight",
		Description:      "Books a flight",
		RequiresApproval: true,
		Parameters: []ToolParameter{
			{Name: "flight_id", Type: "string", Description: "Flight to book", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			attempts++
			if params["flight_id"] != "TP123" {
				return nil, fmt.Errorf("unknown option %v", params["flight_id"])
			}
			return "booked", nil
		},
	}))

	execCtx := &ExecutionContext{SessionID: "trip-1", Memory: map[string]interface{}{}}
	Grant(execCtx.Memory, "book_flight", time.Now())

	_, err := reg.Dispatch(context.Background(), "book_flight", map[string]interface{}{"flight_id": "XX999"}, execCtx)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execCtx.Memory, GrantKey("book_flight"))

	_, err = reg.Dispatch(context.Background(), "book_flight", map[string]interface{}{"flight_id": "TP123"}, execCtx)
	require.NoError(t, err)
	assert.NotContains(t, execCtx.Memory, GrantKey("book_flight"))
	assert.Equal(t, 2, attempts)
}

func TestRegistry_ApprovalToolsOption(t *testing.T) {
	reg := New(Options{ApprovalTools: []string{"echo"}})
	require.NoError(t, reg.Register(echoTool()))

	assert.True(t, reg.Get("echo").RequiresApproval)

	_, err := reg.Dispatch(context.Background(), "echo", map[string]interface{}{"message": "hi"}, nil)
	assert.ErrorIs(t, err, ErrApprovalRequired)
}

func TestRegistry_InvalidArgumentsCheckedBeforeApproval(t *testing.T) {
	var calls atomic.Int32
	reg := New(Options{})
	require.NoError(t, reg.Register(bookingTool(&calls)))

	_, err := reg.Dispatch(context.Background(), "book_flight", map[string]interface{}{}, nil)
	var invalid *InvalidArgumentsError
	assert.ErrorAs(t, err, &invalid)
}

func TestRegistry_HandlerSignalsApproval(t *testing.T) {
	reg := New(Options{})
	require.NoError(t, reg.Register(ToolDefinition{
		Name:        "charge_card",
		Description: "Charges above a threshold need approval",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("amount over limit: %w", ErrApprovalRequired)
		},
	}))

	_, err := reg.Dispatch(context.Background(), "charge_card", nil, nil)

	var approval *ApprovalRequiredError
	require.ErrorAs(t, err, &approval)
	assert.Contains(t, approval.Reason, "amount over limit")

	var execErr *ToolExecutionError
	assert.False(t, errors.As(err, &execErr))
}

func TestGrantForSession(t *testing.T) {
	store, err := session.NewFileStore(session.FileConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 2, 24, 9, 0, 0, 0, time.UTC)

	require.NoError(t, GrantForSession(ctx, store, "trip-1", " book_flight ", "cli", now))

	sess, err := store.Load(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-24T09:00:00Z", sess.Memory[GrantKey("book_flight")])

	approved, _ := MemoryGrants{}.Approve(ctx, "book_flight", &ExecutionContext{SessionID: "trip-1", Memory: sess.Memory})
	assert.True(t, approved)

	assert.Error(t, GrantForSession(ctx, store, "../escape", "book_flight", "cli", now))
	assert.Error(t, GrantForSession(ctx, store, "trip-1", "  ", "cli", now))
}
