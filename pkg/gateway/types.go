package gateway

import (
	"context"
	"time"

	"github.com/harun/concierge/pkg/orchestrator"
)

// Runner executes one orchestrator run. *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	RunWithSinks(ctx context.Context, sessionID, goal string, extra ...orchestrator.Sink) (orchestrator.RunResult, error)
}

// RunRequest is the body of POST /v1/runs and the first websocket frame of
// GET /v1/runs/ws.
type RunRequest struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
	Goal      string `json:"goal" validate:"required,max=8000"`
}

// ApprovalRequest is the body of POST /v1/sessions/{id}/approvals.
type ApprovalRequest struct {
	Tool string `json:"tool" validate:"required,max=128"`
}

// ApprovalResponse confirms a stored grant.
type ApprovalResponse struct {
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	GrantedAt time.Time `json:"granted_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string            `json:"error"`
	RequestID string            `json:"request_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveRuns    int    `json:"active_runs"`
	ActiveStreams int    `json:"active_streams"`
	// BusySessions counts session lanes with a task queued or running.
	BusySessions int `json:"busy_sessions"`
	QueuedTasks  int `json:"queued_tasks"`
	Clients      int `json:"clients"`
	// InFlightRequests counts requests admitted by the per-client limiters.
	InFlightRequests int `json:"in_flight_requests"`
}

// StreamType identifies a websocket frame.
type StreamType string

const (
	StreamTypeStep   StreamType = "step"
	StreamTypeResult StreamType = "result"
	StreamTypeError  StreamType = "error"
)

// StreamMessage is one websocket frame. Steps arrive in emission order with
// increasing Seq; the last frame is a result or an error.
type StreamMessage struct {
	Type      StreamType              `json:"type"`
	Seq       int64                   `json:"seq"`
	RunID     string                  `json:"run_id,omitempty"`
	Step      *orchestrator.Step      `json:"step,omitempty"`
	Result    *orchestrator.RunResult `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Timestamp int64                   `json:"timestamp"`
}
