package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/commandqueue"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/harun/concierge/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	maxBodyBytes           = 1 << 20
	streamHandshakeTimeout = 10 * time.Second
	queueWarnAfterMs       = 5000
)

// requestError is a client error with optional per-field detail.
type requestError struct {
	message string
	fields  map[string]string
}

func (e *requestError) Error() string { return e.message }

// decodeRequest reads a JSON body into v and validates it.
func (s *Server) decodeRequest(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &requestError{message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return s.validateRequest(v)
}

func (s *Server) validateRequest(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &requestError{message: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &requestError{message: "request validation failed", fields: fields}
}

// runInLane executes a run behind the session lane and a global run slot,
// so runs of one session never overlap.
func (s *Server) runInLane(ctx context.Context, req RunRequest, idempotencyKey string, sinks ...orchestrator.Sink) (orchestrator.RunResult, error) {
	opts := &commandqueue.TaskOptions{WarnAfterMs: queueWarnAfterMs}
	if idempotencyKey != "" {
		opts.DedupKey = "run:" + req.SessionID + ":" + idempotencyKey
	}

	value, err := s.queue.EnqueueWithContext(ctx, commandqueue.SessionLane(req.SessionID), func(taskCtx context.Context) (interface{}, error) {
		if err := s.runSlots.Acquire(taskCtx, 1); err != nil {
			return orchestrator.RunResult{}, fmt.Errorf("waiting for a run slot: %w", err)
		}
		defer s.runSlots.Release(1)

		s.activeRuns.Add(1)
		defer s.activeRuns.Add(-1)
		return s.runner.RunWithSinks(taskCtx, req.SessionID, req.Goal, sinks...)
	}, opts)

	result, _ := value.(orchestrator.RunResult)
	return result, err
}

// runErrorStatus maps a run failure to an HTTP status.
func runErrorStatus(err error) int {
	switch {
	case orchestrator.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, commandqueue.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := s.decodeRequest(r.Body, &req); err != nil {
		s.writeRequestError(w, r, err)
		return
	}

	result, err := s.runInLane(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().
			Err(err).
			Str("session_key", req.SessionID).
			Str("run_id", result.RunID).
			Msg("Run failed")
		s.writeJSON(w, r, runErrorStatus(err), ErrorResponse{
			Error:     err.Error(),
			RequestID: tracing.GetRequestID(r.Context()),
			RunID:     result.RunID,
		})
		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	logger := tracing.LoggerFromContext(r.Context(), s.logger)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	s.streams.Add(&StreamClient{
		ID:          clientID,
		Conn:        conn,
		IPAddress:   clientIDFromContext(r.Context()),
		ConnectedAt: s.now(),
	})
	defer s.streams.Remove(clientID)

	logger = logger.With().Str("clientId", clientID).Logger()
	writer := newStreamWriter(conn, logger)

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(streamHandshakeTimeout))

	var req RunRequest
	if err := conn.ReadJSON(&req); err != nil {
		writer.writeError("", fmt.Sprintf("invalid run request: %v", err))
		writer.close(websocket.CloseUnsupportedData, "invalid run request")
		return
	}
	if err := s.validateRequest(&req); err != nil {
		writer.writeError("", err.Error())
		writer.close(websocket.ClosePolicyViolation, "invalid run request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.streams.SetSession(clientID, req.SessionID)

	// The client going away cancels its run.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = r.URL.Query().Get("idempotency_key")
	}

	result, err := s.runInLane(ctx, req, idempotencyKey, writer)
	if err != nil {
		logger.Error().Err(err).Str("session_key", req.SessionID).Msg("Streamed run failed")
		writer.writeError(result.RunID, err.Error())
		writer.close(websocket.CloseInternalServerErr, "run failed")
		return
	}

	writer.writeResult(result)
	writer.close(websocket.CloseNormalClosure, string(result.Status))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateID(id); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.store.Load(r.Context(), id)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Str("session_key", id).Msg("Failed to load session")
		s.writeError(w, r, http.StatusInternalServerError, "failed to load session")
		return
	}
	if len(sess.Transcript) == 0 && len(sess.Memory) == 0 {
		s.writeError(w, r, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}

	s.writeJSON(w, r, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()

	body := HealthResponse{
		Status:        "ok",
		ActiveRuns:    int(s.activeRuns.Load()),
		ActiveStreams: s.streams.Count(),
	}
	for _, lane := range s.queue.Stats() {
		body.BusySessions++
		body.QueuedTasks += lane.Queued
	}
	clients := s.limiters.Stats()
	body.Clients = clients.Clients
	body.InFlightRequests = clients.Concurrent
	code := http.StatusOK
	if shuttingDown {
		body.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, code, body)
}

func (s *Server) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
		Error:     reqErr.message,
		RequestID: tracing.GetRequestID(r.Context()),
		Fields:    reqErr.fields,
	})
}
