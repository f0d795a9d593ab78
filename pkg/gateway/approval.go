package gateway

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/commandqueue"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/toolexecutor"
)

// handleApproval stores a one-shot grant for an approval-gated tool. The
// write goes through the session lane so it never races a run.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateID(id); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req ApprovalRequest
	if err := s.decodeRequest(r.Body, &req); err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	if s.tools != nil && !slices.Contains(s.tools.Names(), req.Tool) {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown tool %q", req.Tool))
		return
	}

	actor := "gateway:" + clientIDFromContext(r.Context())
	grantedAt := s.now()
	_, err := s.queue.EnqueueWithContext(r.Context(), commandqueue.SessionLane(id), func(ctx context.Context) (interface{}, error) {
		return nil, toolexecutor.GrantForSession(ctx, s.store, id, req.Tool, actor, grantedAt)
	}, nil)
	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	if err != nil {
		logger.Error().
			Err(err).
			Str("session_key", id).
			Str("tool", req.Tool).
			Msg("Failed to store approval")
		s.writeError(w, r, http.StatusInternalServerError, "failed to store approval")
		return
	}

	logger.Info().
		Str("session_key", id).
		Str("tool", req.Tool).
		Str("actor", actor).
		Msg("Approval granted")

	s.writeJSON(w, r, http.StatusCreated, ApprovalResponse{
		SessionID: id,
		Tool:      req.Tool,
		GrantedAt: grantedAt.UTC(),
	})
}
