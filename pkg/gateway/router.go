package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const maxRequestIDLength = 64

// routes wires every endpoint. Health and metrics skip auth and throttling.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/runs", s.api("runs", s.handleRun))
	mux.Handle("GET /v1/runs/ws", s.api("runs_ws", s.handleRunStream))
	mux.Handle("GET /v1/sessions/{id}", s.api("sessions_get", s.handleSession))
	mux.Handle("POST /v1/sessions/{id}/approvals", s.api("approvals", s.handleApproval))

	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", s.instrument("metrics", observability.MetricsHandler()))

	return mux
}

// api wraps an endpoint with request ids, metrics, shutdown tracking,
// auth and ingress limiting, outermost first.
func (s *Server) api(route string, h http.HandlerFunc) http.Handler {
	return s.instrument(route, s.track(s.authenticate(s.throttle(h))))
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID, _ = gonanoid.New()
		}
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		ctx = tracing.WithRequestID(ctx, requestID)
		ctx = withClientID(ctx, clientAddress(r, s.trustProxy))
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		code := rec.statusCode()
		observability.RecordGatewayRequest(route, code)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("route", route).
			Str("method", r.Method).
			Int("status", code).
			Dur("duration", time.Since(started)).
			Msg("Gateway request")
	})
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.beginRequest() {
			s.writeError(w, r, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		defer s.inFlightReqs.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authHandler.Authorize(r) {
			client := clientIDFromContext(r.Context())
			observability.RecordSecurityAudit(r.Context(), "gateway.auth", client, "denied", map[string]interface{}{
				"path": r.URL.Path,
			})
			logger := tracing.LoggerFromContext(r.Context(), s.logger)
			logger.Warn().
				Str("client", client).
				Str("path", r.URL.Path).
				Msg("Rejected unauthenticated request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="concierge"`)
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiters.For(clientIDFromContext(r.Context()))
		release, reason := limiter.Acquire()
		if release == nil {
			observability.RecordGatewayThrottled()
			if reason == ReasonRateLimited {
				seconds := int(limiter.RetryAfter().Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			s.writeError(w, r, http.StatusTooManyRequests, reason)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSON(w, r, code, ErrorResponse{
		Error:     message,
		RequestID: tracing.GetRequestID(r.Context()),
	})
}

// statusRecorder captures the response code. It stays hijackable for the
// websocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		r.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) statusCode() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}
