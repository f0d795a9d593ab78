package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/commandqueue"
	"github.com/harun/concierge/pkg/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by NewServer to zero Config fields.
const (
	DefaultMaxConcurrentRuns      = 8
	DefaultRequestsPerMinute      = 60
	DefaultMaxConcurrentPerClient = 4
)

// Server is the HTTP and websocket boundary in front of the orchestrator.
type Server struct {
	addr         string
	server       *http.Server
	listener     net.Listener
	handler      http.Handler
	upgrader     websocket.Upgrader
	validate     *validator.Validate
	streams      *StreamRegistry
	authHandler  *AuthHandler
	limiters     *ClientLimiters
	runSlots     *semaphore.Weighted
	queue        *commandqueue.CommandQueue
	runner       Runner
	store        session.Store
	tools        ToolNames
	trustProxy   bool
	now          func() time.Time
	logger       zerolog.Logger
	activeRuns   atomic.Int32
	inFlightReqs sync.WaitGroup

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// ToolNames lists the registered tools.
type ToolNames interface {
	Names() []string
}

// Config holds server configuration
type Config struct {
	Host                   string
	Port                   int
	SharedSecret           string
	MaxConcurrentRuns      int
	RequestsPerMinute      int
	MaxConcurrentPerClient int
	TrustProxy             bool

	Runner Runner
	Store  session.Store
	Queue  *commandqueue.CommandQueue
	// Tools, when set, restricts approvals to registered tools.
	Tools  ToolNames
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewServer creates a Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.MaxConcurrentPerClient <= 0 {
		cfg.MaxConcurrentPerClient = DefaultMaxConcurrentPerClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	observability.EnsureRegistered()

	s := &Server{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		validate:    newValidator(),
		streams:     NewStreamRegistry(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		limiters:    NewClientLimiters(cfg.RequestsPerMinute, cfg.MaxConcurrentPerClient),
		runSlots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		queue:       cfg.Queue,
		runner:      cfg.Runner,
		store:       cfg.Store,
		tools:       cfg.Tools,
		trustProxy:  cfg.TrustProxy,
		now:         cfg.Now,
		logger:      cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth is the bearer secret, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()

	return s, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves in the background. A bind failure is returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests and waits for in-flight runs until ctx ends;
// open streams still running then are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown server: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		for _, stream := range s.streams.List() {
			s.logger.Warn().
				Str("stream_id", stream.ID).
				Str("session_id", stream.SessionID).
				Time("connected_at", stream.ConnectedAt).
				Msg("Closing unfinished run stream")
		}
		closed := s.streams.CloseAll("server shutting down")
		s.logger.Warn().Int("streams", closed).Msg("Shutdown timeout reached, forcing close")
		errs = append(errs, fmt.Errorf("waiting for in-flight requests: %w", ctx.Err()))
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return errors.Join(errs...)
}

// PruneClients drops ingress limiter state of idle clients.
func (s *Server) PruneClients(idle time.Duration) int {
	return s.limiters.Prune(idle)
}

// beginRequest registers an in-flight request unless shutdown started.
func (s *Server) beginRequest() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightReqs.Add(1)
	return true
}
