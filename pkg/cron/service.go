package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/concierge/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultJobTimeout bounds one job execution.
const DefaultJobTimeout = 5 * time.Minute

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Location   *time.Location
	JobTimeout time.Duration
	Logger     zerolog.Logger
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	status  JobStatus
}

// Service runs maintenance jobs on their schedules. A job never overlaps
// with itself; a tick that arrives while the previous run is still going
// is skipped.
type Service struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*jobState
	started bool
	stopped bool
}

// NewService creates a stopped service.
func NewService(opts ServiceOptions) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	logger := opts.Logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*jobState),
	}
}

// Add schedules a job. Names are unique.
func (s *Service) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already exists", job.Name)
	}

	state := &jobState{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(state) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	state.entryID = id
	s.jobs[job.Name] = state

	s.logger.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job scheduled")
	return nil
}

// Start begins firing jobs.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Cron service started")
}

// Stop stops scheduling, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// RunNow executes a job immediately and returns its error.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	state, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(state)
}

// Status returns the state of every job, sorted by name.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, state := range s.jobs {
		status := state.status
		if s.started {
			status.NextRun = s.cron.Entry(state.entryID).Next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) execute(state *jobState) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "concierge.cron", "cron.job", attribute.String("job", state.job.Name))
	defer span.End()

	started := time.Now()
	err := state.job.Run(ctx)
	elapsed := time.Since(started)

	s.mu.Lock()
	state.status.Runs++
	state.status.LastRun = started
	state.status.LastError = ""
	if err != nil {
		state.status.Failures++
		state.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error().Err(err).Str("job", state.job.Name).Dur("duration", elapsed).Msg("Job failed")
		return err
	}
	s.logger.Debug().Str("job", state.job.Name).Dur("duration", elapsed).Msg("Job completed")
	return nil
}
