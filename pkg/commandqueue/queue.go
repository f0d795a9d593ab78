package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SessionLanePrefix prefixes the lane of every session.
const SessionLanePrefix = "session:"

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// SessionLane returns the lane that serializes runs of one session.
func SessionLane(sessionID string) string {
	return SessionLanePrefix + sessionID
}

// metricLane collapses per-session lanes into one label value.
func metricLane(lane string) string {
	if strings.HasPrefix(lane, SessionLanePrefix) {
		return "session"
	}
	return lane
}

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// DedupKey makes the task idempotent: a successful task's result is
	// returned to later callers with the same key until it expires.
	DedupKey    string
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	queue   []*taskRecord
	running int
}

// laneConcurrency is how many tasks of one lane run at once.
const laneConcurrency = 1

// LaneStats is the load of one lane.
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Config configures a CommandQueue.
type Config struct {
	// DedupTTL bounds how long completed results stay available by DedupKey.
	DedupTTL time.Duration
	// DedupMaxEntries caps the cached results; the oldest are evicted first.
	DedupMaxEntries int
	Logger          zerolog.Logger
}

// CommandQueue runs tasks in FIFO lanes, one task per lane at a time.
// Idle lanes are dropped.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache
	logger    zerolog.Logger
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		dedup:  newDedupCache(ctx, cfg.DedupTTL, cfg.DedupMaxEntries),
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// EnqueueWithContext adds a task to the lane and waits for its result. If
// ctx ends while the task is still queued, the task is skipped.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"concierge.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", metricLane(lane)),
	)
	defer span.End()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.DedupKey != "" {
		if cached, ok := cq.dedup.Get(opts.DedupKey); ok {
			span.SetAttributes(attribute.Bool("dedup_hit", true))
			return cached.value, cached.err
		}
	}

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(metricLane(lane), queueSize)

	if opts.WarnAfterMs > 0 {
		go cq.startWarnTimer(record, lane)
	}

	cq.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	if opts.DedupKey != "" && result.err == nil {
		cq.dedup.Set(opts.DedupKey, result)
	}
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return
	}

	for ls.running < laneConcurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: fmt.Errorf("task abandoned while queued: %w", err)}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}

	if ls.running == 0 && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"concierge.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", metricLane(lane)),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	cq.mu.Lock()
	queueSize := 0
	if ls, ok := cq.lanes[lane]; ok {
		ls.running--
		queueSize = len(ls.queue)
	}
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(metricLane(lane), duration, err == nil, queueSize)

	cq.processLane(lane)
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		cq.mu.Lock()
		queuePos := -1
		if ls, ok := cq.lanes[lane]; ok {
			for i, r := range ls.queue {
				if r.id == record.id {
					queuePos = i
					break
				}
			}
		}
		cq.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			cq.logger.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-cq.ctx.Done():
	}
}

// LaneCount returns the number of lanes with queued or running tasks.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Stats returns the load of every active lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
	}
	return stats
}

// WaitForActive waits until every lane is idle or timeout passes. It
// reports whether the queue drained.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.LaneCount() == 0 {
			cq.logger.Info().Msg("All active tasks completed")
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}
