// Package commandqueue runs tasks in named FIFO lanes.
//
// Invariants:
// - Tasks in the same lane execute one at a time, in enqueue order.
// - Tasks in different lanes may execute concurrently.
// - A task whose caller context ends while it is still queued is skipped.
// - A successful result is replayed for later tasks with the same DedupKey
//   until DedupTTL passes; failures are never cached.
//
// The gateway gives every session its own lane, so runs and approval grants
// against one session never interleave their load and save.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{DedupTTL: 10 * time.Minute})
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.SessionLane("trip-42"), func(ctx context.Context) (interface{}, error) {
//		return orch.Run(ctx, "trip-42", goal)
//	}, &commandqueue.TaskOptions{DedupKey: "run:trip-42:" + idempotencyKey})
package commandqueue
