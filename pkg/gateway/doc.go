// Package gateway exposes the orchestrator over HTTP and websockets.
//
// Routes:
//
//	POST /v1/runs                    run once, respond with the RunResult
//	GET  /v1/runs/ws                 run and stream every step as it happens
//	GET  /v1/sessions/{id}           stored transcript and memory
//	POST /v1/sessions/{id}/approvals grant an approval-gated tool
//	GET  /healthz                    liveness and load
//	GET  /metrics                    Prometheus metrics
//
// Runs and approvals of one session go through that session's command
// queue lane, so they never overlap. Runs of different sessions proceed in
// parallel up to MaxConcurrentRuns. An Idempotency-Key header replays the
// result of an earlier successful run with the same key.
package gateway
