// Package orchestrator runs the session-bound agent loop.
//
// A run loads the session, appends the goal, and alternates model calls with
// rate-limited tool dispatches until the model answers in text, a tool needs
// approval, an error occurs, the iteration cap is reached or the run deadline
// passes. Every observable event is recorded as a Step in an append-only
// Trace and fanned out to Sinks in emission order. The session is saved once
// when the run ends, whatever the outcome.
package orchestrator
