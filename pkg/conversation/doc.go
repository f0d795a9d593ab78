// Package conversation holds the message and prompt types shared by the
// session store, the tool registry, the model clients and the orchestrator.
//
// Invariants:
// - A transcript is append-only and ordered by the time messages were produced.
// - A Prompt is a snapshot; Clone never shares slices or maps with its source.
package conversation
