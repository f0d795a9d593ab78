// Package session persists per-session transcripts and key/value memory.
//
// Invariants:
// - Session IDs are validated and path-safe.
// - Save followed by Load returns the transcript and memory just saved.
// - Every I/O failure is returned as a *StorageError.
// - Stores guarantee per-call atomicity only; callers run at most one
//   writer per session at a time.
//
// Usage:
//
//	store, _ := session.NewFileStore(session.FileConfig{Dir: "/tmp/concierge/sessions"})
//	sess, _ := store.Load(ctx, "trip-42")
//	sess.Append(conversation.NewUserMessage("find flights to Lisbon"))
//	_ = store.Save(ctx, sess)
package session
