// Package ratelimit bounds how often a session may invoke each tool.
//
// Each (session, tool) pair owns a fixed window. A check resets the window
// once it has elapsed, denies without counting when the window is full and
// otherwise counts the call. Checks for the same key are linearizable.
//
// Usage:
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
//		Default: ratelimit.Limit{Max: 10, Window: time.Minute},
//		PerTool: map[string]ratelimit.Limit{"book_flight": {Max: 1, Window: time.Hour}},
//	})
//	decision, err := limiter.CheckAndIncrement(ctx, "trip-42", "book_flight")
package ratelimit
