package gateway

import (
	"sync"
	"time"
)

// Rejection reasons of the ingress limiter.
const (
	ReasonRateLimited       = "rate limit exceeded"
	ReasonTooManyConcurrent = "too many concurrent requests"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
	now                func() time.Time
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// A non-positive limit disables that check.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request. It returns a release func to call when the
// request ends, or the rejection reason.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	r.pruneLocked(now)

	if r.maxConcurrent > 0 && r.concurrentRequests >= r.maxConcurrent {
		return nil, ReasonTooManyConcurrent
	}
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return nil, ReasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrentRequests > 0 {
				r.concurrentRequests--
			}
			r.mu.Unlock()
		})
	}, ""
}

// RetryAfter is how long until the oldest request leaves the window.
func (r *ClientRateLimiter) RetryAfter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.requests) == 0 {
		return 0
	}
	wait := r.requests[0].Add(time.Minute).Sub(r.now())
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && r.lastSeen.Before(cutoff)
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := 0
	for keep < len(r.requests) && !r.requests[keep].After(cutoff) {
		keep++
	}
	r.requests = r.requests[keep:]
}

// ClientLimiters holds one ClientRateLimiter per client address.
type ClientLimiters struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*ClientRateLimiter
	now               func() time.Time
}

// NewClientLimiters creates an empty set sharing the given limits.
func NewClientLimiters(requestsPerMinute, maxConcurrent int) *ClientLimiters {
	return &ClientLimiters{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*ClientRateLimiter),
		now:               time.Now,
	}
}

// For returns the limiter of client, creating it on first use.
func (c *ClientLimiters) For(client string) *ClientRateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.clients[client]
	if !ok {
		limiter = NewClientRateLimiterWithLimits(c.requestsPerMinute, c.maxConcurrent)
		limiter.now = c.now
		c.clients[client] = limiter
	}
	return limiter
}

// Prune forgets clients without requests in flight that were last seen
// more than idle ago, and returns how many were dropped.
func (c *ClientLimiters) Prune(idle time.Duration) int {
	cutoff := c.now().Add(-idle)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, limiter := range c.clients {
		if limiter.idleSince(cutoff) {
			delete(c.clients, key)
			removed++
		}
	}
	return removed
}

// LimiterStats sums the load of every tracked client.
type LimiterStats struct {
	Clients    int
	Requests   int
	Concurrent int
}

// Stats returns the combined load of all clients.
func (c *ClientLimiters) Stats() LimiterStats {
	c.mu.Lock()
	limiters := make([]*ClientRateLimiter, 0, len(c.clients))
	for _, limiter := range c.clients {
		limiters = append(limiters, limiter)
	}
	c.mu.Unlock()

	stats := LimiterStats{Clients: len(limiters)}
	for _, limiter := range limiters {
		requests, concurrent := limiter.GetStats()
		stats.Requests += requests
		stats.Concurrent += concurrent
	}
	return stats
}
