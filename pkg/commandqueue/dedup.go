package commandqueue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultDedupTTL        = 5 * time.Minute
	defaultDedupMaxEntries = 10000
)

type dedupEntry struct {
	key    string
	result taskResult
	stored time.Time
}

// dedupCache keeps successful task results by idempotency key for ttl.
// Entries are kept in insertion order so the oldest can be evicted when the
// cache is full and expired ones can be dropped from the front.
type dedupCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration, maxEntries int) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}

	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go dc.sweepLoop(ctx)
	return dc
}

// Stop ends the background sweep and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Get returns the cached result for key unless it has expired.
func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	elem, ok := dc.entries[key]
	if !ok {
		return taskResult{}, false
	}
	entry := elem.Value.(*dedupEntry)
	if dc.now().Sub(entry.stored) > dc.ttl {
		dc.removeLocked(elem)
		return taskResult{}, false
	}
	return entry.result, true
}

// Set stores result under key, replacing any earlier result.
func (dc *dedupCache) Set(key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if elem, ok := dc.entries[key]; ok {
		dc.removeLocked(elem)
	}
	dc.entries[key] = dc.order.PushBack(&dedupEntry{key: key, result: result, stored: dc.now()})

	for dc.order.Len() > dc.maxEntries {
		dc.removeLocked(dc.order.Front())
	}
}

// Size returns the number of cached results, expired or not.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.order.Len()
}

// sweep drops expired entries. Entries are in insertion order, so it stops
// at the first live one.
func (dc *dedupCache) sweep() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	removed := 0
	for elem := dc.order.Front(); elem != nil; elem = dc.order.Front() {
		if now.Sub(elem.Value.(*dedupEntry).stored) <= dc.ttl {
			break
		}
		dc.removeLocked(elem)
		removed++
	}
	return removed
}

func (dc *dedupCache) removeLocked(elem *list.Element) {
	dc.order.Remove(elem)
	delete(dc.entries, elem.Value.(*dedupEntry).key)
}

func (dc *dedupCache) sweepLoop(ctx context.Context) {
	defer close(dc.done)

	interval := time.Minute
	if dc.ttl < interval {
		interval = dc.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}
