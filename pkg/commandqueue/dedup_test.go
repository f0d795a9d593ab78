package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDedupCache(t *testing.T, ttl time.Duration, maxEntries int) (*dedupCache, *time.Time) {
	t.Helper()
	cache := newDedupCache(context.Background(), ttl, maxEntries)
	t.Cleanup(cache.Stop)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.mu.Lock()
	cache.now = func() time.Time { return now }
	cache.mu.Unlock()
	return cache, &now
}

func TestDedupCacheExpiry(t *testing.T) {
	cache, now := newTestDedupCache(t, time.Minute, 0)

	cache.Set("run:trip:k1", taskResult{value: "first"})
	got, ok := cache.Get("run:trip:k1")
	require.True(t, ok)
	assert.Equal(t, "first", got.value)

	*now = now.Add(2 * time.Minute)
	_, ok = cache.Get("run:trip:k1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Size(), "expired entry is dropped on read")
}

func TestDedupCacheEvictsOldest(t *testing.T) {
	cache, _ := newTestDedupCache(t, time.Hour, 2)

	cache.Set("a", taskResult{value: 1})
	cache.Set("b", taskResult{value: 2})
	cache.Set("c", taskResult{value: 3})

	assert.Equal(t, 2, cache.Size())
	_, ok := cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
}

func TestDedupCacheSetRefreshesEntry(t *testing.T) {
	cache, now := newTestDedupCache(t, time.Minute, 2)

	cache.Set("a", taskResult{value: 1})
	*now = now.Add(30 * time.Second)
	cache.Set("b", taskResult{value: 2})
	cache.Set("a", taskResult{value: 10})
	cache.Set("c", taskResult{value: 3})

	// "b" is now the oldest and gets evicted instead of the refreshed "a".
	_, ok := cache.Get("b")
	assert.False(t, ok)
	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, got.value)
}

func TestDedupCacheSweep(t *testing.T) {
	cache, now := newTestDedupCache(t, time.Minute, 0)

	cache.Set("old", taskResult{})
	*now = now.Add(45 * time.Second)
	cache.Set("new", taskResult{})
	*now = now.Add(30 * time.Second)

	assert.Equal(t, 1, cache.sweep())
	assert.Equal(t, 1, cache.Size())
	_, ok := cache.Get("new")
	assert.True(t, ok)
}

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond, 0)
	cache.Stop()

	select {
	case <-cache.done:
	case <-time.After(1 * time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
}
