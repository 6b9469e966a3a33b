package upstream

import (
	"sync"
	"time"
)

// CacheEntry is the last good payload for one request shape.
type CacheEntry[T any] struct {
	Payload   T
	FetchedAt time.Time
}

// FallbackCache keeps the last successful payload per request key. Writes
// replace whole entries, so the newest fetch always wins.
type FallbackCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry[any]
	maxAge  time.Duration
	now     func() time.Time
}

// NewFallbackCache creates a cache whose entries are ignored after maxAge.
// A zero maxAge keeps entries until replaced.
func NewFallbackCache(maxAge time.Duration, now func() time.Time) *FallbackCache {
	if now == nil {
		now = time.Now
	}
	return &FallbackCache{
		entries: make(map[string]CacheEntry[any]),
		maxAge:  maxAge,
		now:     now,
	}
}

func (f *FallbackCache) put(key string, payload any) {
	f.mu.Lock()
	f.entries[key] = CacheEntry[any]{Payload: payload, FetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *FallbackCache) get(key string) (CacheEntry[any], bool) {
	f.mu.RLock()
	e, ok := f.entries[key]
	f.mu.RUnlock()
	if !ok {
		return e, false
	}
	if f.maxAge > 0 && f.now().Sub(e.FetchedAt) > f.maxAge {
		return e, false
	}
	return e, true
}

// Len returns the number of stored entries.
func (f *FallbackCache) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// StoreEntry records payload as the last good result for key.
func StoreEntry[T any](f *FallbackCache, key string, payload T) {
	f.put(key, payload)
}

// LoadEntry returns the last good result for key if one exists and has the
// requested type.
func LoadEntry[T any](f *FallbackCache, key string) (CacheEntry[T], bool) {
	e, ok := f.get(key)
	if !ok {
		return CacheEntry[T]{}, false
	}
	p, ok := e.Payload.(T)
	if !ok {
		return CacheEntry[T]{}, false
	}
	return CacheEntry[T]{Payload: p, FetchedAt: e.FetchedAt}, true
}
