// memory.go: In-process sorted-set backend for single-node deployments and tests
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type memoryWindow struct {
	// entries is ordered by "<zero padded ms>:<token>" so a Scan walks
	// arrivals oldest first.
	entries *btree.Map[string, int64]
	byToken map[string]string
}

// MemoryWindowStore mirrors RedisWindowStore semantics inside the process.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	sets    map[string]map[string]struct{}
}

// NewMemoryWindowStore creates an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: make(map[string]*memoryWindow),
		sets:    make(map[string]map[string]struct{}),
	}
}

var _ WindowStore = (*MemoryWindowStore)(nil)

func entryKey(ms int64, token string) string {
	return fmt.Sprintf("%020d:%s", ms, token)
}

func (s *MemoryWindowStore) Record(_ context.Context, key, token string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &memoryWindow{
			entries: btree.NewMap[string, int64](32),
			byToken: make(map[string]string),
		}
		s.windows[key] = w
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	var expired []string
	w.entries.Scan(func(k string, score int64) bool {
		if score > cutoff {
			return false
		}
		expired = append(expired, k)
		return true
	})
	for _, k := range expired {
		w.entries.Delete(k)
	}
	for tok, k := range w.byToken {
		if _, ok := w.entries.Get(k); !ok {
			delete(w.byToken, tok)
		}
	}

	k := entryKey(nowMs, token)
	if prev, ok := w.byToken[token]; ok {
		w.entries.Delete(prev)
	}
	w.entries.Set(k, nowMs)
	w.byToken[token] = k
	return int64(w.entries.Len()), nil
}

func (s *MemoryWindowStore) Remove(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	if k, ok := w.byToken[token]; ok {
		w.entries.Delete(k)
		delete(w.byToken, token)
	}
	if w.entries.Len() == 0 {
		delete(s.windows, key)
	}
	return nil
}

func (s *MemoryWindowStore) Oldest(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return time.Time{}, false, nil
	}
	var (
		oldest int64
		found  bool
	)
	w.entries.Scan(func(_ string, score int64) bool {
		oldest, found = score, true
		return false
	})
	if !found {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(oldest), true, nil
}

// Len reports the number of live entries at key. Used by tests.
func (s *MemoryWindowStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w.entries.Len()
	}
	return 0
}

func (s *MemoryWindowStore) IsMember(_ context.Context, set, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[set][member]
	return ok, nil
}

func (s *MemoryWindowStore) AddMember(_ context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	m[member] = struct{}{}
	return nil
}

func (s *MemoryWindowStore) RemoveMember(_ context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[set], member)
	return nil
}

func (s *MemoryWindowStore) Members(_ context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[set]))
	for m := range s.sets[set] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
