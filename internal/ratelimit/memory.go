package ratelimit

import (
	"context"
	"sync"
	"time"
)

const pruneEvery = 1024

type window struct {
	hits    int
	resetAt time.Time
}

// MemoryStore keeps counters in process memory. Each replica counts on its
// own, so the effective limit scales with the number of replicas.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
	calls   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]window)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, win time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls%pruneEvery == 0 {
		s.prune(now)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(win)}
	}
	w.hits++
	s.windows[key] = w
	return w.hits, w.resetAt, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) prune(now time.Time) {
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}
