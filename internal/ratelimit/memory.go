package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore counts in process memory. Limits are per instance, so it is
// only correct for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
	calls   int
}

type memEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memEntry{}, now: time.Now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%1024 == 0 {
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}

	e := s.entries[key]
	if !now.Before(e.expiresAt) {
		e.count = 0
	}
	e.count++
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return e.count, nil
}
