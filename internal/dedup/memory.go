package dedup

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL set. Entries past MaxEntries are evicted
// earliest-expiry first.
type Memory struct {
	mu  sync.Mutex
	m   map[string]time.Time
	max int
	now func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &Memory{m: map[string]time.Time{}, max: maxEntries, now: time.Now}
}

func (s *Memory) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.m[key]
	return ok && now.Before(until), nil
}

func (s *Memory) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.m[key]; ok && now.Before(until) {
		return false, nil
	}
	s.m[key] = now.Add(ttl)
	s.pruneLocked(now)
	return true, nil
}

func (s *Memory) Forget(_ context.Context, key string) error {
	if key == "" {
		return errEmptyKey
	}
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *Memory) pruneLocked(now time.Time) {
	if len(s.m) <= s.max {
		return
	}
	for k, until := range s.m {
		if !now.Before(until) {
			delete(s.m, k)
		}
	}
	for len(s.m) > s.max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.m {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.m, minKey)
	}
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
