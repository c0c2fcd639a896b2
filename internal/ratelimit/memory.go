package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu       sync.Mutex
	states   map[string]BucketState
	lastSeen time.Time
	// removed is set under mu when the entry leaves the map.
	removed bool
}

// MemoryStore keeps buckets in process. Each key has its own lock so checks
// for different keys do not contend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{states: make(map[string]BucketState)}
		s.entries[key] = e
	}
	return e
}

// lockEntry returns the live entry for key with its lock held. An entry
// removed between lookup and locking is skipped and looked up again.
func (s *MemoryStore) lockEntry(key string) *memoryEntry {
	for {
		e := s.entry(key)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, rules []Rule, cost int64, now time.Time) (Decision, error) {
	e := s.lockEntry(key)
	defer e.mu.Unlock()

	states := make([]BucketState, len(rules))
	for i, r := range rules {
		states[i] = e.states[string(r.Type)]
	}
	next, dec := take(states, rules, cost, now)
	for i, r := range rules {
		e.states[string(r.Type)] = next[i]
	}
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	return dec, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		delete(s.entries, key)
	}
	return nil
}

// State returns a copy of the bucket for key and rule type.
func (s *MemoryStore) State(key, ruleType string) (BucketState, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return BucketState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[ruleType]
	return st, ok
}

// Evict drops keys not checked within idle of now and returns how many were removed.
// An evicted key starts with full buckets, which is what a full idle window refills to.
func (s *MemoryStore) Evict(idle time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		stale := now.Sub(e.lastSeen) > idle
		if stale {
			e.removed = true
		}
		e.mu.Unlock()
		if stale {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
