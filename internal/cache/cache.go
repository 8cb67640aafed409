// Package cache is a TTL key-value store serving last-known-good reads.
// Every read reports whether the value is still within its TTL; stale
// values remain readable as a fallback until they pass the staleness
// ceiling, after which they are treated as absent rather than served
// silently.
package cache

import (
	"sync"
	"time"
)

// Staleness classifies a cached value relative to its TTL.
type Staleness int

const (
	// Fresh means the value is within its TTL.
	Fresh Staleness = iota
	// Stale means the TTL elapsed but the value is still retained as a
	// fallback read.
	Stale
)

func (s Staleness) String() string {
	if s == Fresh {
		return "fresh"
	}
	return "stale"
}

// DefaultMaxStaleness bounds how old a stale fallback may be before the
// store stops serving it. Serving arbitrarily old data silently is worse
// than an explicit miss.
const DefaultMaxStaleness = 24 * time.Hour

type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

// Store is an in-memory TTL store with idempotent overwrites keyed by
// logical identity. Safe for concurrent use.
type Store struct {
	maxStaleness time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates a store. maxStaleness <= 0 selects DefaultMaxStaleness.
func New(maxStaleness time.Duration) *Store {
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	return &Store{
		maxStaleness: maxStaleness,
		now:          time.Now,
		entries:      make(map[string]entry),
	}
}

// Put overwrites the value for key. Historical versions are not retained
// here; that is the warehouse's job.
func (s *Store) Put(key string, value any, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	s.entries[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	s.mu.Unlock()
}

// Get returns the value for key and its staleness. A value past the
// staleness ceiling reads as absent.
func (s *Store) Get(key string) (any, Staleness, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, Stale, false
	}

	now := s.now()
	if now.Sub(e.storedAt) > s.maxStaleness {
		return nil, Stale, false
	}
	if now.Before(e.expiresAt) {
		return e.value, Fresh, true
	}
	return e.value, Stale, true
}

// Keys returns the keys currently retained, including stale ones still
// within the ceiling.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if now.Sub(e.storedAt) <= s.maxStaleness {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len reports the number of retained entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) evictExpired() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.entries {
		if now.Sub(e.storedAt) > s.maxStaleness {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// StartJanitor launches a background loop that evicts entries past the
// staleness ceiling every interval. Call the returned function to stop it.
func (s *Store) StartJanitor(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.evictExpired()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
