// ABOUTME: Injected store interfaces for idempotency, circuit-breaker, and rate-limit state.
// ABOUTME: Provides mutex-guarded in-memory implementations for single-instance deployments.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// IdempotencyEntry is one cached step result with its storage timestamp.
type IdempotencyEntry struct {
	Result   any
	StoredAt time.Time
}

// IdempotencyStore caches step results under their idempotency keys.
// Entries expire after the configured TTL: lazily on read, and in bulk via
// Sweep. Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Get returns the live entry for key, or ok=false if absent or expired.
	// Expired entries are evicted on read.
	Get(key string) (IdempotencyEntry, bool, error)

	// Put stores a result under key with the given TTL.
	Put(key string, result any, ttl time.Duration) error

	// Sweep evicts all expired entries and returns how many were removed.
	Sweep() (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// BreakerStore tracks per-step-type failure tallies for the circuit breaker.
type BreakerStore interface {
	// RecordFailure increments the failure tally for the step type and
	// returns the new count.
	RecordFailure(t StepType) int

	// Failures returns the current failure tally for the step type.
	Failures(t StepType) int

	// Reset clears the failure tally for the step type.
	Reset(t StepType)

	// Snapshot returns a copy of all failure tallies.
	Snapshot() map[StepType]int
}

// RateLimitStore enforces a fixed per-user request window.
type RateLimitStore interface {
	// Take consumes one slot for the user. It returns ok=false with the
	// window's reset time when the user has exhausted the configured count
	// within the current window. The window resets once now >= resetAt.
	Take(userID string, limit int, window time.Duration) (ok bool, resetAt time.Time)
}

// --- In-memory implementations ---

// MemoryIdempotencyStore is the in-memory IdempotencyStore for
// single-instance deployments. State does not survive process restart.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryIdemEntry
	now     func() time.Time
}

type memoryIdemEntry struct {
	result    any
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memoryIdemEntry),
		now:     time.Now,
	}
}

// Get returns the live entry for key, evicting it first if expired.
func (s *MemoryIdempotencyStore) Get(key string) (IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return IdempotencyEntry{}, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return IdempotencyEntry{}, false, nil
	}
	return IdempotencyEntry{Result: e.result, StoredAt: e.storedAt}, true, nil
}

// Put stores a result under key with the given TTL.
func (s *MemoryIdempotencyStore) Put(key string, result any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = memoryIdemEntry{
		result:    result,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Sweep evicts all expired entries and returns how many were removed.
func (s *MemoryIdempotencyStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryIdempotencyStore) Close() error { return nil }

// Len returns the number of stored entries, live or expired.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SweepLoop runs periodic TTL eviction against the store until ctx is
// cancelled. This blocks until the context is done.
func SweepLoop(ctx context.Context, store IdempotencyStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = store.Sweep()
		}
	}
}

// MemoryBreakerStore is the in-memory BreakerStore.
type MemoryBreakerStore struct {
	mu       sync.Mutex
	failures map[StepType]int
}

// NewMemoryBreakerStore creates an empty in-memory breaker store.
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{failures: make(map[StepType]int)}
}

// RecordFailure increments the failure tally for the step type.
func (s *MemoryBreakerStore) RecordFailure(t StepType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[t]++
	return s.failures[t]
}

// Failures returns the current failure tally for the step type.
func (s *MemoryBreakerStore) Failures(t StepType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[t]
}

// Reset clears the failure tally for the step type.
func (s *MemoryBreakerStore) Reset(t StepType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, t)
}

// Snapshot returns a copy of all failure tallies.
func (s *MemoryBreakerStore) Snapshot() map[StepType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[StepType]int, len(s.failures))
	for k, v := range s.failures {
		snap[k] = v
	}
	return snap
}

// MemoryRateLimitStore is the in-memory fixed-window RateLimitStore.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimitStore creates an empty in-memory rate-limit store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Take consumes one slot for the user within the fixed window.
func (s *MemoryRateLimitStore) Take(userID string, limit int, window time.Duration) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[userID]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		s.windows[userID] = w
	}

	if w.count >= limit {
		return false, w.resetAt
	}
	w.count++
	return true, w.resetAt
}
