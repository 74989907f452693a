package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count      int64
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: counters are local to the process. When several instances serve
// the same subscribers, each keeps its own count and quotas are not shared.
// Use Memory for development, tests, and single-instance deployments; use the
// Redis store everywhere else.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
	stopCh  chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithClock replaces the wall clock used for expiry decisions.
func MemoryWithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
// A background goroutine runs every minute to remove expired entries and prevent
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// Increment atomically increments the counter for the given key and returns the new count and TTL.
// If the key doesn't exist or has expired, creates a new entry with count=1 that
// expires after ttlIfNew. An existing entry keeps its expiry.
func (m *Memory) Increment(_ context.Context, key string, ttlIfNew time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.expiration) {
		m.entries[key] = &memoryEntry{
			count:      1,
			expiration: now.Add(ttlIfNew),
		}
		return 1, ttlIfNew, nil
	}

	entry.count++
	return entry.count, max(0, entry.expiration.Sub(now)), nil
}

// Decrement atomically decrements the counter for the given key.
// A missing or expired key stays missing and reports 0; a counter at zero stays at zero.
func (m *Memory) Decrement(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.expiration) {
		return 0, nil
	}
	if entry.count > 0 {
		entry.count--
	}
	return entry.count, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.expiration) {
		return 0, nil
	}

	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Close stops the background cleanup goroutine and releases resources.
func (m *Memory) Close() error {
	close(m.stopCh)
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
func (m *Memory) runCleanup() {
	now := m.now()
	var expiredKeys []string

	m.mu.RLock()
	for key, entry := range m.entries {
		if !now.Before(entry.expiration) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	m.mu.RUnlock()

	if len(expiredKeys) > 0 {
		m.mu.Lock()
		now := m.now()
		for _, key := range expiredKeys {
			if entry, exists := m.entries[key]; exists && !now.Before(entry.expiration) {
				delete(m.entries, key)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
