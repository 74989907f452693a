package apikey

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no key exists with the requested id.
var ErrNotFound = errors.New("apikey: key not found")

// Store persists API key records. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the key with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Key, error)

	// Put inserts or replaces a key record.
	Put(ctx context.Context, key Key) error

	// SetStatus changes the status of an existing key.
	SetStatus(ctx context.Context, id string, status Status) error

	// Delete removes a key record.
	Delete(ctx context.Context, id string) error

	// ListByOwner returns every key belonging to owner, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]Key, error)

	// Touch records that the key was used at the given time.
	Touch(ctx context.Context, id string, at time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// Memory is an in-memory Store for tests and development.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewMemory creates an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]Key)}
}

// Get returns the key with the given id.
func (m *Memory) Get(_ context.Context, id string) (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return k, nil
}

// Put inserts or replaces a key record.
func (m *Memory) Put(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[key.ID] = key
	return nil
}

// SetStatus changes the status of an existing key.
func (m *Memory) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = status
	m.keys[id] = k
	return nil
}

// Delete removes a key record.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[id]; !ok {
		return ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

// ListByOwner returns every key belonging to owner, newest first.
func (m *Memory) ListByOwner(_ context.Context, ownerID string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Key
	for _, k := range m.keys {
		if k.OwnerID == ownerID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Touch records that the key was used at the given time.
func (m *Memory) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	k.LastUsedAt = &at
	m.keys[id] = k
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
