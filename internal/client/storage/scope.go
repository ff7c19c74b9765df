// Package storage holds the key-value scopes the session manager persists to
// and the broadcasters that tell other clients a shared scope changed.
package storage

import (
	"context"
	"sync"
)

// Scope is a string key-value store. Get reports whether the key was present.
type Scope interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryScope lives as long as the process. It stands in for tab-lifetime
// storage, or for a shared durable scope in tests.
type MemoryScope struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryScope() *MemoryScope {
	return &MemoryScope{values: make(map[string]string)}
}

func (m *MemoryScope) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryScope) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryScope) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
