package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and single-process runs where
// persistence across restarts is not needed. Values round-trip through
// JSON so behavior matches the SQLite store.
type MemStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]string // scope -> key -> JSON value
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{scopes: make(map[string]map[string]string)}
}

// Put writes a value under scope/key.
func (s *MemStore) Put(_ context.Context, scope, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memstore: marshal value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopes[scope] == nil {
		s.scopes[scope] = make(map[string]string)
	}
	s.scopes[scope][key] = string(raw)
	return nil
}

// Get reads the value under scope/key.
func (s *MemStore) Get(_ context.Context, scope, key string) (any, error) {
	s.mu.RLock()
	raw, ok := s.scopes[scope][key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, key)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal value: %w", err)
	}
	return value, nil
}

// Delete removes scope/key.
func (s *MemStore) Delete(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scope], key)
	return nil
}

// Keys returns all keys in a scope, sorted.
func (s *MemStore) Keys(_ context.Context, scope string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.scopes[scope]))
	for k := range s.scopes[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
