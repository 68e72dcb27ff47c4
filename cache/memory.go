package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*Entry)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key Key, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// DeleteFamily implements Store.
func (s *MemoryStore) DeleteFamily(_ context.Context, family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if InFamily(k.Path, family) {
			delete(s.entries, k)
		}
	}
	return nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
