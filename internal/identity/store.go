package identity

import (
	"context"
	"sync"
)

// Store persists pseudonym assignments so widths chosen after collisions stay
// stable across restarts. Assignments are partitioned by salt epoch.
type Store interface {
	Load(ctx context.Context, epoch string) ([]Assignment, error)
	Save(ctx context.Context, epoch string, batch []Assignment) error
}

// MemoryStore keeps assignments for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	byEpoch map[string]map[string]Assignment
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEpoch: make(map[string]map[string]Assignment)}
}

// Load returns the assignments saved under epoch.
func (s *MemoryStore) Load(_ context.Context, epoch string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Assignment, 0, len(s.byEpoch[epoch]))
	for _, a := range s.byEpoch[epoch] {
		out = append(out, a)
	}
	return out, nil
}

// Save stores batch under epoch. Existing digests keep their first width.
func (s *MemoryStore) Save(_ context.Context, epoch string, batch []Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byEpoch[epoch]
	if !ok {
		set = make(map[string]Assignment)
		s.byEpoch[epoch] = set
	}
	for _, a := range batch {
		if _, exists := set[a.Digest]; !exists {
			set[a.Digest] = a
		}
	}
	return nil
}
