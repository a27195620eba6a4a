package routing

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is a map-backed Store seeded from static configuration.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore(records ...Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]Record, len(records))}
	for _, rec := range records {
		s.records[strings.ToLower(rec.Key)] = rec
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.ToLower(key)]
	return rec, ok, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records[strings.ToLower(rec.Key)] = rec
	s.mu.Unlock()
	return nil
}
