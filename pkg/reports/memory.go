package reports

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report // newest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = slices.Insert(s.reports, 0, r)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports), nil
}

func (s *MemoryStore) Clear(context.Context) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reports
	s.reports = nil
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
