// Package persistence provides CheckpointStore implementations.
package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// MemoryStore is a volatile CheckpointStore. Everything is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.ProcessedRecord
	order   []string
	cursor  *time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.ProcessedRecord)}
}

func (s *MemoryStore) IsProcessed(_ context.Context, stableID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[stableID]
	return ok, nil
}

func (s *MemoryStore) FilterProcessed(_ context.Context, stableIDs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, id := range stableIDs {
		if _, ok := s.records[id]; ok {
			seen[id] = true
		}
	}
	return seen, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, rec domain.ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.StableID]; ok {
		return out.ErrDuplicateKey
	}
	s.records[rec.StableID] = rec
	s.order = append(s.order, rec.StableID)
	return nil
}

func (s *MemoryStore) GetCursor(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return nil, nil
	}
	c := *s.cursor
	return &c, nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor != nil && ts.Before(*s.cursor) {
		return out.ErrNonMonotonic
	}
	ts = ts.UTC()
	s.cursor = &ts
	return nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]domain.ProcessedRecord, error) {
	s.mu.RLock()
	recs := make([]domain.ProcessedRecord, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, s.records[id])
	}
	s.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ProcessedAt.Before(recs[j].ProcessedAt)
	})
	return recs, nil
}
