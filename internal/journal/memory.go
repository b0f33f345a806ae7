package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/kingrea/labflow/internal/sequencer"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]sequencer.Report
	entries map[string][]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    map[string]sequencer.Report{},
		entries: map[string][]Entry{},
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, r sequencer.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r.Clone()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.RunID] = append(s.entries[e.RunID], e)
	return nil
}

func (s *MemoryStore) Runs(_ context.Context, limit int) ([]sequencer.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sequencer.Report, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Run(_ context.Context, id string) (sequencer.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return sequencer.Report{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Entries(_ context.Context, runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Entry(nil), s.entries[runID]...), nil
}

func (s *MemoryStore) Close() error { return nil }
