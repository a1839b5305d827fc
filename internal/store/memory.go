package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/contagion-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*model.Run
	events map[string][]model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*model.Run),
		events: make(map[string][]model.Event),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	cur.Status = r.Status
	cur.Step = r.Step
	cur.DefaultsTotal = r.DefaultsTotal
	cur.UpdatedAt = r.UpdatedAt
	return nil
}

// AppendEvents stores events whose seq is not archived yet, in any order.
// The log stays sorted by seq.
func (s *MemoryStore) AppendEvents(_ context.Context, runID string, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	log := s.events[runID]
	seen := make(map[int]bool, len(log))
	for _, ev := range log {
		seen[ev.Seq] = true
	}
	added := false
	for _, ev := range events {
		if seen[ev.Seq] {
			continue
		}
		seen[ev.Seq] = true
		log = append(log, ev)
		added = true
	}
	if added {
		sort.SliceStable(log, func(i, j int) bool { return log[i].Seq < log[j].Seq })
	}
	s.events[runID] = log
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, sinceStep int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	var result []model.Event
	for _, ev := range s.events[runID] {
		if ev.Step >= sinceStep {
			result = append(result, ev)
		}
	}
	return result, nil
}
