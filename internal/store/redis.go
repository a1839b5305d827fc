package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/contagion-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.cacheRun(ctx, r)
	return nil
}

func (s *CachedStore) UpdateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.UpdateRun(ctx, r); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, runKey(r.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	data, err := s.rdb.Get(ctx, runKey(id)).Bytes()
	if err == nil {
		var r model.Run
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheRun(ctx, r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	return s.primary.AppendEvents(ctx, runID, events)
}

func (s *CachedStore) GetEvents(ctx context.Context, runID string, sinceStep int) ([]model.Event, error) {
	return s.primary.GetEvents(ctx, runID, sinceStep)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRun(ctx context.Context, r *model.Run) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, runKey(r.ID), data, s.ttl)
	}
}

func runKey(id string) string { return fmt.Sprintf("run:%s", id) }
