// Package store archives simulation runs and their event logs.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/contagion-engine/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("store: run not found")

	// ErrExists is returned by CreateRun for a duplicate id.
	ErrExists = errors.New("store: run already exists")
)

// Store is the archive interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. The simulation core never
// writes here; the API layer archives on its behalf.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// UpdateRun overwrites the mutable fields of a run (status, step,
	// defaults, updated_at).
	UpdateRun(ctx context.Context, run *model.Run) error

	// --- Append-only event log ---

	// AppendEvents adds events to a run's log. Events already stored
	// (same seq) are ignored.
	AppendEvents(ctx context.Context, runID string, events []model.Event) error

	// GetEvents returns the events of a run at or after sinceStep, in seq
	// order.
	GetEvents(ctx context.Context, runID string, sinceStep int) ([]model.Event, error)
}
