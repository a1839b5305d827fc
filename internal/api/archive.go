package api

import (
	"context"
	"sync"

	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/simulation"
	"github.com/atmx/contagion-engine/internal/store"
)

// archiver is the event sink that mirrors sessions into the store. Sessions
// are only archived once tracked, after their run record exists.
type archiver struct {
	store store.Store

	mu       sync.RWMutex
	sessions map[string]*simulation.Orchestrator
}

func newArchiver(st store.Store) *archiver {
	return &archiver{store: st, sessions: make(map[string]*simulation.Orchestrator)}
}

// track creates the run record, backfills the events logged so far and
// starts mirroring the session.
func (a *archiver) track(ctx context.Context, o *simulation.Orchestrator) error {
	rec := o.Record()
	if err := a.store.CreateRun(ctx, &rec); err != nil {
		return err
	}
	if err := a.store.AppendEvents(ctx, o.ID(), o.Events(0)); err != nil {
		return err
	}
	a.mu.Lock()
	a.sessions[o.ID()] = o
	a.mu.Unlock()
	return nil
}

func (a *archiver) untrack(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Publish appends the batch and refreshes the run record when the batch
// changes its progress or status.
func (a *archiver) Publish(ctx context.Context, sessionID string, events []model.Event) error {
	a.mu.RLock()
	o := a.sessions[sessionID]
	a.mu.RUnlock()
	if o == nil {
		return nil
	}

	if err := a.store.AppendEvents(ctx, sessionID, events); err != nil {
		return err
	}
	for _, ev := range events {
		switch ev.Type {
		case model.EventStepEnd, model.EventControl, model.EventComplete:
			rec := o.Record()
			return a.store.UpdateRun(ctx, &rec)
		}
	}
	return nil
}
