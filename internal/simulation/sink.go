package simulation

import (
	"context"
	"sync"

	"github.com/atmx/contagion-engine/internal/model"
)

// EventSink receives every batch of events a session produces, after the
// step or command that produced them has finished. Batches arrive one at a
// time in seq order. Implementations may read the session but must not call
// Step or Control on it.
type EventSink interface {
	Publish(ctx context.Context, sessionID string, events []model.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, sessionID string, events []model.Event) error

func (f SinkFunc) Publish(ctx context.Context, sessionID string, events []model.Event) error {
	return f(ctx, sessionID, events)
}

// Recorder is an EventSink that keeps everything it receives. Useful for
// tests and for the CLI's full event dump.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(_ context.Context, _ string, events []model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}
