package simulation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/contagion-engine/internal/metrics"
)

// Manager keeps independent sessions addressable by id. Each session owns
// its own context; nothing is shared between them.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Orchestrator
	opts     []Option
	log      *slog.Logger
}

// NewManager creates a manager. opts are applied to every session it starts.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Orchestrator),
		opts:     opts,
		log:      logger,
	}
}

// Start creates a session with a fresh id.
func (m *Manager) Start(cfg Config, opts ...Option) (*Orchestrator, error) {
	id := uuid.New().String()
	all := append([]Option{WithLogger(m.log)}, m.opts...)
	all = append(all, opts...)

	o, err := New(id, cfg, all...)
	if err != nil {
		return nil, fmt.Errorf("start simulation: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = o
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSimulations.Set(float64(n))
	return o, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return o, nil
}

// List returns every session, oldest first.
func (m *Manager) List() []*Orchestrator {
	m.mu.RLock()
	out := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		out = append(out, o)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Remove drops a session. Its context is left to the garbage collector; a
// caller that wants it archived must do so before removing it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSimulations.Set(float64(n))
	return nil
}
