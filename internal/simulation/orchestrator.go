// Package simulation runs interbank contagion sessions. An Orchestrator owns
// one simulation context (banks, markets, topology, event log) and advances
// it one eight-phase step at a time; a Manager keeps several independent
// sessions addressable by id.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/cascade"
	"github.com/atmx/contagion-engine/internal/exposure"
	"github.com/atmx/contagion-engine/internal/market"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/network"
	"github.com/atmx/contagion-engine/internal/policy"
	"github.com/atmx/contagion-engine/internal/risk"
)

// StepResult is what one call to Step produced.
type StepResult struct {
	Step     int           `json:"step"`
	Events   []model.Event `json:"events"`
	Defaults []int         `json:"defaults"`
	Metrics  model.Metrics `json:"metrics"`
}

// Snapshot is a read-only view of a whole session.
type Snapshot struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Status      string              `json:"status"`
	Policy      string              `json:"policy"`
	Seed        int64               `json:"seed"`
	Step        int                 `json:"step"`
	TotalSteps  int                 `json:"total_steps"`
	Banks       []model.BankState   `json:"banks"`
	Markets     []model.MarketState `json:"markets"`
	Connections []model.Link        `json:"connections"`
	Exposures   []model.Edge        `json:"exposures"`
	Metrics     model.Metrics       `json:"metrics"`
	EventCount  int                 `json:"event_count"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithAssessor sets the risk assessor consulted before lending. Setting one
// enables the advisor regardless of Config.RiskAdvisor.
func WithAssessor(a risk.Assessor) Option {
	return func(o *Orchestrator) { o.assessor = a }
}

// WithPrioritySelector sets the selector used when the policy is wrapped
// with a priority override.
func WithPrioritySelector(s risk.PrioritySelector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithSink adds an event sink.
func WithSink(s EventSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// Orchestrator owns one simulation context. All exported methods are safe
// for concurrent use; steps and commands are serialized, so a command is
// only ever applied between steps.
type Orchestrator struct {
	mu sync.Mutex

	id  string
	cfg Config
	rng *rand.Rand

	banks    []*bank.Bank
	markets  []*market.Market
	byMarket map[string]*market.Market
	topo     *network.Topology

	pol      policy.Policy
	engine   *cascade.Engine
	limiter  *exposure.Limiter
	assessor risk.Assessor
	selector risk.PrioritySelector

	log   *slog.Logger
	sinks []EventSink

	status        string
	step          int
	events        []model.Event
	pending       []model.Event
	issued        uint64 // batches taken under mu
	defaultsTotal int
	lastDefaults  int
	maxCascade    int
	createdAt     time.Time

	running atomic.Bool
	wake    chan struct{}

	// Batches are published strictly in the order they were taken, so sinks
	// see seq ascending even when a step and a command race.
	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	dispatched   uint64
}

// New starts a session: it builds banks, markets and the network from cfg,
// seeds the random source and emits the init event.
func New(id string, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	o := &Orchestrator{
		id:        id,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		byMarket:  make(map[string]*market.Market, len(cfg.Markets)),
		status:    model.StatusRunning,
		createdAt: time.Now().UTC(),
		wake:      make(chan struct{}, 1),
	}
	o.dispatchCond = sync.NewCond(&o.dispatchMu)
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("session", id)

	for _, mc := range cfg.Markets {
		m, err := market.New(mc.ID, mc.InitialPrice, mc.Sensitivity)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.ID, err)
		}
		o.markets = append(o.markets, m)
		o.byMarket[mc.ID] = m
	}

	primary := o.markets[0]
	for i, bc := range cfg.Banks {
		b, err := bank.New(i, bc, primary.ID())
		if err != nil {
			return nil, fmt.Errorf("bank %d: %w", i, err)
		}
		primary.Seed(b.Sheet().Position(primary.ID()))
		o.banks = append(o.banks, b)
	}

	o.topo = network.Build(len(o.banks), cfg.ConnectionDensity, o.rng)
	for _, e := range cfg.InitialExposures {
		if err := o.seedExposure(e); err != nil {
			return nil, err
		}
	}

	pol, err := policy.New(cfg.Policy, o.rng)
	if err != nil {
		return nil, err
	}
	if cfg.PriorityOverride {
		if o.selector == nil {
			o.selector = risk.NewRulePrioritySelector()
		}
		pol = policy.WithPriority(pol, o.selector)
	}
	o.pol = pol

	if cfg.RiskAdvisor && o.assessor == nil {
		o.assessor = risk.NewLogisticAssessor()
	}
	if !cfg.Limits.Disabled {
		o.limiter = exposure.NewLimiter(cfg.Limits.MaxPerCounterparty, cfg.Limits.MaxConnected, cfg.Limits.MaxInterbank)
	}

	o.engine, err = cascade.New(cfg.Cascade, o.log)
	if err != nil {
		return nil, err
	}

	if cfg.StartPaused {
		o.status = model.StatusPaused
	}

	o.emit(model.EventInit, model.InitEvent{
		Banks:       o.bankStates(),
		Markets:     o.marketStates(),
		Connections: o.topo.Links(),
		Policy:      o.pol.Name(),
		Seed:        cfg.Seed,
	})
	o.log.Info("simulation started",
		"banks", len(o.banks), "markets", len(o.markets), "policy", o.pol.Name(),
		"seed", cfg.Seed, "steps", cfg.Steps)

	o.dispatch(context.Background(), o.takePending())
	return o, nil
}

// seedExposure books a loan that exists before the first step.
func (o *Orchestrator) seedExposure(e ExposureSeed) error {
	lender, borrower := o.banks[e.Lender], o.banks[e.Borrower]
	done := lender.Sheet().Apply(model.Action{
		Kind:         model.ActionIncreaseLending,
		Amount:       e.Amount,
		Counterparty: e.Borrower,
	})
	if done.Kind != model.ActionIncreaseLending {
		return fmt.Errorf("%w: bank %d cannot fund %s", ErrInvalidExposure, e.Lender, e.Amount)
	}
	borrower.Sheet().Borrow(done.Amount)
	o.topo.RecordExposure(e.Lender, e.Borrower, done.Amount)
	o.topo.Link(e.Lender, e.Borrower)
	return nil
}

func (o *Orchestrator) ID() string { return o.id }

// Config returns the effective configuration, defaults and seed included.
func (o *Orchestrator) Config() Config { return o.cfg }

// RunStatus returns running, paused, stopped or completed.
func (o *Orchestrator) RunStatus() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Status returns a snapshot of the whole context. It never mutates state, so
// two calls without an intervening Step or Control return equal snapshots.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		ID:          o.id,
		Name:        o.cfg.Name,
		Status:      o.status,
		Policy:      o.pol.Name(),
		Seed:        o.cfg.Seed,
		Step:        o.step,
		TotalSteps:  o.cfg.Steps,
		Banks:       o.bankStates(),
		Markets:     o.marketStates(),
		Connections: o.topo.Links(),
		Exposures:   o.topo.Edges(),
		Metrics:     o.metricsLocked(o.lastDefaults),
		EventCount:  len(o.events),
		CreatedAt:   o.createdAt,
	}
}

// Record returns the archive record of the session.
func (o *Orchestrator) Record() model.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return model.Run{
		ID:            o.id,
		Name:          o.cfg.Name,
		Policy:        o.pol.Name(),
		Status:        o.status,
		Seed:          o.cfg.Seed,
		Step:          o.step,
		TotalSteps:    o.cfg.Steps,
		Banks:         len(o.banks),
		DefaultsTotal: o.defaultsTotal,
		CreatedAt:     o.createdAt,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Events returns every logged event with Seq greater than afterSeq.
func (o *Orchestrator) Events(afterSeq int) []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= len(o.events) {
		return nil
	}
	return append([]model.Event(nil), o.events[afterSeq:]...)
}

// Run steps the session until it completes, is stopped, or ctx is done,
// sleeping delay between steps. While paused it blocks until resumed.
func (o *Orchestrator) Run(ctx context.Context, delay time.Duration) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch o.RunStatus() {
		case model.StatusCompleted, model.StatusStopped:
			return nil
		case model.StatusPaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.wake:
			}
			continue
		}

		if _, err := o.Step(ctx); err != nil {
			switch {
			case errors.Is(err, ErrNotAllowed):
				continue
			case errors.Is(err, ErrCompleted):
				return nil
			default:
				return err
			}
		}

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// IsRunning reports whether a Run loop is active.
func (o *Orchestrator) IsRunning() bool { return o.running.Load() }

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// emit appends an event to the log and to the pending batch for sinks.
func (o *Orchestrator) emit(typ model.EventType, data any) model.Event {
	ev := model.Event{Seq: len(o.events) + 1, Type: typ, Step: o.step, Data: data}
	o.events = append(o.events, ev)
	o.pending = append(o.pending, ev)
	return ev
}

// batch is a run of events waiting for the sinks. ticket orders batches.
type batch struct {
	ticket uint64
	events []model.Event
}

// takePending hands out the pending events with the next ticket. Must be
// called with mu held, and every batch taken must be dispatched.
func (o *Orchestrator) takePending() batch {
	b := batch{ticket: o.issued, events: o.pending}
	o.issued++
	o.pending = nil
	return b
}

// dispatch waits for every earlier batch to be published, then publishes b.
// It runs without mu so sinks may read the session.
func (o *Orchestrator) dispatch(ctx context.Context, b batch) {
	o.dispatchMu.Lock()
	for o.dispatched != b.ticket {
		o.dispatchCond.Wait()
	}
	o.dispatchMu.Unlock()

	defer func() {
		o.dispatchMu.Lock()
		o.dispatched++
		o.dispatchCond.Broadcast()
		o.dispatchMu.Unlock()
	}()

	if len(b.events) == 0 {
		return
	}
	for _, s := range o.sinks {
		if err := s.Publish(ctx, o.id, b.events); err != nil {
			o.log.Warn("event sink failed", "err", err, "events", len(b.events))
		}
	}
}

func (o *Orchestrator) bank(id int) *bank.Bank {
	if id < 0 || id >= len(o.banks) {
		return nil
	}
	return o.banks[id]
}

func (o *Orchestrator) bankStates() []model.BankState {
	out := make([]model.BankState, len(o.banks))
	for i, b := range o.banks {
		out[i] = b.State()
	}
	return out
}

func (o *Orchestrator) marketStates() []model.MarketState {
	out := make([]model.MarketState, len(o.markets))
	for i, m := range o.markets {
		out[i] = m.State()
	}
	return out
}
