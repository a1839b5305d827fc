package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/command"
	"github.com/atmx/contagion-engine/internal/market"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/policy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func banks(capitals ...float64) []bank.Config {
	out := make([]bank.Config, len(capitals))
	for i, c := range capitals {
		out[i] = bank.Config{InitialCapital: d(c), RiskFactor: 0.5}
	}
	return out
}

func newOrch(t testing.TB, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	o, err := New("test", cfg, append([]Option{WithLogger(quiet())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func cmd(t *testing.T, s string) *command.Command {
	t.Helper()
	c, err := command.ParseText(s)
	if err != nil {
		t.Fatalf("ParseText(%q): %v", s, err)
	}
	return c
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no banks", Config{}, ErrNoBanks},
		{"bad density", Config{Banks: banks(100), ConnectionDensity: 2}, ErrInvalidDensity},
		{"bad policy", Config{Banks: banks(100), Policy: "oracle"}, policy.ErrUnknownPolicy},
		{"self loan", Config{Banks: banks(100, 100), InitialExposures: []ExposureSeed{{0, 0, d(10)}}}, ErrInvalidExposure},
		{"unknown bank", Config{Banks: banks(100), InitialExposures: []ExposureSeed{{0, 3, d(10)}}}, ErrInvalidExposure},
		{"bad capital", Config{Banks: banks(-5)}, bank.ErrInvalidCapital},
		{"duplicate market", Config{Banks: banks(100), Markets: []MarketConfig{{ID: "x"}, {ID: "x"}}}, ErrDuplicateMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	rec := &Recorder{}
	o := newOrch(t, Config{Banks: banks(500, 300)}, WithSink(rec))

	s := o.Status()
	if s.Status != model.StatusRunning || s.Step != 0 {
		t.Errorf("expected running at step 0, got %s/%d", s.Status, s.Step)
	}
	if !s.Banks[0].Cash.Equal(d(250)) || !s.Banks[1].Cash.Equal(d(150)) {
		t.Errorf("expected cash 250/150, got %s/%s", s.Banks[0].Cash, s.Banks[1].Cash)
	}
	if !s.Markets[0].TotalInvested.Equal(d(400)) {
		t.Errorf("expected 400 seeded into the market, got %s", s.Markets[0].TotalInvested)
	}

	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != model.EventInit {
		t.Fatalf("expected one init event delivered, got %+v", evs)
	}
	ie := evs[0].Data.(model.InitEvent)
	if len(ie.Banks) != 2 || ie.Seed != 1 || ie.Policy != policy.NameGameTheoretic {
		t.Errorf("unexpected init payload: %+v", ie)
	}
}

// A (500, cash 250) lends 50 to B (300, cash 150).
func TestExecute_LendAndRepay(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 300)})
	a, b := o.banks[0], o.banks[1]

	done := o.execute(a, model.Action{Kind: model.ActionIncreaseLending, Amount: d(50), Counterparty: 1})
	if done.Kind != model.ActionIncreaseLending || !done.Amount.Equal(d(50)) {
		t.Fatalf("expected lend 50, got %+v", done)
	}
	if !a.Sheet().Cash.Equal(d(200)) || !b.Sheet().Cash.Equal(d(200)) {
		t.Errorf("expected cash 200/200, got %s/%s", a.Sheet().Cash, b.Sheet().Cash)
	}
	if !o.topo.Exposure(0, 1).Equal(d(50)) {
		t.Errorf("expected edge 0->1 of 50, got %s", o.topo.Exposure(0, 1))
	}

	done = o.execute(a, model.Action{Kind: model.ActionDecreaseLending, Amount: d(50), Counterparty: model.NoCounterparty})
	if done.Kind != model.ActionDecreaseLending || done.Counterparty != 1 {
		t.Fatalf("expected recall from bank 1, got %+v", done)
	}
	if !a.Sheet().Cash.Equal(d(250)) || !b.Sheet().Cash.Equal(d(150)) {
		t.Errorf("round trip should restore cash 250/150, got %s/%s", a.Sheet().Cash, b.Sheet().Cash)
	}
	if len(o.topo.Edges()) != 0 {
		t.Errorf("expected no edges after full repayment, got %v", o.topo.Edges())
	}
}

func TestExecute_InvalidTargetsHold(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 300)})
	a := o.banks[0]

	tests := []model.Action{
		{Kind: model.ActionIncreaseLending, Amount: d(10), Counterparty: 0},
		{Kind: model.ActionIncreaseLending, Amount: d(10), Counterparty: 7},
		{Kind: model.ActionDecreaseLending, Amount: d(10), Counterparty: model.NoCounterparty},
		{Kind: model.ActionInvestMarket, Amount: d(10), MarketID: "nowhere"},
		{Kind: model.ActionInvestMarket, Amount: d(0.5)},
	}
	for _, act := range tests {
		if done := o.execute(a, act); done.Kind != model.ActionHold {
			t.Errorf("%+v: expected HOLD, got %s", act, done.Kind)
		}
	}
	if !a.Sheet().Cash.Equal(d(250)) {
		t.Errorf("holds must not touch the sheet, cash %s", a.Sheet().Cash)
	}
}

func TestExecute_LendingClampedByLimiter(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 300)})
	done := o.execute(o.banks[0], model.Action{Kind: model.ActionIncreaseLending, Amount: d(200), Counterparty: 1})
	if !done.Amount.Equal(d(125)) {
		t.Errorf("expected loan clamped to 0.25 x 500 = 125, got %s", done.Amount)
	}
}

func TestExecute_InvestMovesMarketFlow(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500)})
	done := o.execute(o.banks[0], model.Action{Kind: model.ActionInvestMarket, Amount: d(100)})
	if done.MarketID != DefaultMarketID {
		t.Errorf("expected default market, got %q", done.MarketID)
	}
	if !o.markets[0].NetFlow().Equal(d(100)) {
		t.Errorf("expected net flow 100, got %s", o.markets[0].NetFlow())
	}
}

// A borrower driven to -10 equity defaults and its creditor with exposure
// 100 loses 50 under a 50% haircut.
func TestDefaults_CascadeHaircut(t *testing.T) {
	o := newOrch(t, Config{
		Banks:            banks(500, 100),
		InitialExposures: []ExposureSeed{{Lender: 0, Borrower: 1, Amount: d(100)}},
	})
	a, b := o.banks[0], o.banks[1]
	if !a.Sheet().Equity().Equal(d(500)) {
		t.Fatalf("setup: expected creditor equity 500, got %s", a.Sheet().Equity())
	}

	b.Sheet().Liquidate(DefaultMarketID)
	b.Sheet().Cash = d(90)
	if !b.Sheet().Equity().Equal(d(-10)) {
		t.Fatalf("setup: expected borrower equity -10, got %s", b.Sheet().Equity())
	}

	o.step = 1
	defaults := o.detectDefaults()
	if len(defaults) != 1 || defaults[0] != 1 || !b.IsDefaulted() {
		t.Fatalf("expected bank 1 to default, got %v", defaults)
	}
	if !a.Sheet().Equity().Equal(d(450)) {
		t.Errorf("expected creditor equity 450, got %s", a.Sheet().Equity())
	}

	var sawDefault, sawCascade bool
	for _, ev := range o.events {
		switch ev.Type {
		case model.EventDefault:
			sawDefault = ev.Data.(model.DefaultEvent).BankID == 1
		case model.EventCascade:
			c := ev.Data.(model.CascadeEvent)
			sawCascade = c.TriggerBank == 1 && c.Depth == 1 && len(c.AffectedBanks) == 1 && c.AffectedBanks[0] == 0
		}
	}
	if !sawDefault || !sawCascade {
		t.Errorf("expected default and cascade events, got %+v", o.events)
	}
}

func TestDefaults_IsolatedBankNoCascade(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 100)})
	b := o.banks[1]
	b.Sheet().Liquidate(DefaultMarketID)
	b.Sheet().Cash = d(0)

	o.step = 1
	if defaults := o.detectDefaults(); len(defaults) != 1 || defaults[0] != 1 {
		t.Fatalf("expected bank 1 to default, got %v", defaults)
	}
	for _, ev := range o.events {
		if ev.Type == model.EventCascade {
			t.Errorf("a default with no creditors should not cascade, got %+v", ev)
		}
	}
	if o.maxCascade != 0 {
		t.Errorf("expected max cascade 0, got %d", o.maxCascade)
	}
}

// Price 100, inflow 1000, sensitivity 0.001 -> 101; a 1000 position books 10.
func TestProfitBooking(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(2000)})
	b := o.banks[0]
	if !b.Sheet().Position(DefaultMarketID).Equal(d(1000)) {
		t.Fatalf("setup: expected position 1000, got %s", b.Sheet().Position(DefaultMarketID))
	}

	m := o.markets[0]
	m.ApplyFlow(d(1000), market.Invest)
	if p := m.UpdatePrice(); !p.Equal(d(101)) {
		t.Fatalf("expected price 101, got %s", p)
	}

	o.step = 5
	o.bookProfits()
	if !b.Sheet().Cash.Equal(d(1010)) {
		t.Errorf("expected cash 1010, got %s", b.Sheet().Cash)
	}
	last := o.events[len(o.events)-1]
	if last.Type != model.EventProfitBooking || !last.Data.(model.ProfitBookingEvent).Profit.Equal(d(10)) {
		t.Errorf("expected profit_booking of 10, got %+v", last)
	}
}

func TestStep_PhaseOrderAndCompletion(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 400, 300), Steps: 3, ConnectionDensity: 1})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := o.Step(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Step != i {
			t.Errorf("expected step %d, got %d", i, res.Step)
		}
		if res.Events[0].Type != model.EventStepStart {
			t.Errorf("first event should be step_start, got %s", res.Events[0].Type)
		}
		var sawEnd bool
		for _, ev := range res.Events {
			if ev.Step != i {
				t.Errorf("event %s tagged with step %d", ev.Type, ev.Step)
			}
			if ev.Type == model.EventStepEnd {
				sawEnd = true
			}
		}
		if !sawEnd {
			t.Error("missing step_end")
		}
	}

	if o.RunStatus() != model.StatusCompleted {
		t.Errorf("expected completed, got %s", o.RunStatus())
	}
	evs := o.Events(0)
	if evs[len(evs)-1].Type != model.EventComplete {
		t.Errorf("last event should be complete, got %s", evs[len(evs)-1].Type)
	}
	if _, err := o.Step(ctx); !errors.Is(err, ErrCompleted) {
		t.Errorf("expected ErrCompleted, got %v", err)
	}
}

func TestStatus_Idempotent(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 400, 300), ConnectionDensity: 0.5})
	if _, err := o.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	a, b := o.Status(), o.Status()
	if !reflect.DeepEqual(a, b) {
		t.Error("two status calls without a step or command must be identical")
	}
}

func TestControl_Lifecycle(t *testing.T) {
	ctx := context.Background()
	o := newOrch(t, Config{Banks: banks(500, 300, 200)})

	before := o.Status()
	if err := o.Control(ctx, cmd(t, "add_capital 0 100")); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("add_capital while running: expected ErrNotAllowed, got %v", err)
	}
	if err := o.Control(ctx, cmd(t, "resume")); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("resume while running: expected ErrNotAllowed, got %v", err)
	}
	if !reflect.DeepEqual(before, o.Status()) {
		t.Fatal("rejected commands must leave state untouched")
	}

	if err := o.Control(ctx, cmd(t, "pause")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := o.Step(ctx); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("step while paused: expected ErrNotAllowed, got %v", err)
	}

	if err := o.Control(ctx, cmd(t, "add_capital 0 100")); err != nil {
		t.Fatalf("add_capital: %v", err)
	}
	if !o.banks[0].Sheet().Cash.Equal(d(350)) {
		t.Errorf("expected cash 350, got %s", o.banks[0].Sheet().Cash)
	}
	if err := o.Control(ctx, cmd(t, "add_capital 9 100")); !errors.Is(err, ErrBankNotFound) {
		t.Errorf("expected ErrBankNotFound, got %v", err)
	}

	if err := o.Control(ctx, cmd(t, "delete_bank 2")); err != nil {
		t.Fatalf("delete_bank: %v", err)
	}
	if !o.banks[2].IsRemoved() {
		t.Error("bank 2 should be removed")
	}
	if err := o.Control(ctx, cmd(t, "delete_bank 2")); !errors.Is(err, ErrBankNotFound) {
		t.Errorf("second delete: expected ErrBankNotFound, got %v", err)
	}

	if err := o.Control(ctx, cmd(t, "resume")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := o.Step(ctx); err != nil {
		t.Fatalf("step after resume: %v", err)
	}

	if err := o.Control(ctx, cmd(t, "stop")); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if o.RunStatus() != model.StatusStopped {
		t.Errorf("expected stopped, got %s", o.RunStatus())
	}
	if _, err := o.Step(ctx); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("step after stop: expected ErrNotAllowed, got %v", err)
	}
	evs := o.Events(0)
	if evs[len(evs)-1].Type != model.EventComplete {
		t.Errorf("stop should finalize the log, last event %s", evs[len(evs)-1].Type)
	}
}

func TestControl_EventAmountOnlyForAddCapital(t *testing.T) {
	ctx := context.Background()
	o := newOrch(t, Config{Banks: banks(500, 300)})
	for _, c := range []string{"pause", "add_capital 0 100", "resume"} {
		if err := o.Control(ctx, cmd(t, c)); err != nil {
			t.Fatalf("%s: %v", c, err)
		}
	}

	var got []string
	for _, ev := range o.Events(0) {
		if ev.Type != model.EventControl {
			continue
		}
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(raw))
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 control events, got %v", got)
	}
	if strings.Contains(got[0], "amount") || strings.Contains(got[2], "amount") {
		t.Errorf("pause and resume must not carry an amount: %v", got)
	}
	if !strings.Contains(got[1], `"amount":"100"`) {
		t.Errorf("add_capital should carry its amount, got %s", got[1])
	}
}

func TestControl_AddCapitalToDefaultedBank(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 300), StartPaused: true})
	o.banks[1].MarkDefaulted(0)
	if err := o.Control(context.Background(), cmd(t, "add_capital 1 50")); !errors.Is(err, ErrBankDefaulted) {
		t.Errorf("expected ErrBankDefaulted, got %v", err)
	}
}

func TestControl_DeleteBankSettlesBooks(t *testing.T) {
	o := newOrch(t, Config{
		Banks:            banks(500, 100),
		InitialExposures: []ExposureSeed{{Lender: 0, Borrower: 1, Amount: d(100)}},
		StartPaused:      true,
	})
	a := o.banks[0]

	if err := o.Control(context.Background(), cmd(t, "delete_bank 1")); err != nil {
		t.Fatalf("delete_bank: %v", err)
	}
	if len(o.topo.Edges()) != 0 {
		t.Errorf("expected no edges, got %v", o.topo.Edges())
	}
	if !a.Sheet().LoansGiven.IsZero() || !a.Sheet().Cash.Equal(d(250)) {
		t.Errorf("creditor should be repaid in full: loans %s cash %s", a.Sheet().LoansGiven, a.Sheet().Cash)
	}
	if !a.Sheet().Equity().Equal(d(500)) {
		t.Errorf("creditor equity should be unchanged, got %s", a.Sheet().Equity())
	}
	if !o.markets[0].TotalInvested().Equal(d(250)) {
		t.Errorf("deleted bank's position should leave the market, total %s", o.markets[0].TotalInvested())
	}
}

func TestSeed_Reproducible(t *testing.T) {
	cfg := Config{
		Banks:             banks(500, 450, 400, 350, 300, 250),
		ConnectionDensity: 0.4,
		Steps:             25,
		Seed:              42,
	}
	run := func() Snapshot {
		o := newOrch(t, cfg)
		for o.RunStatus() == model.StatusRunning {
			if _, err := o.Step(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		return o.Status()
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a.Banks, b.Banks) || !reflect.DeepEqual(a.Exposures, b.Exposures) ||
		!reflect.DeepEqual(a.Connections, b.Connections) || !reflect.DeepEqual(a.Markets, b.Markets) {
		t.Error("same seed must produce the same run")
	}
}

func TestRun_PauseResume(t *testing.T) {
	rec := &Recorder{}
	o := newOrch(t, Config{Banks: banks(500, 300), Steps: 5, StartPaused: true}, WithSink(rec))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), 0) }()

	time.Sleep(20 * time.Millisecond)
	if s := o.Status(); s.Step != 0 {
		t.Fatalf("paused run must not step, at %d", s.Step)
	}
	if err := o.Control(context.Background(), cmd(t, "resume")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if o.RunStatus() != model.StatusCompleted {
		t.Errorf("expected completed, got %s", o.RunStatus())
	}
	if len(rec.Events()) != len(o.Events(0)) {
		t.Errorf("sink saw %d events, log has %d", len(rec.Events()), len(o.Events(0)))
	}
}

func TestRun_ContextCancel(t *testing.T) {
	o := newOrch(t, Config{Banks: banks(500, 300), Steps: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Run(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// holdingSink parks the first batch that contains a step_start until
// release is closed, then records like a Recorder.
type holdingSink struct {
	Recorder
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (h *holdingSink) Publish(ctx context.Context, id string, events []model.Event) error {
	for _, ev := range events {
		if ev.Type == model.EventStepStart {
			h.once.Do(func() {
				close(h.held)
				<-h.release
			})
			break
		}
	}
	return h.Recorder.Publish(ctx, id, events)
}

// A command issued while a step's batch is still being published reaches
// the sinks after that batch.
func TestDispatch_StepAndControlInSeqOrder(t *testing.T) {
	sink := &holdingSink{held: make(chan struct{}), release: make(chan struct{})}
	o := newOrch(t, Config{Banks: banks(500, 300), Steps: 10}, WithSink(sink))
	ctx := context.Background()

	stepDone := make(chan error, 1)
	go func() {
		_, err := o.Step(ctx)
		stepDone <- err
	}()
	<-sink.held

	pause := cmd(t, "pause")
	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- o.Control(ctx, pause) }()

	time.Sleep(20 * time.Millisecond)
	if n := len(sink.Events()); n != 1 {
		t.Fatalf("only the init batch should be published yet, got %d events", n)
	}
	close(sink.release)

	for _, ch := range []chan error{stepDone, ctrlDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("dispatch did not finish")
		}
	}

	got, want := sink.Events(), o.Events(0)
	if len(got) != len(want) {
		t.Fatalf("sink saw %d events, log has %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Seq != i+1 {
			t.Fatalf("event %d delivered with seq %d", i, ev.Seq)
		}
	}
	if last := got[len(got)-1]; last.Type != model.EventControl {
		t.Errorf("control event should arrive last, got %s", last.Type)
	}
}

func TestManager(t *testing.T) {
	m := NewManager(quiet())
	a, err := m.Start(Config{Banks: banks(100), Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Start(Config{Banks: banks(200, 300), Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == b.ID() {
		t.Fatal("session ids must be unique")
	}

	got, err := m.Get(a.ID())
	if err != nil || got != a {
		t.Errorf("Get: expected session a, got %v, %v", got, err)
	}
	if len(m.List()) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(m.List()))
	}

	// Sessions are independent.
	if _, err := b.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Status().Step != 0 {
		t.Error("stepping one session must not advance another")
	}

	if err := m.Remove(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(a.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.Start(Config{}); !errors.Is(err, ErrNoBanks) {
		t.Errorf("expected ErrNoBanks, got %v", err)
	}
}

// Accounting identity, non-negative cash and prices, monotonic defaults,
// bounded cascades and books that match the topology hold for any run.
func TestProperty_RunInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "banks")
		cfgBanks := make([]bank.Config, n)
		for i := range cfgBanks {
			cfgBanks[i] = bank.Config{
				InitialCapital: decimal.NewFromInt(int64(rapid.IntRange(50, 1000).Draw(rt, "capital"))),
				RiskFactor:     rapid.Float64Range(0, 1).Draw(rt, "risk"),
			}
		}
		cfg := Config{
			Banks:             cfgBanks,
			ConnectionDensity: rapid.Float64Range(0, 1).Draw(rt, "density"),
			Steps:             rapid.IntRange(1, 15).Draw(rt, "steps"),
			Policy:            rapid.SampledFrom([]string{policy.NameGameTheoretic, policy.NameHeuristic}).Draw(rt, "policy"),
			Seed:              rapid.Int64Range(1, 1<<40).Draw(rt, "seed"),
			PriorityOverride:  rapid.Bool().Draw(rt, "priority"),
			RiskAdvisor:       rapid.Bool().Draw(rt, "advisor"),
		}
		o, err := New("prop", cfg, WithLogger(quiet()))
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		maxDepth := o.Config().Cascade.MaxDepth

		defaulted := make(map[int]bool)
		for o.RunStatus() == model.StatusRunning {
			res, err := o.Step(context.Background())
			if err != nil {
				rt.Fatalf("Step: %v", err)
			}
			for _, ev := range res.Events {
				if ev.Type == model.EventCascade && ev.Data.(model.CascadeEvent).Depth > maxDepth {
					rt.Fatalf("cascade depth %d exceeds cap %d", ev.Data.(model.CascadeEvent).Depth, maxDepth)
				}
			}

			loans, borrowed := decimal.Zero, decimal.Zero
			for _, b := range o.banks {
				s := b.Sheet()
				if !s.Equity().Equal(s.TotalAssets().Sub(s.Borrowed)) {
					rt.Fatalf("bank %d breaks equity = assets - borrowed", b.ID())
				}
				if s.Cash.IsNegative() {
					rt.Fatalf("bank %d has negative cash %s", b.ID(), s.Cash)
				}
				if defaulted[b.ID()] && !b.IsDefaulted() {
					rt.Fatalf("bank %d default flag was cleared", b.ID())
				}
				defaulted[b.ID()] = b.IsDefaulted()
				loans = loans.Add(s.LoansGiven)
				borrowed = borrowed.Add(s.Borrowed)
			}
			total := o.topo.TotalExposure()
			if !loans.Equal(total) || !borrowed.Equal(total) {
				rt.Fatalf("books diverged from topology: loans=%s borrowed=%s edges=%s", loans, borrowed, total)
			}
			for _, m := range o.markets {
				if m.Price().IsNegative() {
					rt.Fatalf("market %s price negative", m.ID())
				}
			}
		}
	})
}
