package simulation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/balance"
	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/cascade"
	"github.com/atmx/contagion-engine/internal/exposure"
	"github.com/atmx/contagion-engine/internal/market"
	"github.com/atmx/contagion-engine/internal/metrics"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/risk"
)

// Step runs the eight phases once:
//
//  1. step-start bookkeeping
//  2. every active bank observes its local state
//  3. the policy picks an action per bank
//  4. actions execute against balance sheets and the topology
//  5. liquidity floors are re-checked and breaches flagged
//  6. market prices update from the step's net flow
//     (every ProfitInterval steps, profits are booked here)
//  7. default detection feeds new defaults into the cascade engine
//  8. the step-end snapshot is emitted
//
// Phases 2 to 4 run bank by bank in registration order, so later banks see
// the topology left by earlier ones within the same step.
func (o *Orchestrator) Step(ctx context.Context) (*StepResult, error) {
	o.mu.Lock()
	res, err := o.stepLocked()
	pending := o.takePending()
	o.mu.Unlock()

	o.dispatch(ctx, pending)
	return res, err
}

func (o *Orchestrator) stepLocked() (*StepResult, error) {
	switch o.status {
	case model.StatusCompleted:
		return nil, ErrCompleted
	case model.StatusRunning:
	default:
		return nil, fmt.Errorf("%w: step while %s", ErrNotAllowed, o.status)
	}

	start := time.Now()
	o.step++
	first := len(o.events)

	// 1
	o.emit(model.EventStepStart, model.StepStartEvent{Step: o.step})

	// 2-4
	for _, b := range o.banks {
		if !b.Active() {
			continue
		}
		obs := b.Observe(o.environment(b))
		proposed := o.pol.Decide(obs)
		done := o.execute(b, proposed)
		o.emitTransaction(b.ID(), proposed, done)
	}

	// 5
	o.checkLiquidity()

	// 6
	for _, m := range o.markets {
		m.UpdatePrice()
	}
	if o.step%o.cfg.ProfitInterval == 0 {
		o.bookProfits()
	}

	// 7
	defaults := o.detectDefaults()
	o.lastDefaults = len(defaults)

	// 8
	m := o.metricsLocked(len(defaults))
	o.emit(model.EventStepEnd, model.StepEndEvent{
		Step:          o.step,
		DefaultsTotal: o.defaultsTotal,
		TotalEquity:   m.TotalEquity,
		BankStates:    o.bankStates(),
		MarketStates:  o.marketStates(),
	})

	if o.step >= o.cfg.Steps {
		o.status = model.StatusCompleted
		o.finish()
	}

	metrics.StepsTotal.WithLabelValues(o.pol.Name()).Inc()
	metrics.StepLatency.WithLabelValues(o.pol.Name()).Observe(time.Since(start).Seconds())

	o.log.Debug("step complete", "step", o.step, "defaults", len(defaults),
		"defaults_total", o.defaultsTotal, "total_equity", m.TotalEquity.String())

	return &StepResult{
		Step:     o.step,
		Events:   append([]model.Event(nil), o.events[first:]...),
		Defaults: defaults,
		Metrics:  m,
	}, nil
}

// finish emits the complete event. The caller sets the final status.
func (o *Orchestrator) finish() {
	var surviving []int
	for _, b := range o.banks {
		if b.Active() {
			surviving = append(surviving, b.ID())
		}
	}
	o.emit(model.EventComplete, model.CompleteEvent{
		TotalSteps:     o.step,
		DefaultsTotal:  o.defaultsTotal,
		SurvivingBanks: surviving,
	})
	o.log.Info("simulation finished", "status", o.status, "steps", o.step,
		"defaults_total", o.defaultsTotal, "surviving", len(surviving))
}

// environment is what b can see of the network this step.
func (o *Orchestrator) environment(b *bank.Bank) bank.Environment {
	neighbors := o.topo.Neighbors(b.ID())
	defaulted := 0
	for _, id := range neighbors {
		if nb := o.bank(id); nb != nil && nb.IsDefaulted() {
			defaulted++
		}
	}

	ret := 0.0
	if id, _ := b.Sheet().LargestPosition(); id != "" {
		if m := o.byMarket[id]; m != nil {
			ret = m.Return().InexactFloat64()
		}
	}

	return bank.Environment{
		Step:             o.step,
		NeighborCount:    len(neighbors),
		NeighborDefaults: defaulted,
		NetworkStress:    o.networkStress(),
		MarketReturn:     ret,
	}
}

// networkStress is the fraction of banks still in the arena that have
// defaulted.
func (o *Orchestrator) networkStress() float64 {
	total, defaulted := 0, 0
	for _, b := range o.banks {
		if b.IsRemoved() {
			continue
		}
		total++
		if b.IsDefaulted() {
			defaulted++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(defaulted) / float64(total)
}

// --- Phase 4: execution ---

// execute applies both sides of an action and returns what was done. Any
// invalid target or unaffordable amount degrades to HOLD; nothing here
// returns an error.
func (o *Orchestrator) execute(b *bank.Bank, a model.Action) model.Action {
	switch a.Kind {
	case model.ActionIncreaseLending:
		return o.lend(b, a)
	case model.ActionDecreaseLending:
		return o.recall(b, a)
	case model.ActionInvestMarket, model.ActionDivestMarket:
		return o.trade(b, a)
	case model.ActionHoardCash, model.ActionHold:
		return b.Execute(a)
	default:
		return o.hold(b, "unknown action "+string(a.Kind))
	}
}

func (o *Orchestrator) hold(b *bank.Bank, reason string) model.Action {
	return b.Execute(model.Hold(reason))
}

func (o *Orchestrator) lend(lender *bank.Bank, a model.Action) model.Action {
	cp := a.Counterparty
	if cp == model.NoCounterparty {
		if cp = o.pickCounterparty(lender.ID()); cp < 0 {
			return o.hold(lender, "no eligible counterparty")
		}
	}
	borrower := o.bank(cp)
	if borrower == nil || cp == lender.ID() || !borrower.Active() {
		return o.hold(lender, fmt.Sprintf("invalid counterparty %d", cp))
	}

	amount := a.Amount
	if o.limiter != nil {
		room := o.limiter.Headroom(o.limitRequest(lender, cp, amount))
		if room.LessThan(amount) {
			metrics.LendingLimitClamps.Inc()
			amount = room
		}
		if amount.LessThan(balance.MinUnit) {
			return o.hold(lender, "exposure limit reached")
		}
	}

	if o.assessor != nil {
		var advice string
		amount, advice = o.advise(lender, borrower, amount)
		if amount.LessThan(balance.MinUnit) {
			return o.hold(lender, "risk advisor: "+advice)
		}
	}

	a.Counterparty = cp
	a.Amount = amount
	done := lender.Execute(a)
	if done.Kind != model.ActionIncreaseLending {
		return done
	}
	borrower.Sheet().Borrow(done.Amount)
	o.topo.RecordExposure(lender.ID(), cp, done.Amount)
	return done
}

// pickCounterparty draws a random active bank other than self from the
// seeded source. Returns -1 when there is none.
func (o *Orchestrator) pickCounterparty(self int) int {
	var candidates []int
	for _, b := range o.banks {
		if b.ID() != self && b.Active() {
			candidates = append(candidates, b.ID())
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	return candidates[o.rng.Intn(len(candidates))]
}

func (o *Orchestrator) limitRequest(lender *bank.Bank, borrower int, amount decimal.Decimal) exposure.Request {
	existing := make(map[int]decimal.Decimal)
	for _, e := range o.topo.ExposuresFrom(lender.ID()) {
		existing[e.Borrower] = e.Amount
	}
	var connected []int
	for _, id := range o.topo.Neighbors(borrower) {
		if id != lender.ID() {
			connected = append(connected, id)
		}
	}
	return exposure.Request{
		LenderEquity: lender.Sheet().Equity(),
		LenderAssets: lender.Sheet().TotalAssets(),
		Borrower:     borrower,
		Connected:    connected,
		Existing:     existing,
		Amount:       amount,
	}
}

// advise asks the risk assessor about a loan: reject blocks it, reduce
// halves it. An assessor error is logged and the loan proceeds unchanged.
func (o *Orchestrator) advise(lender, borrower *bank.Bank, amount decimal.Decimal) (decimal.Decimal, string) {
	mkt := model.MarketState{}
	if len(o.markets) > 0 {
		mkt = o.markets[0].State()
	}
	in := risk.Input{
		Borrower: borrower.State(),
		Lender:   lender.State(),
		Network: risk.NetworkMetrics{
			Banks:         len(o.banks),
			Defaults:      o.defaultsTotal,
			DefaultRate:   o.networkStress(),
			BorrowerLinks: len(o.topo.Neighbors(borrower.ID())),
		},
		Market:         mkt,
		ExposureAmount: amount,
	}
	res, err := o.assessor.Assess(context.Background(), in)
	if err != nil {
		o.log.Warn("risk assessment failed", "err", err, "lender", lender.ID(), "borrower", borrower.ID())
		return amount, ""
	}
	switch res.Recommendation {
	case risk.RecommendReject:
		return decimal.Zero, fmt.Sprintf("reject pd=%.2f", res.DefaultProbability)
	case risk.RecommendReduce:
		return amount.Div(decimal.NewFromInt(2)).Round(8), fmt.Sprintf("reduce pd=%.2f", res.DefaultProbability)
	default:
		return amount, ""
	}
}

func (o *Orchestrator) recall(lender *bank.Bank, a model.Action) model.Action {
	cp := a.Counterparty
	if cp == model.NoCounterparty {
		if cp = o.largestActiveBorrower(lender.ID()); cp < 0 {
			return o.hold(lender, "no recallable loans")
		}
	}
	borrower := o.bank(cp)
	if borrower == nil || cp == lender.ID() || !borrower.Active() {
		return o.hold(lender, fmt.Sprintf("invalid counterparty %d", cp))
	}
	owed := o.topo.Exposure(lender.ID(), cp)
	if !owed.IsPositive() {
		return o.hold(lender, fmt.Sprintf("no exposure to bank %d", cp))
	}

	amount := borrower.Sheet().Repayable(decimal.Min(a.Amount, owed))
	if amount.LessThan(balance.MinUnit) {
		return o.hold(lender, fmt.Sprintf("bank %d cannot repay", cp))
	}

	a.Counterparty = cp
	a.Amount = amount
	done := lender.Execute(a)
	if done.Kind != model.ActionDecreaseLending {
		return done
	}
	borrower.Sheet().Repay(done.Amount)
	o.topo.ReduceExposure(lender.ID(), cp, done.Amount)
	return done
}

// largestActiveBorrower returns the active borrower the lender is most
// exposed to, lowest id on ties, or -1.
func (o *Orchestrator) largestActiveBorrower(lender int) int {
	best, bestAmt := -1, decimal.Zero
	for _, e := range o.topo.ExposuresFrom(lender) {
		if b := o.bank(e.Borrower); b == nil || !b.Active() {
			continue
		}
		if e.Amount.GreaterThan(bestAmt) {
			best, bestAmt = e.Borrower, e.Amount
		}
	}
	return best
}

func (o *Orchestrator) trade(b *bank.Bank, a model.Action) model.Action {
	if a.MarketID == "" {
		a.MarketID = o.markets[0].ID()
	}
	m := o.byMarket[a.MarketID]
	if m == nil {
		return o.hold(b, "unknown market "+a.MarketID)
	}
	a.Counterparty = model.NoCounterparty

	done := b.Execute(a)
	switch done.Kind {
	case model.ActionInvestMarket:
		m.ApplyFlow(done.Amount, market.Invest)
	case model.ActionDivestMarket:
		m.ApplyFlow(done.Amount, market.Divest)
	}
	return done
}

func (o *Orchestrator) emitTransaction(from int, proposed, done model.Action) {
	ev := model.TransactionEvent{
		From:   from,
		Market: done.MarketID,
		Action: done.Kind,
		Amount: done.Amount,
		Reason: proposed.Reason,
	}
	if done.Kind != proposed.Kind && done.Reason != "" {
		ev.Reason = done.Reason
	}
	if done.Counterparty != model.NoCounterparty {
		to := done.Counterparty
		ev.To = &to
	}
	o.emit(model.EventTransaction, ev)
	metrics.TransactionsTotal.WithLabelValues(string(done.Kind)).Inc()
}

// --- Phase 5: liquidity re-check ---

func (o *Orchestrator) checkLiquidity() {
	floor := o.engine.Config().MinLiquidityRatio
	for _, b := range o.banks {
		if !b.Active() {
			continue
		}
		ratio := b.Sheet().Ratios().LiquidityRatio
		breach := ratio < floor
		b.SetLiquidityFlag(breach)
		if breach {
			o.emit(model.EventLiquidityBreach, model.LiquidityBreachEvent{
				BankID:         b.ID(),
				Step:           o.step,
				LiquidityRatio: ratio,
				Floor:          floor,
			})
		}
	}
}

// --- Profit booking ---

// bookProfits credits every position with position × market return. Losses
// beyond a bank's cash write the position down.
func (o *Orchestrator) bookProfits() {
	for _, b := range o.banks {
		if !b.Active() {
			continue
		}
		s := b.Sheet()
		for _, id := range s.MarketIDs() {
			m := o.byMarket[id]
			if m == nil {
				continue
			}
			ret := m.Return()
			if ret.IsZero() {
				continue
			}
			profit := s.Position(id).Mul(ret).Round(8)
			booked := s.BookProfit(id, profit)
			if booked.IsZero() {
				continue
			}
			o.emit(model.EventProfitBooking, model.ProfitBookingEvent{
				BankID:   b.ID(),
				Step:     o.step,
				MarketID: id,
				Profit:   booked,
			})
		}
	}
}

// --- Phase 7: defaults and cascades ---

func (o *Orchestrator) detectDefaults() []int {
	var all []int
	seeds := o.engine.Detect(o.banks, o.step)
	for _, d := range seeds {
		o.emitDefault(d.BankID, d.Cause)
		all = append(all, d.BankID)
	}

	for _, d := range seeds {
		res := o.engine.Propagate(o.banks, o.topo, d.BankID, o.step)
		for _, ev := range res.Events() {
			o.emit(model.EventCascade, ev)
		}
		for _, cd := range res.Defaults {
			o.emitDefault(cd.BankID, cd.Cause)
			all = append(all, cd.BankID)
		}
		if res.Depth() == 0 {
			continue
		}
		if res.Depth() > o.maxCascade {
			o.maxCascade = res.Depth()
		}
		metrics.CascadeDepth.Observe(float64(res.Depth()))
		if res.CapReached {
			metrics.CascadeCapReached.Inc()
		}
	}

	o.defaultsTotal += len(all)
	return all
}

func (o *Orchestrator) emitDefault(id int, cause string) {
	o.emit(model.EventDefault, model.DefaultEvent{BankID: id, Step: o.step, Cause: cause})
	metrics.DefaultsTotal.WithLabelValues(causeLabel(cause)).Inc()
}

func causeLabel(cause string) string {
	if strings.HasPrefix(cause, cascade.CauseContagion) {
		return cascade.CauseContagion
	}
	return cause
}

// --- Phase 8: aggregates ---

func (o *Orchestrator) metricsLocked(newDefaults int) model.Metrics {
	m := model.Metrics{
		Step:           o.step,
		TotalEquity:    decimal.Zero,
		TotalInterbank: o.topo.TotalExposure(),
		DefaultsTotal:  o.defaultsTotal,
		NetworkStress:  o.networkStress(),
		NewDefaults:    newDefaults,
		MaxCascade:     o.maxCascade,
	}
	levSum := 0.0
	for _, b := range o.banks {
		if !b.Active() {
			continue
		}
		m.ActiveBanks++
		m.TotalEquity = m.TotalEquity.Add(b.Sheet().Equity())
		levSum += b.Sheet().Ratios().Leverage
	}
	if m.ActiveBanks > 0 {
		m.AvgLeverage = levSum / float64(m.ActiveBanks)
	}
	return m
}
