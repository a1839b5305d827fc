// Package balance implements the bank balance sheet: cash, interbank loans
// extended, interbank borrowing and market positions, plus the ratios derived
// from them.
//
// Every mutation keeps cash and asset components non-negative. Equity is
// derived (total assets − borrowed) and is allowed to go negative; that is how
// insolvency shows up.
package balance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/model"
)

var (
	// Epsilon floors every ratio denominator so that zero equity or zero
	// assets never divide by zero.
	Epsilon = decimal.New(1, -9)

	// MinUnit is the smallest amount worth executing. Anything below it
	// degrades to HOLD.
	MinUnit = decimal.NewFromInt(1)
)

// Ratios are the derived balance-sheet ratios.
type Ratios struct {
	Leverage       float64 `json:"leverage"`
	LiquidityRatio float64 `json:"liquidity_ratio"`
	MarketExposure float64 `json:"market_exposure"`
	LoanExposure   float64 `json:"loan_exposure"`
}

// Sheet is one bank's balance sheet. It is owned by exactly one bank.
type Sheet struct {
	Cash        decimal.Decimal
	LoansGiven  decimal.Decimal
	Borrowed    decimal.Decimal
	Investments map[string]decimal.Decimal
}

// New creates a sheet holding only cash.
func New(cash decimal.Decimal) *Sheet {
	return &Sheet{
		Cash:        nonNegative(cash),
		Investments: make(map[string]decimal.Decimal),
	}
}

// TotalInvestments sums all market positions.
func (s *Sheet) TotalInvestments() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range s.Investments {
		total = total.Add(amt)
	}
	return total
}

// Position returns the amount invested in one market.
func (s *Sheet) Position(marketID string) decimal.Decimal {
	return s.Investments[marketID]
}

// MarketIDs returns the markets this sheet holds a position in, sorted.
func (s *Sheet) MarketIDs() []string {
	ids := make([]string, 0, len(s.Investments))
	for id, amt := range s.Investments {
		if amt.IsPositive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LargestPosition returns the market with the biggest position, or "" when
// the sheet holds none.
func (s *Sheet) LargestPosition() (string, decimal.Decimal) {
	bestID, best := "", decimal.Zero
	for _, id := range s.MarketIDs() {
		if amt := s.Investments[id]; amt.GreaterThan(best) {
			bestID, best = id, amt
		}
	}
	return bestID, best
}

// TotalAssets is cash + loans given + investments.
func (s *Sheet) TotalAssets() decimal.Decimal {
	return nonNegative(s.Cash.Add(s.LoansGiven).Add(s.TotalInvestments()))
}

// Equity is total assets − borrowed. May be negative.
func (s *Sheet) Equity() decimal.Decimal {
	return s.TotalAssets().Sub(s.Borrowed)
}

// Ratios computes leverage, liquidity, market and loan exposure using
// epsilon-floored denominators.
func (s *Sheet) Ratios() Ratios {
	assets := s.TotalAssets()
	assetsFloor := decimal.Max(assets, Epsilon)
	equityFloor := decimal.Max(s.Equity(), Epsilon)

	return Ratios{
		Leverage:       assets.Div(equityFloor).InexactFloat64(),
		LiquidityRatio: s.Cash.Div(assetsFloor).InexactFloat64(),
		MarketExposure: s.TotalInvestments().Div(assetsFloor).InexactFloat64(),
		LoanExposure:   s.LoansGiven.Div(assetsFloor).InexactFloat64(),
	}
}

// Affordable returns how much of amount the owner side of an action of the
// given kind can actually execute, or zero if that is below MinUnit.
func (s *Sheet) Affordable(kind model.ActionKind, amount decimal.Decimal, marketID string) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var available decimal.Decimal
	switch kind {
	case model.ActionIncreaseLending, model.ActionInvestMarket:
		available = s.Cash
	case model.ActionDecreaseLending:
		available = s.LoansGiven
	case model.ActionDivestMarket:
		available = s.Position(marketID)
	case model.ActionHoardCash, model.ActionHold:
		return decimal.Zero
	default:
		return decimal.Zero
	}
	amt := decimal.Min(amount, available)
	if amt.LessThan(MinUnit) {
		return decimal.Zero
	}
	return amt
}

// Apply executes the owner side of an action and returns what was actually
// done. The counterparty side of lending actions is the caller's job (see
// Borrow and Repay). Actions that cannot be afforded degrade to HOLD.
func (s *Sheet) Apply(a model.Action) model.Action {
	if a.IsNoop() {
		return a
	}
	amt := s.Affordable(a.Kind, a.Amount, a.MarketID)
	if amt.IsZero() {
		return model.Hold("insufficient funds for " + string(a.Kind))
	}

	switch a.Kind {
	case model.ActionIncreaseLending:
		s.Cash = s.Cash.Sub(amt)
		s.LoansGiven = s.LoansGiven.Add(amt)
	case model.ActionDecreaseLending:
		s.LoansGiven = s.LoansGiven.Sub(amt)
		s.Cash = s.Cash.Add(amt)
	case model.ActionInvestMarket:
		s.Cash = s.Cash.Sub(amt)
		s.Investments[a.MarketID] = s.Investments[a.MarketID].Add(amt)
	case model.ActionDivestMarket:
		s.Investments[a.MarketID] = s.Investments[a.MarketID].Sub(amt)
		if !s.Investments[a.MarketID].IsPositive() {
			delete(s.Investments, a.MarketID)
		}
		s.Cash = s.Cash.Add(amt)
	case model.ActionHoardCash, model.ActionHold:
	}

	a.Amount = amt
	return a
}

// Borrow records the borrower side of a new interbank loan.
func (s *Sheet) Borrow(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	s.Cash = s.Cash.Add(amount)
	s.Borrowed = s.Borrowed.Add(amount)
}

// Repayable returns how much of amount the borrower can pay back right now.
func (s *Sheet) Repayable(amount decimal.Decimal) decimal.Decimal {
	amt := decimal.Min(amount, s.Cash, s.Borrowed)
	if !amt.IsPositive() {
		return decimal.Zero
	}
	return amt
}

// Repay records the borrower side of a repayment. The amount must come from
// Repayable.
func (s *Sheet) Repay(amount decimal.Decimal) {
	s.Cash = nonNegative(s.Cash.Sub(amount))
	s.Borrowed = nonNegative(s.Borrowed.Sub(amount))
}

// AddCapital injects fresh cash (and therefore equity).
func (s *Sheet) AddCapital(amount decimal.Decimal) {
	if amount.IsPositive() {
		s.Cash = s.Cash.Add(amount)
	}
}

// SeedPosition opens a market position without touching cash. Used when a
// bank is created with part of its capital already invested.
func (s *Sheet) SeedPosition(marketID string, amount decimal.Decimal) {
	if amount.IsPositive() {
		s.Investments[marketID] = s.Investments[marketID].Add(amount)
	}
}

// BookProfit realizes a gain or loss on a market position into cash. A loss
// larger than the cash balance is absorbed by writing the position down, so
// cash never goes negative. Returns the amount actually booked.
func (s *Sheet) BookProfit(marketID string, profit decimal.Decimal) decimal.Decimal {
	if profit.IsZero() {
		return decimal.Zero
	}
	if profit.IsPositive() {
		s.Cash = s.Cash.Add(profit)
		return profit
	}

	loss := profit.Neg()
	fromCash := decimal.Min(loss, s.Cash)
	s.Cash = s.Cash.Sub(fromCash)
	shortfall := loss.Sub(fromCash)
	if shortfall.IsPositive() {
		pos := s.Investments[marketID]
		writeDown := decimal.Min(shortfall, pos)
		s.Investments[marketID] = pos.Sub(writeDown)
		if !s.Investments[marketID].IsPositive() {
			delete(s.Investments, marketID)
		}
		fromCash = fromCash.Add(writeDown)
	}
	return fromCash.Neg()
}

// WriteDownLoans removes a loss from the loan book and returns the amount
// actually written down.
func (s *Sheet) WriteDownLoans(loss decimal.Decimal) decimal.Decimal {
	amt := decimal.Min(loss, s.LoansGiven)
	if !amt.IsPositive() {
		return decimal.Zero
	}
	s.LoansGiven = s.LoansGiven.Sub(amt)
	return amt
}

// ForgiveDebt cancels part of what the sheet owes.
func (s *Sheet) ForgiveDebt(amount decimal.Decimal) {
	s.Borrowed = nonNegative(s.Borrowed.Sub(amount))
}

// Liquidate closes a whole market position into cash, regardless of
// MinUnit, and returns the amount released.
func (s *Sheet) Liquidate(marketID string) decimal.Decimal {
	pos := s.Investments[marketID]
	delete(s.Investments, marketID)
	if !pos.IsPositive() {
		return decimal.Zero
	}
	s.Cash = s.Cash.Add(pos)
	return pos
}

// Settle closes loan principal on the lender side, receiving received in
// cash. Any difference is a loss.
func (s *Sheet) Settle(loan, received decimal.Decimal) {
	s.LoansGiven = nonNegative(s.LoansGiven.Sub(loan))
	if received.IsPositive() {
		s.Cash = s.Cash.Add(received)
	}
}

// Clone returns a deep copy.
func (s *Sheet) Clone() *Sheet {
	c := *s
	c.Investments = make(map[string]decimal.Decimal, len(s.Investments))
	for k, v := range s.Investments {
		c.Investments[k] = v
	}
	return &c
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
