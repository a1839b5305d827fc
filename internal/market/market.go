// Package market implements the single-asset price-formation process banks
// invest in. Price responds linearly to the aggregate investment flow of a
// step:
//
//	price' = max(0, price + netFlow × sensitivity)
//
// Flows accumulate during a step and are folded into the price exactly once,
// after every bank has acted.
package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/model"
)

var (
	// ErrInvalidSensitivity is returned when sensitivity < 0.
	ErrInvalidSensitivity = errors.New("market: sensitivity must be non-negative")

	// ErrInvalidPrice is returned when the initial price is not positive.
	ErrInvalidPrice = errors.New("market: initial price must be positive")

	// DefaultInitialPrice is the baseline every market starts from.
	DefaultInitialPrice = decimal.NewFromInt(100)

	// DefaultSensitivity is the price move per unit of net flow.
	DefaultSensitivity = decimal.NewFromFloat(0.001)

	// MinPrice is the floor the price never crosses.
	MinPrice = decimal.Zero
)

// Direction of an investment flow.
type Direction int

const (
	Invest Direction = iota
	Divest
)

func (d Direction) String() string {
	if d == Divest {
		return "divest"
	}
	return "invest"
}

// Market holds one price process. Positions belong to the banks; the market
// only accounts for the aggregate flow.
type Market struct {
	id            string
	initialPrice  decimal.Decimal
	price         decimal.Decimal
	totalInvested decimal.Decimal
	netFlow       decimal.Decimal
	sensitivity   decimal.Decimal
}

// New creates a market. A zero initialPrice selects DefaultInitialPrice.
func New(id string, initialPrice, sensitivity decimal.Decimal) (*Market, error) {
	if initialPrice.IsZero() {
		initialPrice = DefaultInitialPrice
	}
	if !initialPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, initialPrice)
	}
	if sensitivity.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSensitivity, sensitivity)
	}
	return &Market{
		id:           id,
		initialPrice: initialPrice,
		price:        initialPrice,
		sensitivity:  sensitivity,
	}, nil
}

func (m *Market) ID() string                     { return m.id }
func (m *Market) Price() decimal.Decimal         { return m.price }
func (m *Market) InitialPrice() decimal.Decimal  { return m.initialPrice }
func (m *Market) TotalInvested() decimal.Decimal { return m.totalInvested }
func (m *Market) NetFlow() decimal.Decimal       { return m.netFlow }
func (m *Market) Sensitivity() decimal.Decimal   { return m.sensitivity }

// Seed registers positions that existed before the simulation started. It
// counts toward total invested but does not move the price.
func (m *Market) Seed(amount decimal.Decimal) {
	if amount.IsPositive() {
		m.totalInvested = m.totalInvested.Add(amount)
	}
}

// ApplyFlow records an investment or divestment made during the current step.
func (m *Market) ApplyFlow(amount decimal.Decimal, dir Direction) {
	if !amount.IsPositive() {
		return
	}
	switch dir {
	case Invest:
		m.netFlow = m.netFlow.Add(amount)
		m.totalInvested = m.totalInvested.Add(amount)
	case Divest:
		m.netFlow = m.netFlow.Sub(amount)
		m.totalInvested = decimal.Max(m.totalInvested.Sub(amount), decimal.Zero)
	}
}

// Withdraw removes positions that leave the market without trading, e.g.
// when a bank is deleted. It does not move the price.
func (m *Market) Withdraw(amount decimal.Decimal) {
	if amount.IsPositive() {
		m.totalInvested = decimal.Max(m.totalInvested.Sub(amount), decimal.Zero)
	}
}

// UpdatePrice folds the step's net flow into the price and resets the flow.
// Called once per step after all bank actions.
func (m *Market) UpdatePrice() decimal.Decimal {
	next := m.price.Add(m.netFlow.Mul(m.sensitivity))
	if next.LessThan(MinPrice) {
		next = MinPrice
	}
	m.price = next
	m.netFlow = decimal.Zero
	return m.price
}

// Return is (price − initial) / initial.
func (m *Market) Return() decimal.Decimal {
	return m.price.Sub(m.initialPrice).Div(m.initialPrice)
}

// State returns a snapshot.
func (m *Market) State() model.MarketState {
	return model.MarketState{
		ID:            m.id,
		Price:         m.price,
		InitialPrice:  m.initialPrice,
		TotalInvested: m.totalInvested,
		Return:        m.Return(),
	}
}
