// Package bank implements the bank agent: a balance sheet, strategy targets,
// a risk disposition and a monotonic default flag.
package bank

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/balance"
	"github.com/atmx/contagion-engine/internal/model"
)

var (
	ErrInvalidCapital    = errors.New("bank: initial capital must be positive")
	ErrInvalidRiskFactor = errors.New("bank: risk factor must be within [0, 1]")
	ErrInvalidTarget     = errors.New("bank: targets must be positive")
)

// Defaults applied by Config.withDefaults.
const (
	DefaultInitialCashRatio     = 0.5
	DefaultTargetLeverage       = 3.0
	DefaultTargetLiquidity      = 0.2
	DefaultTargetMarketExposure = 0.3
)

// Config describes one bank at creation time.
type Config struct {
	Name                 string          `json:"name" yaml:"name"`
	InitialCapital       decimal.Decimal `json:"initial_capital" yaml:"initial_capital"`
	InitialCashRatio     float64         `json:"initial_cash_ratio" yaml:"initial_cash_ratio"`
	TargetLeverage       float64         `json:"target_leverage" yaml:"target_leverage"`
	TargetLiquidity      float64         `json:"target_liquidity" yaml:"target_liquidity"`
	TargetMarketExposure float64         `json:"target_market_exposure" yaml:"target_market_exposure"`
	RiskFactor           float64         `json:"risk_factor" yaml:"risk_factor"`
}

// WithDefaults fills zero-valued targets.
func (c Config) WithDefaults() Config {
	if c.InitialCashRatio == 0 {
		c.InitialCashRatio = DefaultInitialCashRatio
	}
	if c.TargetLeverage == 0 {
		c.TargetLeverage = DefaultTargetLeverage
	}
	if c.TargetLiquidity == 0 {
		c.TargetLiquidity = DefaultTargetLiquidity
	}
	if c.TargetMarketExposure == 0 {
		c.TargetMarketExposure = DefaultTargetMarketExposure
	}
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	if !c.InitialCapital.IsPositive() {
		return ErrInvalidCapital
	}
	if c.RiskFactor < 0 || c.RiskFactor > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidRiskFactor, c.RiskFactor)
	}
	if c.TargetLeverage <= 0 || c.TargetLiquidity <= 0 || c.TargetMarketExposure < 0 {
		return ErrInvalidTarget
	}
	if c.InitialCashRatio <= 0 || c.InitialCashRatio > 1 {
		return fmt.Errorf("%w: initial cash ratio %v", ErrInvalidTarget, c.InitialCashRatio)
	}
	return nil
}

// Bank is one agent. Its index in the simulation arena is its ID.
type Bank struct {
	id    int
	name  string
	sheet *balance.Sheet

	targetLeverage       float64
	targetLiquidity      float64
	targetMarketExposure float64
	riskFactor           float64

	defaulted     bool
	defaultedAt   int
	removed       bool
	liquidityFlag bool
	lastAction    model.ActionKind
}

// New creates a bank. A fraction InitialCashRatio of the capital is held as
// cash; the rest starts as a position in primaryMarket (or stays in cash if
// primaryMarket is empty).
func New(id int, cfg Config, primaryMarket string) (*Bank, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cash := cfg.InitialCapital.Mul(decimal.NewFromFloat(cfg.InitialCashRatio))
	invested := cfg.InitialCapital.Sub(cash)
	if primaryMarket == "" {
		cash, invested = cfg.InitialCapital, decimal.Zero
	}

	sheet := balance.New(cash)
	sheet.SeedPosition(primaryMarket, invested)

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("bank-%d", id)
	}

	return &Bank{
		id:                   id,
		name:                 name,
		sheet:                sheet,
		targetLeverage:       cfg.TargetLeverage,
		targetLiquidity:      cfg.TargetLiquidity,
		targetMarketExposure: cfg.TargetMarketExposure,
		riskFactor:           cfg.RiskFactor,
	}, nil
}

func (b *Bank) ID() int                       { return b.id }
func (b *Bank) Name() string                  { return b.name }
func (b *Bank) Sheet() *balance.Sheet         { return b.sheet }
func (b *Bank) RiskFactor() float64           { return b.riskFactor }
func (b *Bank) TargetLeverage() float64       { return b.targetLeverage }
func (b *Bank) TargetLiquidity() float64      { return b.targetLiquidity }
func (b *Bank) TargetMarketExposure() float64 { return b.targetMarketExposure }
func (b *Bank) IsDefaulted() bool             { return b.defaulted }
func (b *Bank) DefaultedAt() int              { return b.defaultedAt }
func (b *Bank) IsRemoved() bool               { return b.removed }
func (b *Bank) LiquidityFlag() bool           { return b.liquidityFlag }

// Active reports whether the bank still takes actions.
func (b *Bank) Active() bool {
	return !b.defaulted && !b.removed
}

// MarkDefaulted sets the default flag. It is monotonic: it returns true only
// the first time, and nothing ever clears it.
func (b *Bank) MarkDefaulted(step int) bool {
	if b.defaulted {
		return false
	}
	b.defaulted = true
	b.defaultedAt = step
	return true
}

// MarkRemoved takes the bank out of the simulation.
func (b *Bank) MarkRemoved() {
	b.removed = true
}

// SetLiquidityFlag records whether the bank breached its liquidity floor
// after the last execution phase.
func (b *Bank) SetLiquidityFlag(v bool) {
	b.liquidityFlag = v
}

// Execute applies the owner side of an action to the balance sheet and
// returns what was actually done.
func (b *Bank) Execute(a model.Action) model.Action {
	if !b.Active() {
		return model.Hold("bank inactive")
	}
	done := b.sheet.Apply(a)
	b.lastAction = done.Kind
	return done
}

// State returns a snapshot.
func (b *Bank) State() model.BankState {
	r := b.sheet.Ratios()
	inv := make(map[string]decimal.Decimal, len(b.sheet.Investments))
	for k, v := range b.sheet.Investments {
		inv[k] = v
	}
	return model.BankState{
		ID:             b.id,
		Name:           b.name,
		Cash:           b.sheet.Cash,
		LoansGiven:     b.sheet.LoansGiven,
		Borrowed:       b.sheet.Borrowed,
		Investments:    inv,
		TotalAssets:    b.sheet.TotalAssets(),
		Equity:         b.sheet.Equity(),
		Leverage:       r.Leverage,
		LiquidityRatio: r.LiquidityRatio,
		MarketExposure: r.MarketExposure,
		RiskFactor:     b.riskFactor,
		Defaulted:      b.defaulted,
		Removed:        b.removed,
		DefaultedAt:    b.defaultedAt,
		LiquidityFlag:  b.liquidityFlag,
		LastAction:     b.lastAction,
	}
}
