package bank

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/balance"
)

// Environment is what a bank can see beyond its own balance sheet. The
// orchestrator fills it from the topology and markets.
type Environment struct {
	Step             int
	NeighborCount    int
	NeighborDefaults int
	NetworkStress    float64 // fraction of banks defaulted so far
	MarketReturn     float64 // return of the bank's largest market, 0 if none
}

// Observation is the local, partial view a decision policy works from.
type Observation struct {
	BankID int
	Step   int

	Cash        decimal.Decimal
	LoansGiven  decimal.Decimal
	Borrowed    decimal.Decimal
	Investments decimal.Decimal
	TotalAssets decimal.Decimal
	Equity      decimal.Decimal
	Ratios      balance.Ratios

	LargestMarket   string
	LargestPosition decimal.Decimal

	TargetLeverage       float64
	TargetLiquidity      float64
	TargetMarketExposure float64
	RiskFactor           float64

	NeighborCount    int
	NeighborDefaults int
	NetworkStress    float64
	MarketReturn     float64
}

// Observe refreshes the bank's view of its local state.
func (b *Bank) Observe(env Environment) Observation {
	mkt, pos := b.sheet.LargestPosition()
	return Observation{
		BankID:               b.id,
		Step:                 env.Step,
		Cash:                 b.sheet.Cash,
		LoansGiven:           b.sheet.LoansGiven,
		Borrowed:             b.sheet.Borrowed,
		Investments:          b.sheet.TotalInvestments(),
		TotalAssets:          b.sheet.TotalAssets(),
		Equity:               b.sheet.Equity(),
		Ratios:               b.sheet.Ratios(),
		LargestMarket:        mkt,
		LargestPosition:      pos,
		TargetLeverage:       b.targetLeverage,
		TargetLiquidity:      b.targetLiquidity,
		TargetMarketExposure: b.targetMarketExposure,
		RiskFactor:           b.riskFactor,
		NeighborCount:        env.NeighborCount,
		NeighborDefaults:     env.NeighborDefaults,
		NetworkStress:        env.NetworkStress,
		MarketReturn:         env.MarketReturn,
	}
}

// NeighborDefaultRate is the fraction of observed neighbors in default.
func (o Observation) NeighborDefaultRate() float64 {
	if o.NeighborCount == 0 {
		return 0
	}
	return float64(o.NeighborDefaults) / float64(o.NeighborCount)
}

// Exposed reports whether the bank holds any lending or market position.
func (o Observation) Exposed() bool {
	return o.LoansGiven.IsPositive() || o.Investments.IsPositive()
}
