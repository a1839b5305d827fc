// Package risk provides the advisory capabilities the engine may consult:
// a priority selector that can override what a policy focuses on, and a
// counterparty risk assessor scoring proposed loans. Both are interfaces so
// an external service can be plugged in; the defaults here are deterministic
// and rule-based.
package risk

import "github.com/atmx/contagion-engine/internal/bank"

// Priority is the concern a bank should put first this step.
type Priority string

const (
	PriorityLiquidity Priority = "liquidity"
	PrioritySolvency  Priority = "solvency"
	PriorityGrowth    Priority = "growth"
)

// PrioritySelector picks a bank's priority from its observation.
type PrioritySelector interface {
	Select(obs bank.Observation) Priority
}

// RulePrioritySelector ranks liquidity over solvency over growth.
type RulePrioritySelector struct {
	// LiquidityMargin: a bank whose liquidity ratio is below
	// target × LiquidityMargin prioritizes liquidity.
	LiquidityMargin float64
	// LeverageMargin: a bank whose leverage exceeds target × LeverageMargin
	// prioritizes solvency.
	LeverageMargin float64
}

// NewRulePrioritySelector returns the default selector.
func NewRulePrioritySelector() RulePrioritySelector {
	return RulePrioritySelector{LiquidityMargin: 1.0, LeverageMargin: 1.2}
}

func (s RulePrioritySelector) Select(obs bank.Observation) Priority {
	if obs.Ratios.LiquidityRatio < obs.TargetLiquidity*s.LiquidityMargin {
		return PriorityLiquidity
	}
	if obs.Ratios.Leverage > obs.TargetLeverage*s.LeverageMargin || !obs.Equity.IsPositive() {
		return PrioritySolvency
	}
	return PriorityGrowth
}
