package policy

import (
	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
)

// HeuristicConfig holds the thresholds of the rule table.
type HeuristicConfig struct {
	// NeighborDefaultAlarm is how many defaulted neighbors make a bank
	// retreat regardless of its own ratios.
	NeighborDefaultAlarm int

	// LiquidityBuffer is how far above its liquidity target a bank must be
	// before it lends surplus cash.
	LiquidityBuffer float64

	// InvestRiskThreshold is the minimum risk factor for topping up market
	// exposure.
	InvestRiskThreshold float64
}

// DefaultHeuristicConfig returns the standard thresholds.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		NeighborDefaultAlarm: 2,
		LiquidityBuffer:      0.1,
		InvestRiskThreshold:  0.5,
	}
}

// Heuristic is a deterministic rule table. Rules are checked in order; the
// first that matches wins:
//
//  1. near-zero cash            → HOARD_CASH
//  2. neighbor defaults ≥ alarm → de-risk (divest, else recall loans)
//  3. liquidity below target    → de-risk
//  4. leverage above target     → recall loans, else divest
//  5. market exposure below target and risk appetite high → INVEST_MARKET
//  6. liquidity comfortably above target → INCREASE_LENDING
//  7. otherwise                 → HOARD_CASH
type Heuristic struct {
	cfg HeuristicConfig
}

// NewHeuristic creates the rule-table policy.
func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	return &Heuristic{cfg: cfg}
}

func (h *Heuristic) Name() string { return NameHeuristic }

// Decide applies the rule table.
func (h *Heuristic) Decide(obs bank.Observation) model.Action {
	r := obs.Ratios

	if liquidityFloorHit(obs) {
		return hoard("liquidity floor")
	}
	if obs.NeighborDefaults >= h.cfg.NeighborDefaultAlarm {
		return reduceRisk(obs, 0.5, "neighbor defaults")
	}
	if r.LiquidityRatio < obs.TargetLiquidity {
		return reduceRisk(obs, 0.25, "liquidity below target")
	}
	if r.Leverage > obs.TargetLeverage {
		if obs.LoansGiven.IsPositive() {
			return decreaseLending(obs, "leverage above target")
		}
		return reduceRisk(obs, 0.25, "leverage above target")
	}
	if r.MarketExposure < obs.TargetMarketExposure && obs.RiskFactor >= h.cfg.InvestRiskThreshold {
		return investMarket(obs, "market exposure below target")
	}
	if r.LiquidityRatio > obs.TargetLiquidity+h.cfg.LiquidityBuffer {
		return increaseLending(obs, "surplus liquidity")
	}
	return hoard("within targets")
}
