// Package policy implements the per-step decision policies banks use to pick
// an action from their local observation. Two interchangeable strategies are
// provided: a deterministic heuristic rule table and a game-theoretic best
// response under incomplete information.
//
// Policies only choose the action kind, its size and the market. Choosing a
// lending counterparty is left to the orchestrator, which owns the network.
package policy

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/balance"
	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
)

// Policy names accepted by New.
const (
	NameGameTheoretic = "game_theoretic"
	NameHeuristic     = "heuristic"
)

// ErrUnknownPolicy is returned by New for an unsupported name.
var ErrUnknownPolicy = errors.New("policy: unknown policy")

// NearZeroLiquidity is the liquidity ratio under which every policy hoards
// regardless of what it would otherwise do.
const NearZeroLiquidity = 0.01

// Policy selects one action per bank per step.
type Policy interface {
	Name() string
	Decide(obs bank.Observation) model.Action
}

// New builds a policy by name. The rng is only used by policies that sample
// (the game-theoretic mixed strategy) and must be the simulation's seeded
// source.
func New(name string, rng *rand.Rand) (Policy, error) {
	switch name {
	case NameGameTheoretic, "":
		return NewGameTheoretic(DefaultGameConfig(), rng), nil
	case NameHeuristic:
		return NewHeuristic(DefaultHeuristicConfig()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// liquidityFloorHit reports whether the bank is too short of cash to do
// anything but hoard.
func liquidityFloorHit(obs bank.Observation) bool {
	return obs.Cash.LessThan(balance.MinUnit) || obs.Ratios.LiquidityRatio < NearZeroLiquidity
}

// --- Action construction ---
//
// Sizes scale with the bank's risk appetite: a bank with risk factor 1 moves
// twice as much per step as one with risk factor 0.

func increaseLending(obs bank.Observation, reason string) model.Action {
	return model.Action{
		Kind:         model.ActionIncreaseLending,
		Amount:       share(obs.Cash, 0.1+0.1*obs.RiskFactor),
		Counterparty: model.NoCounterparty,
		Reason:       reason,
	}
}

func decreaseLending(obs bank.Observation, reason string) model.Action {
	return model.Action{
		Kind:         model.ActionDecreaseLending,
		Amount:       share(obs.LoansGiven, 0.25),
		Counterparty: model.NoCounterparty,
		Reason:       reason,
	}
}

func investMarket(obs bank.Observation, reason string) model.Action {
	return model.Action{
		Kind:         model.ActionInvestMarket,
		Amount:       share(obs.Cash, 0.1+0.15*obs.RiskFactor),
		Counterparty: model.NoCounterparty,
		MarketID:     obs.LargestMarket,
		Reason:       reason,
	}
}

func divestMarket(obs bank.Observation, fraction float64, reason string) model.Action {
	return model.Action{
		Kind:         model.ActionDivestMarket,
		Amount:       share(obs.LargestPosition, fraction),
		Counterparty: model.NoCounterparty,
		MarketID:     obs.LargestMarket,
		Reason:       reason,
	}
}

func hoard(reason string) model.Action {
	return model.Action{
		Kind:         model.ActionHoardCash,
		Counterparty: model.NoCounterparty,
		Reason:       reason,
	}
}

// reduceRisk picks the de-risking action available to the bank: sell market
// positions first, then call in loans, else hoard.
func reduceRisk(obs bank.Observation, divestFraction float64, reason string) model.Action {
	switch {
	case obs.Investments.IsPositive() && obs.LargestMarket != "":
		return divestMarket(obs, divestFraction, reason)
	case obs.LoansGiven.IsPositive():
		return decreaseLending(obs, reason)
	default:
		return hoard(reason)
	}
}

func share(v decimal.Decimal, f float64) decimal.Decimal {
	return v.Mul(decimal.NewFromFloat(f)).Round(8)
}
