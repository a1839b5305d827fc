package policy

import (
	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/risk"
)

// Prioritized wraps a policy with a priority selector. When the selector
// says a bank must protect liquidity or solvency, cash-consuming or
// exposure-growing decisions are replaced with de-risking ones.
type Prioritized struct {
	inner    Policy
	selector risk.PrioritySelector
}

// WithPriority wraps p. A nil selector returns p unchanged.
func WithPriority(p Policy, sel risk.PrioritySelector) Policy {
	if sel == nil {
		return p
	}
	return &Prioritized{inner: p, selector: sel}
}

func (p *Prioritized) Name() string { return p.inner.Name() }

func (p *Prioritized) Decide(obs bank.Observation) model.Action {
	a := p.inner.Decide(obs)

	switch p.selector.Select(obs) {
	case risk.PriorityLiquidity:
		if a.Kind == model.ActionIncreaseLending || a.Kind == model.ActionInvestMarket {
			return reduceRisk(obs, 0.25, "priority liquidity overrides "+string(a.Kind))
		}
	case risk.PrioritySolvency:
		if a.Kind == model.ActionIncreaseLending {
			return reduceRisk(obs, 0.25, "priority solvency overrides "+string(a.Kind))
		}
	case risk.PriorityGrowth:
	}
	return a
}
