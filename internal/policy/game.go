package policy

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
)

// MarketState is a bank's estimate of the aggregate state of the interbank
// market.
type MarketState int

const (
	Stable MarketState = iota
	Distressed
)

func (s MarketState) String() string {
	if s == Distressed {
		return "DISTRESSED"
	}
	return "STABLE"
}

// Move is an abstract strategy in the two-action lending game.
type Move int

const (
	Lend Move = iota
	HoardMove
)

func (m Move) String() string {
	if m == HoardMove {
		return "HOARD"
	}
	return "LEND"
}

// GameConfig parameterizes the belief model and the payoff matrix.
type GameConfig struct {
	// PriorDistressed is P(DISTRESSED) before any signal is observed.
	PriorDistressed float64

	// Signal likelihoods P(signal | state) for the three local signals.
	OwnStressGivenDistressed       float64
	OwnStressGivenStable           float64
	NeighborDefaultGivenDistressed float64
	NeighborDefaultGivenStable     float64
	NetworkStressGivenDistressed   float64
	NetworkStressGivenStable       float64

	// OwnStressThreshold marks the own-stress signal as present.
	OwnStressThreshold float64
	// NetworkStressThreshold marks the network-stress signal as present.
	NetworkStressThreshold float64

	// BeliefLend is P(counterparties choose LEND | state).
	BeliefLendStable     float64
	BeliefLendDistressed float64

	BaseReturn float64 // upside of lending into a functioning market
	BaseLoss   float64 // downside of lending while others hoard
	SafeReturn float64 // payoff of hoarding while others lend

	// Distressed states shrink upside and multiply downside.
	DistressUpside   float64
	DistressDownside float64

	// HoardPremium is the payoff of hoarding when everyone hoards in a
	// distressed market; HoardCost is the missed opportunity in a stable one.
	HoardPremium float64
	HoardCost    float64

	// IndifferenceBand: expected payoffs closer than this are treated as a
	// tie and resolved with the mixed strategy.
	IndifferenceBand float64
}

// DefaultGameConfig returns the standard parameters.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		PriorDistressed:                0.2,
		OwnStressGivenDistressed:       0.7,
		OwnStressGivenStable:           0.2,
		NeighborDefaultGivenDistressed: 0.6,
		NeighborDefaultGivenStable:     0.1,
		NetworkStressGivenDistressed:   0.5,
		NetworkStressGivenStable:       0.1,
		OwnStressThreshold:             0.25,
		NetworkStressThreshold:         0.1,
		BeliefLendStable:               0.8,
		BeliefLendDistressed:           0.3,
		BaseReturn:                     0.05,
		BaseLoss:                       0.10,
		SafeReturn:                     0.01,
		DistressUpside:                 0.5,
		DistressDownside:               2.0,
		HoardPremium:                   0.02,
		HoardCost:                      0.01,
		IndifferenceBand:               0.005,
	}
}

// Belief is a bank's view of the market after observing its signals.
type Belief struct {
	PDistressed float64
	State       MarketState
	PLend       float64 // probability counterparties LEND
}

// Payoffs is the bank's 2×2 payoff matrix indexed [own move][other move].
type Payoffs [2][2]float64

// Outcome is the result of a best-response computation.
type Outcome struct {
	Move     Move
	Mixed    bool
	PLendMix float64 // mixing probability when Mixed
	EULend   float64
	EUHoard  float64
}

// GameTheoretic models each bank's choice as a LEND/HOARD game against the
// rest of the network under incomplete information:
//
//  1. estimate STABLE vs DISTRESSED from local signals (naive Bayes)
//  2. take P(counterparties LEND) for that state from a fixed prior table
//  3. build the payoff matrix from equity, leverage and liquidity
//  4. best-respond: dominant or clearly better move is played purely,
//     otherwise the symmetric mixed equilibrium is sampled
//  5. map LEND/HOARD onto a concrete action
type GameTheoretic struct {
	cfg GameConfig
	rng *rand.Rand
}

// NewGameTheoretic creates the game-theoretic policy. rng is used only for
// sampling mixed strategies.
func NewGameTheoretic(cfg GameConfig, rng *rand.Rand) *GameTheoretic {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &GameTheoretic{cfg: cfg, rng: rng}
}

func (g *GameTheoretic) Name() string { return NameGameTheoretic }

// Decide runs the five stages and returns the concrete action.
func (g *GameTheoretic) Decide(obs bank.Observation) model.Action {
	if liquidityFloorHit(obs) {
		return hoard("liquidity floor")
	}

	belief := g.EstimateBelief(obs)
	payoffs := g.PayoffMatrix(obs, belief.State)
	out := g.BestResponse(payoffs, belief.PLend)

	mode := "pure"
	if out.Mixed {
		mode = fmt.Sprintf("mixed q=%.2f", out.PLendMix)
	}
	reason := fmt.Sprintf("%s p(D)=%.2f belief=%.2f EU(L)=%.3f EU(H)=%.3f %s %s",
		belief.State, belief.PDistressed, belief.PLend, out.EULend, out.EUHoard, mode, out.Move)

	return g.concreteAction(obs, out.Move, reason)
}

// OwnStress scores the bank's own distress in [0, 1] from its leverage and
// liquidity gaps.
func OwnStress(obs bank.Observation) float64 {
	levGap := 0.0
	if obs.TargetLeverage > 0 {
		levGap = clamp01(obs.Ratios.Leverage/obs.TargetLeverage - 1)
	}
	liqGap := 0.0
	if obs.TargetLiquidity > 0 {
		liqGap = clamp01(1 - obs.Ratios.LiquidityRatio/obs.TargetLiquidity)
	}
	return 0.5*levGap + 0.5*liqGap
}

// EstimateBelief updates the prior with the bank's three local signals.
func (g *GameTheoretic) EstimateBelief(obs bank.Observation) Belief {
	c := g.cfg
	pD, pS := c.PriorDistressed, 1-c.PriorDistressed

	update := func(present bool, givenD, givenS float64) {
		if present {
			pD *= givenD
			pS *= givenS
		} else {
			pD *= 1 - givenD
			pS *= 1 - givenS
		}
	}
	update(OwnStress(obs) >= c.OwnStressThreshold, c.OwnStressGivenDistressed, c.OwnStressGivenStable)
	update(obs.NeighborDefaults > 0, c.NeighborDefaultGivenDistressed, c.NeighborDefaultGivenStable)
	update(obs.NetworkStress >= c.NetworkStressThreshold, c.NetworkStressGivenDistressed, c.NetworkStressGivenStable)

	posterior := c.PriorDistressed
	if total := pD + pS; total > 0 {
		posterior = pD / total
	}

	b := Belief{PDistressed: posterior, State: Stable, PLend: c.BeliefLendStable}
	if posterior > 0.5 {
		b.State = Distressed
		b.PLend = c.BeliefLendDistressed
	}
	return b
}

// PayoffMatrix builds the bank's payoffs for the estimated state.
func (g *GameTheoretic) PayoffMatrix(obs bank.Observation, state MarketState) Payoffs {
	c := g.cfg
	upside, downside := 1.0, 1.0
	if state == Distressed {
		upside, downside = c.DistressUpside, c.DistressDownside
	}

	liquidity := 1.0
	if obs.TargetLiquidity > 0 {
		liquidity = math.Min(1, obs.Ratios.LiquidityRatio/obs.TargetLiquidity)
	}
	leverage := 1.0
	if obs.TargetLeverage > 0 {
		leverage = math.Min(3, math.Max(0, obs.Ratios.Leverage/obs.TargetLeverage))
	}
	// Thin equity cushions amplify losses.
	cushion := 1.0
	if obs.TotalAssets.IsPositive() {
		cushion = clamp01(obs.Equity.Div(obs.TotalAssets).InexactFloat64())
	}
	fragility := 1 + (1 - cushion)

	var p Payoffs
	p[Lend][Lend] = c.BaseReturn * (1 + obs.RiskFactor) * upside * liquidity
	p[Lend][HoardMove] = -c.BaseLoss * downside * leverage * fragility * (1 - 0.5*obs.RiskFactor)
	p[HoardMove][Lend] = c.SafeReturn
	if state == Distressed {
		p[HoardMove][HoardMove] = c.HoardPremium
	} else {
		p[HoardMove][HoardMove] = -c.HoardCost
	}
	return p
}

// BestResponse picks the move that maximizes expected payoff against a
// counterparty who lends with probability pLend.
func (g *GameTheoretic) BestResponse(p Payoffs, pLend float64) Outcome {
	a, b := p[Lend][Lend], p[Lend][HoardMove]
	c, d := p[HoardMove][Lend], p[HoardMove][HoardMove]

	out := Outcome{
		EULend:  pLend*a + (1-pLend)*b,
		EUHoard: pLend*c + (1-pLend)*d,
	}

	// Strict dominance needs no belief at all.
	switch {
	case a > c && b > d:
		out.Move = Lend
		return out
	case c > a && d > b:
		out.Move = HoardMove
		return out
	}

	diff := out.EULend - out.EUHoard
	if math.Abs(diff) > g.cfg.IndifferenceBand {
		if diff > 0 {
			out.Move = Lend
		} else {
			out.Move = HoardMove
		}
		return out
	}

	// Near-indifferent: play the symmetric mixed equilibrium, i.e. lend with
	// the probability that would make a counterparty with the same payoffs
	// indifferent.
	q := 0.5
	if denom := a - b - c + d; math.Abs(denom) > 1e-12 {
		q = clamp01((d - b) / denom)
	}
	out.Mixed = true
	out.PLendMix = q
	if g.rng.Float64() < q {
		out.Move = Lend
	} else {
		out.Move = HoardMove
	}
	return out
}

// concreteAction maps the abstract move onto the bank's position.
func (g *GameTheoretic) concreteAction(obs bank.Observation, move Move, reason string) model.Action {
	if move == Lend {
		if obs.Ratios.LiquidityRatio >= obs.TargetLiquidity {
			return increaseLending(obs, reason)
		}
		return investMarket(obs, reason)
	}
	if obs.Exposed() {
		return reduceRisk(obs, 0.25, reason)
	}
	return hoard(reason)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
