package risk

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/model"
)

// Recommendation values returned by an Assessor.
const (
	RecommendApprove = "approve"
	RecommendReduce  = "reduce"
	RecommendReject  = "reject"
)

// NetworkMetrics is the network-wide context passed to an assessment.
type NetworkMetrics struct {
	Banks         int     `json:"banks"`
	Defaults      int     `json:"defaults"`
	DefaultRate   float64 `json:"default_rate"`
	BorrowerLinks int     `json:"borrower_links"`
}

// Input bundles everything an assessor may look at.
type Input struct {
	Borrower       model.BankState   `json:"borrower"`
	Lender         model.BankState   `json:"lender"`
	Network        NetworkMetrics    `json:"network"`
	Market         model.MarketState `json:"market"`
	ExposureAmount decimal.Decimal   `json:"exposure_amount"`
}

// Assessment is the advisory result.
type Assessment struct {
	DefaultProbability float64         `json:"default_probability"`
	ExpectedLoss       decimal.Decimal `json:"expected_loss"`
	SystemicImpact     float64         `json:"systemic_impact"`
	CascadeRisk        float64         `json:"cascade_risk"`
	Recommendation     string          `json:"recommendation"`
}

// Assessor scores a proposed loan. The engine treats the result as advice
// only; an error makes it proceed without advice.
type Assessor interface {
	Assess(ctx context.Context, in Input) (Assessment, error)
}

// LogisticAssessor is a fixed-coefficient logistic scorer over the
// borrower's leverage, liquidity and the network default rate.
type LogisticAssessor struct {
	Intercept        float64
	LeverageWeight   float64
	LiquidityWeight  float64
	NetworkWeight    float64
	LossGivenDefault float64
	ReduceAbove      float64
	RejectAbove      float64
}

// NewLogisticAssessor returns the default scorer.
func NewLogisticAssessor() *LogisticAssessor {
	return &LogisticAssessor{
		Intercept:        -4.0,
		LeverageWeight:   0.6,
		LiquidityWeight:  -6.0,
		NetworkWeight:    5.0,
		LossGivenDefault: 0.5,
		ReduceAbove:      0.2,
		RejectAbove:      0.5,
	}
}

func (a *LogisticAssessor) Assess(_ context.Context, in Input) (Assessment, error) {
	if in.Borrower.Defaulted || !in.Borrower.Equity.IsPositive() {
		return Assessment{
			DefaultProbability: 1,
			ExpectedLoss:       in.ExposureAmount,
			SystemicImpact:     systemicImpact(in),
			CascadeRisk:        1,
			Recommendation:     RecommendReject,
		}, nil
	}

	lev := math.Min(in.Borrower.Leverage, 50)
	z := a.Intercept +
		a.LeverageWeight*lev +
		a.LiquidityWeight*in.Borrower.LiquidityRatio +
		a.NetworkWeight*in.Network.DefaultRate
	pd := 1 / (1 + math.Exp(-z))

	expectedLoss := in.ExposureAmount.
		Mul(decimal.NewFromFloat(pd * a.LossGivenDefault)).
		Round(8)

	impact := systemicImpact(in)
	cascade := math.Min(1, pd*(1+impact))

	rec := RecommendApprove
	switch {
	case pd >= a.RejectAbove:
		rec = RecommendReject
	case pd >= a.ReduceAbove:
		rec = RecommendReduce
	}

	return Assessment{
		DefaultProbability: pd,
		ExpectedLoss:       expectedLoss,
		SystemicImpact:     impact,
		CascadeRisk:        cascade,
		Recommendation:     rec,
	}, nil
}

// systemicImpact approximates how much of the network the borrower could
// drag down: the share of banks it is linked to.
func systemicImpact(in Input) float64 {
	if in.Network.Banks <= 1 {
		return 0
	}
	return math.Min(1, float64(in.Network.BorrowerLinks)/float64(in.Network.Banks-1))
}
