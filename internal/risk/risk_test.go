package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/balance"
	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRulePrioritySelector(t *testing.T) {
	sel := NewRulePrioritySelector()

	tests := []struct {
		name      string
		leverage  float64
		liquidity float64
		equity    float64
		want      Priority
	}{
		{"illiquid", 1, 0.05, 100, PriorityLiquidity},
		{"over-leveraged", 5, 0.3, 100, PrioritySolvency},
		{"insolvent", 1, 0.3, -5, PrioritySolvency},
		{"healthy", 1.5, 0.4, 100, PriorityGrowth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := bank.Observation{
				Equity:          d(tt.equity),
				Ratios:          balance.Ratios{Leverage: tt.leverage, LiquidityRatio: tt.liquidity},
				TargetLeverage:  3,
				TargetLiquidity: 0.2,
			}
			if got := sel.Select(obs); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLogisticAssessor_Recommendations(t *testing.T) {
	a := NewLogisticAssessor()

	tests := []struct {
		name        string
		leverage    float64
		liquidity   float64
		defaultRate float64
		want        string
	}{
		{"healthy borrower", 1, 0.5, 0, RecommendApprove},
		{"stretched borrower", 5, 0.05, 0.1, RecommendReduce},
		{"failing borrower", 10, 0.02, 0.3, RecommendReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				Borrower: model.BankState{
					Equity:         d(100),
					Leverage:       tt.leverage,
					LiquidityRatio: tt.liquidity,
				},
				Network:        NetworkMetrics{Banks: 5, DefaultRate: tt.defaultRate, BorrowerLinks: 2},
				ExposureAmount: d(100),
			}
			got, err := a.Assess(context.Background(), in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Recommendation != tt.want {
				t.Errorf("expected %s, got %s (pd=%.3f)", tt.want, got.Recommendation, got.DefaultProbability)
			}
			if got.DefaultProbability < 0 || got.DefaultProbability > 1 {
				t.Errorf("pd out of range: %v", got.DefaultProbability)
			}
			if got.ExpectedLoss.GreaterThan(in.ExposureAmount) {
				t.Errorf("expected loss %s exceeds exposure", got.ExpectedLoss)
			}
			if got.SystemicImpact != 0.5 {
				t.Errorf("expected systemic impact 0.5, got %v", got.SystemicImpact)
			}
		})
	}
}

func TestLogisticAssessor_DefaultedBorrower(t *testing.T) {
	a := NewLogisticAssessor()
	got, _ := a.Assess(context.Background(), Input{
		Borrower:       model.BankState{Defaulted: true, Equity: d(-10)},
		ExposureAmount: d(40),
	})
	if got.Recommendation != RecommendReject {
		t.Errorf("expected reject, got %s", got.Recommendation)
	}
	if got.DefaultProbability != 1 || !got.ExpectedLoss.Equal(d(40)) {
		t.Errorf("expected certain full loss, got pd=%v loss=%s", got.DefaultProbability, got.ExpectedLoss)
	}
}
