package balance

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/contagion-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNew_NegativeCashClamped(t *testing.T) {
	s := New(d(-10))
	if !s.Cash.IsZero() {
		t.Errorf("expected cash clamped to 0, got %s", s.Cash)
	}
}

func TestEquity_AccountingIdentity(t *testing.T) {
	s := New(d(250))
	s.SeedPosition("m0", d(250))
	s.Borrow(d(50))

	if !s.TotalAssets().Equal(d(550)) {
		t.Errorf("expected total assets 550, got %s", s.TotalAssets())
	}
	if !s.Equity().Equal(d(500)) {
		t.Errorf("expected equity 500, got %s", s.Equity())
	}
}

func TestRatios_ZeroEquityDoesNotPanic(t *testing.T) {
	s := New(d(100))
	s.Borrowed = d(100)

	r := s.Ratios()
	if r.Leverage <= 0 {
		t.Errorf("leverage should be large and positive on zero equity, got %f", r.Leverage)
	}
	if r.LiquidityRatio != 1 {
		t.Errorf("expected liquidity ratio 1, got %f", r.LiquidityRatio)
	}
}

func TestRatios_EmptySheet(t *testing.T) {
	s := New(decimal.Zero)
	r := s.Ratios()
	if r.LiquidityRatio != 0 || r.MarketExposure != 0 || r.LoanExposure != 0 {
		t.Errorf("expected zero ratios on empty sheet, got %+v", r)
	}
}

func TestRatios_Values(t *testing.T) {
	s := New(d(200))
	s.SeedPosition("m0", d(100))
	s.LoansGiven = d(100)
	s.Borrowed = d(200)

	r := s.Ratios()
	if r.Leverage != 2 {
		t.Errorf("expected leverage 2, got %f", r.Leverage)
	}
	if r.LiquidityRatio != 0.5 {
		t.Errorf("expected liquidity 0.5, got %f", r.LiquidityRatio)
	}
	if r.MarketExposure != 0.25 || r.LoanExposure != 0.25 {
		t.Errorf("unexpected exposures %+v", r)
	}
}

func TestApply_LendClampedToCash(t *testing.T) {
	s := New(d(30))
	got := s.Apply(model.Action{Kind: model.ActionIncreaseLending, Amount: d(50), Counterparty: 1})

	if got.Kind != model.ActionIncreaseLending {
		t.Fatalf("expected lending to execute, got %s", got.Kind)
	}
	if !got.Amount.Equal(d(30)) {
		t.Errorf("expected clamped amount 30, got %s", got.Amount)
	}
	if !s.Cash.IsZero() {
		t.Errorf("expected cash 0, got %s", s.Cash)
	}
	if !s.LoansGiven.Equal(d(30)) {
		t.Errorf("expected loans 30, got %s", s.LoansGiven)
	}
}

func TestApply_BelowMinUnitDegradesToHold(t *testing.T) {
	s := New(d(0.5))
	got := s.Apply(model.Action{Kind: model.ActionInvestMarket, Amount: d(10), MarketID: "m0"})

	if got.Kind != model.ActionHold {
		t.Errorf("expected HOLD, got %s", got.Kind)
	}
	if !s.Cash.Equal(d(0.5)) {
		t.Errorf("cash should be untouched, got %s", s.Cash)
	}
}

func TestApply_InvestAndDivest(t *testing.T) {
	s := New(d(100))
	s.Apply(model.Action{Kind: model.ActionInvestMarket, Amount: d(40), MarketID: "m0"})
	if !s.Position("m0").Equal(d(40)) {
		t.Fatalf("expected position 40, got %s", s.Position("m0"))
	}

	got := s.Apply(model.Action{Kind: model.ActionDivestMarket, Amount: d(100), MarketID: "m0"})
	if !got.Amount.Equal(d(40)) {
		t.Errorf("divest should clamp to position, got %s", got.Amount)
	}
	if !s.Cash.Equal(d(100)) {
		t.Errorf("expected cash restored to 100, got %s", s.Cash)
	}
	if _, ok := s.Investments["m0"]; ok {
		t.Error("empty position should be removed")
	}
}

func TestApply_HoardIsNoop(t *testing.T) {
	s := New(d(100))
	got := s.Apply(model.Action{Kind: model.ActionHoardCash})
	if got.Kind != model.ActionHoardCash || !s.Cash.Equal(d(100)) {
		t.Errorf("hoard must not touch the sheet: %+v cash=%s", got, s.Cash)
	}
}

func TestLendRepayRoundTrip(t *testing.T) {
	lender := New(d(250))
	borrower := New(d(150))

	done := lender.Apply(model.Action{Kind: model.ActionIncreaseLending, Amount: d(80), Counterparty: 1})
	borrower.Borrow(done.Amount)

	amt := borrower.Repayable(d(80))
	borrower.Repay(amt)
	lender.Apply(model.Action{Kind: model.ActionDecreaseLending, Amount: amt, Counterparty: 1})

	if !lender.Cash.Equal(d(250)) || !borrower.Cash.Equal(d(150)) {
		t.Errorf("round trip should restore cash: lender=%s borrower=%s", lender.Cash, borrower.Cash)
	}
	if !lender.LoansGiven.IsZero() || !borrower.Borrowed.IsZero() {
		t.Errorf("round trip should clear the loan: loans=%s borrowed=%s", lender.LoansGiven, borrower.Borrowed)
	}
}

func TestRepayable_LimitedByCash(t *testing.T) {
	s := New(d(20))
	s.Borrowed = d(100)
	if got := s.Repayable(d(50)); !got.Equal(d(20)) {
		t.Errorf("expected 20, got %s", got)
	}
}

func TestBookProfit(t *testing.T) {
	tests := []struct {
		name        string
		cash        float64
		position    float64
		profit      float64
		wantBooked  float64
		wantCash    float64
		wantPositon float64
	}{
		{"gain", 100, 1000, 10, 10, 110, 1000},
		{"loss from cash", 100, 1000, -30, -30, 70, 1000},
		{"loss exceeds cash", 20, 1000, -50, -50, 0, 970},
		{"loss exceeds everything", 20, 10, -50, -30, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(d(tt.cash))
			s.SeedPosition("m0", d(tt.position))
			booked := s.BookProfit("m0", d(tt.profit))

			if !booked.Equal(d(tt.wantBooked)) {
				t.Errorf("booked: want %v, got %s", tt.wantBooked, booked)
			}
			if !s.Cash.Equal(d(tt.wantCash)) {
				t.Errorf("cash: want %v, got %s", tt.wantCash, s.Cash)
			}
			if !s.Position("m0").Equal(d(tt.wantPositon)) {
				t.Errorf("position: want %v, got %s", tt.wantPositon, s.Position("m0"))
			}
		})
	}
}

func TestWriteDownLoans(t *testing.T) {
	s := New(d(10))
	s.LoansGiven = d(100)
	before := s.Equity()

	got := s.WriteDownLoans(d(50))
	if !got.Equal(d(50)) {
		t.Fatalf("expected 50 written down, got %s", got)
	}
	if !before.Sub(s.Equity()).Equal(d(50)) {
		t.Errorf("equity should drop by 50, dropped %s", before.Sub(s.Equity()))
	}
	if got := s.WriteDownLoans(d(500)); !got.Equal(d(50)) {
		t.Errorf("write-down should clamp to remaining loans, got %s", got)
	}
}

func TestLiquidate_BelowMinUnit(t *testing.T) {
	s := New(d(10))
	s.SeedPosition("m0", d(0.5))
	if got := s.Liquidate("m0"); !got.Equal(d(0.5)) {
		t.Errorf("expected 0.5 released, got %s", got)
	}
	if !s.Cash.Equal(d(10.5)) || len(s.MarketIDs()) != 0 {
		t.Errorf("expected cash 10.5 and no positions, got %s %v", s.Cash, s.MarketIDs())
	}
}

func TestSettle_PartialRecovery(t *testing.T) {
	s := New(d(0))
	s.LoansGiven = d(100)
	s.Settle(d(100), d(60))
	if !s.LoansGiven.IsZero() || !s.Cash.Equal(d(60)) {
		t.Errorf("expected loans 0 cash 60, got %s %s", s.LoansGiven, s.Cash)
	}
	if !s.Equity().Equal(d(60)) {
		t.Errorf("expected a 40 loss, equity %s", s.Equity())
	}
}

func TestLargestPosition(t *testing.T) {
	s := New(d(0))
	s.SeedPosition("a", d(10))
	s.SeedPosition("b", d(30))
	id, amt := s.LargestPosition()
	if id != "b" || !amt.Equal(d(30)) {
		t.Errorf("expected b/30, got %s/%s", id, amt)
	}
}

func TestClone_Independent(t *testing.T) {
	s := New(d(10))
	s.SeedPosition("m0", d(5))
	c := s.Clone()
	c.Investments["m0"] = d(99)
	c.Cash = d(1)
	if !s.Position("m0").Equal(d(5)) || !s.Cash.Equal(d(10)) {
		t.Error("clone must not share state")
	}
}

// Cash, asset components and the equity identity hold under any sequence of
// owner-side actions.
func TestProperty_SheetInvariants(t *testing.T) {
	kinds := []model.ActionKind{
		model.ActionIncreaseLending,
		model.ActionDecreaseLending,
		model.ActionInvestMarket,
		model.ActionDivestMarket,
		model.ActionHoardCash,
	}

	rapid.Check(t, func(t *rapid.T) {
		s := New(decimal.NewFromInt(rapid.Int64Range(0, 10000).Draw(t, "cash")))
		s.Borrowed = decimal.NewFromInt(rapid.Int64Range(0, 5000).Draw(t, "borrowed"))

		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			kind := rapid.SampledFrom(kinds).Draw(t, "kind")
			amt := decimal.NewFromInt(rapid.Int64Range(0, 3000).Draw(t, "amount"))
			s.Apply(model.Action{Kind: kind, Amount: amt, MarketID: "m0", Counterparty: 1})
			if rapid.Bool().Draw(t, "book") {
				s.BookProfit("m0", decimal.NewFromInt(rapid.Int64Range(-2000, 2000).Draw(t, "profit")))
			}

			if s.Cash.IsNegative() || s.LoansGiven.IsNegative() || s.Position("m0").IsNegative() {
				t.Fatalf("negative component: cash=%s loans=%s pos=%s", s.Cash, s.LoansGiven, s.Position("m0"))
			}
			want := s.Cash.Add(s.LoansGiven).Add(s.TotalInvestments()).Sub(s.Borrowed)
			if !s.Equity().Equal(want) {
				t.Fatalf("equity %s != assets - borrowed %s", s.Equity(), want)
			}
		}
	})
}
