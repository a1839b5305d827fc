package exposure

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLimiter() *Limiter {
	return NewLimiter(0.25, 0.5, 0.6)
}

func TestNewLimiter_Defaults(t *testing.T) {
	l := NewLimiter(0, 0, 0)
	if l.MaxPerCounterparty != DefaultMaxPerCounterparty ||
		l.MaxConnected != DefaultMaxConnected ||
		l.MaxInterbank != DefaultMaxInterbank {
		t.Errorf("unexpected defaults %+v", l)
	}
}

func TestNewLimiter_ConnectedNeverBelowSingle(t *testing.T) {
	l := NewLimiter(0.4, 0.1, 0.6)
	if l.MaxConnected != 0.4 {
		t.Errorf("connected limit should be raised to 0.4, got %v", l.MaxConnected)
	}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	err := newTestLimiter().CheckLimit(Request{
		LenderEquity: d(1000),
		LenderAssets: d(1000),
		Borrower:     1,
		Amount:       d(100),
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CounterpartyExceeded(t *testing.T) {
	// Existing 200 + new 100 = 300 > 0.25 × 1000.
	err := newTestLimiter().CheckLimit(Request{
		LenderEquity: d(1000),
		LenderAssets: d(2000),
		Borrower:     1,
		Existing:     map[int]decimal.Decimal{1: d(200)},
		Amount:       d(100),
	})
	if err != ErrCounterpartyLimitExceeded {
		t.Errorf("expected ErrCounterpartyLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ConnectedExceeded(t *testing.T) {
	// Borrower 1 is linked to 2 and 3: 150 + 200 + 200 = 550 > 500.
	err := newTestLimiter().CheckLimit(Request{
		LenderEquity: d(1000),
		LenderAssets: d(5000),
		Borrower:     1,
		Connected:    []int{2, 3},
		Existing: map[int]decimal.Decimal{
			1: d(100),
			2: d(200),
			3: d(200),
		},
		Amount: d(50),
	})
	if err != ErrConnectedLimitExceeded {
		t.Errorf("expected ErrConnectedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UnconnectedNotCounted(t *testing.T) {
	// Bank 4 is not linked to borrower 1, so it only counts toward the
	// interbank total.
	err := newTestLimiter().CheckLimit(Request{
		LenderEquity: d(1000),
		LenderAssets: d(5000),
		Borrower:     1,
		Connected:    []int{2},
		Existing: map[int]decimal.Decimal{
			2: d(200),
			4: d(240),
		},
		Amount: d(100),
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_InterbankExceeded(t *testing.T) {
	err := newTestLimiter().CheckLimit(Request{
		LenderEquity: d(1000),
		LenderAssets: d(1000),
		Borrower:     5,
		Existing: map[int]decimal.Decimal{
			1: d(200),
			2: d(200),
			3: d(150),
		},
		Amount: d(100),
	})
	if err != ErrInterbankLimitExceeded {
		t.Errorf("expected ErrInterbankLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NoEquity(t *testing.T) {
	err := newTestLimiter().CheckLimit(Request{LenderEquity: d(-5), Amount: d(1)})
	if err != ErrNoEquity {
		t.Errorf("expected ErrNoEquity, got %v", err)
	}
}

func TestHeadroom(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want float64
	}{
		{
			name: "unconstrained returns amount",
			req:  Request{LenderEquity: d(1000), LenderAssets: d(1000), Borrower: 1, Amount: d(50)},
			want: 50,
		},
		{
			name: "counterparty binds",
			req: Request{LenderEquity: d(1000), LenderAssets: d(5000), Borrower: 1,
				Existing: map[int]decimal.Decimal{1: d(200)}, Amount: d(100)},
			want: 50,
		},
		{
			name: "interbank binds",
			req: Request{LenderEquity: d(1000), LenderAssets: d(1000), Borrower: 9,
				Existing: map[int]decimal.Decimal{1: d(250), 2: d(250), 3: d(80)}, Amount: d(100)},
			want: 20,
		},
		{
			name: "exhausted",
			req: Request{LenderEquity: d(1000), LenderAssets: d(1000), Borrower: 1,
				Existing: map[int]decimal.Decimal{1: d(250)}, Amount: d(100)},
			want: 0,
		},
	}
	l := newTestLimiter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Headroom(tt.req)
			if !got.Equal(d(tt.want)) {
				t.Errorf("expected %v, got %s", tt.want, got)
			}
			if got.IsPositive() {
				req := tt.req
				req.Amount = got
				if err := l.CheckLimit(req); err != nil {
					t.Errorf("headroom %s should pass CheckLimit, got %v", got, err)
				}
			}
		})
	}
}
