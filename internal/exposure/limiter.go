// Package exposure implements large-exposure limits for interbank lending
// that account for connected counterparties.
//
// When a borrower is tightly linked to other banks, lending to all of them is
// one concentrated bet: if the group fails together the lender takes every
// loss at once. The limiter caps a lender's exposure to a single borrower, to
// the borrower's connected group, and to the interbank market as a whole.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrCounterpartyLimitExceeded is returned when a loan would push the
	// exposure to one borrower beyond MaxPerCounterparty × equity.
	ErrCounterpartyLimitExceeded = errors.New("exposure: per-counterparty limit exceeded")

	// ErrConnectedLimitExceeded is returned when a loan would push the
	// aggregate exposure to the borrower and its connected banks beyond
	// MaxConnected × equity.
	ErrConnectedLimitExceeded = errors.New("exposure: connected-group limit exceeded")

	// ErrInterbankLimitExceeded is returned when a loan would push total
	// interbank lending beyond MaxInterbank × total assets.
	ErrInterbankLimitExceeded = errors.New("exposure: interbank limit exceeded")

	// ErrNoEquity is returned when the lender has no positive equity.
	ErrNoEquity = errors.New("exposure: lender has no equity")
)

// Default limit fractions.
const (
	DefaultMaxPerCounterparty = 0.25
	DefaultMaxConnected       = 0.5
	DefaultMaxInterbank       = 0.6
)

// Limiter enforces lending limits.
//
// Connected groups come from the network links: a borrower and every bank it
// is linked to. Banks that share links tend to be hit by the same shock, so
// their exposures are summed.
type Limiter struct {
	// MaxPerCounterparty is the largest exposure to any one borrower, as a
	// fraction of the lender's equity.
	MaxPerCounterparty float64

	// MaxConnected is the largest exposure to a borrower plus its connected
	// banks, as a fraction of the lender's equity.
	MaxConnected float64

	// MaxInterbank is the largest total interbank lending, as a fraction of
	// the lender's total assets.
	MaxInterbank float64
}

// NewLimiter creates a limiter. Non-positive fractions select the defaults.
func NewLimiter(maxPerCounterparty, maxConnected, maxInterbank float64) *Limiter {
	if maxPerCounterparty <= 0 {
		maxPerCounterparty = DefaultMaxPerCounterparty
	}
	if maxConnected <= 0 {
		maxConnected = DefaultMaxConnected
	}
	if maxConnected < maxPerCounterparty {
		maxConnected = maxPerCounterparty
	}
	if maxInterbank <= 0 {
		maxInterbank = DefaultMaxInterbank
	}
	return &Limiter{
		MaxPerCounterparty: maxPerCounterparty,
		MaxConnected:       maxConnected,
		MaxInterbank:       maxInterbank,
	}
}

// Request describes a proposed loan.
//
//   - Borrower: arena index of the borrower
//   - Connected: banks linked to the borrower (the borrower itself excluded)
//   - Existing: lender's current exposure per borrower
//   - Amount: proposed new lending
type Request struct {
	LenderEquity decimal.Decimal
	LenderAssets decimal.Decimal
	Borrower     int
	Connected    []int
	Existing     map[int]decimal.Decimal
	Amount       decimal.Decimal
}

// CheckLimit validates whether the loan respects every limit.
// Returns nil if it does, or the first limit it violates.
func (l *Limiter) CheckLimit(req Request) error {
	if !req.LenderEquity.IsPositive() {
		return ErrNoEquity
	}

	// 1. Single counterparty.
	newPosition := req.Existing[req.Borrower].Add(req.Amount)
	if newPosition.GreaterThan(fraction(req.LenderEquity, l.MaxPerCounterparty)) {
		return ErrCounterpartyLimitExceeded
	}

	// 2. Connected group: borrower plus everyone linked to it.
	group := newPosition
	for _, id := range req.Connected {
		if id == req.Borrower {
			continue // already counted via newPosition above
		}
		group = group.Add(req.Existing[id])
	}
	if group.GreaterThan(fraction(req.LenderEquity, l.MaxConnected)) {
		return ErrConnectedLimitExceeded
	}

	// 3. Total interbank book.
	total := req.Amount
	for _, amt := range req.Existing {
		total = total.Add(amt)
	}
	if total.GreaterThan(fraction(req.LenderAssets, l.MaxInterbank)) {
		return ErrInterbankLimitExceeded
	}

	return nil
}

// Headroom returns the largest amount that still passes CheckLimit, capped
// at req.Amount. Zero means no further lending to this borrower is allowed.
func (l *Limiter) Headroom(req Request) decimal.Decimal {
	if !req.LenderEquity.IsPositive() || !req.Amount.IsPositive() {
		return decimal.Zero
	}

	current := req.Existing[req.Borrower]
	room := fraction(req.LenderEquity, l.MaxPerCounterparty).Sub(current)

	group := current
	for _, id := range req.Connected {
		if id != req.Borrower {
			group = group.Add(req.Existing[id])
		}
	}
	room = decimal.Min(room, fraction(req.LenderEquity, l.MaxConnected).Sub(group))

	total := decimal.Zero
	for _, amt := range req.Existing {
		total = total.Add(amt)
	}
	room = decimal.Min(room, fraction(req.LenderAssets, l.MaxInterbank).Sub(total))

	if !room.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(room, req.Amount)
}

func fraction(v decimal.Decimal, f float64) decimal.Decimal {
	return v.Mul(decimal.NewFromFloat(f))
}
