// Package model defines the core domain types shared across the contagion
// engine. All monetary values use shopspring/decimal; ratios are float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind is the closed set of things a bank can do in one step.
// Keep these values stable; they appear in transaction events.
type ActionKind string

const (
	ActionIncreaseLending ActionKind = "INCREASE_LENDING"
	ActionDecreaseLending ActionKind = "DECREASE_LENDING"
	ActionInvestMarket    ActionKind = "INVEST_MARKET"
	ActionDivestMarket    ActionKind = "DIVEST_MARKET"
	ActionHoardCash       ActionKind = "HOARD_CASH"
	// ActionHold is what any other action degrades to when it cannot execute.
	ActionHold ActionKind = "HOLD"
)

// NoCounterparty marks an action that does not target another bank.
const NoCounterparty = -1

// Action is one concrete decision. Which payload fields are meaningful
// depends on Kind:
//   - lending actions use Counterparty and Amount
//   - market actions use MarketID and Amount
//   - HOARD_CASH and HOLD carry only Reason
type Action struct {
	Kind         ActionKind      `json:"action"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty int             `json:"counterparty"`
	MarketID     string          `json:"market_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Hold returns a no-op action carrying the given reason.
func Hold(reason string) Action {
	return Action{Kind: ActionHold, Counterparty: NoCounterparty, Reason: reason}
}

// IsNoop reports whether executing the action leaves balance sheets untouched.
func (a Action) IsNoop() bool {
	return a.Kind == ActionHold || a.Kind == ActionHoardCash
}

// Edge is a directed interbank exposure: Lender has lent Amount to Borrower.
type Edge struct {
	Lender   int             `json:"lender"`
	Borrower int             `json:"borrower"`
	Amount   decimal.Decimal `json:"amount"`
}

// Link is an undirected relationship formed at network construction time.
type Link struct {
	A int `json:"a"`
	B int `json:"b"`
}

// BankState is a read-only snapshot of one bank.
type BankState struct {
	ID             int                        `json:"id"`
	Name           string                     `json:"name"`
	Cash           decimal.Decimal            `json:"cash"`
	LoansGiven     decimal.Decimal            `json:"loans_given"`
	Borrowed       decimal.Decimal            `json:"borrowed"`
	Investments    map[string]decimal.Decimal `json:"investments"`
	TotalAssets    decimal.Decimal            `json:"total_assets"`
	Equity         decimal.Decimal            `json:"equity"`
	Leverage       float64                    `json:"leverage"`
	LiquidityRatio float64                    `json:"liquidity_ratio"`
	MarketExposure float64                    `json:"market_exposure"`
	RiskFactor     float64                    `json:"risk_factor"`
	Defaulted      bool                       `json:"is_defaulted"`
	Removed        bool                       `json:"is_removed,omitempty"`
	DefaultedAt    int                        `json:"defaulted_at,omitempty"`
	LiquidityFlag  bool                       `json:"liquidity_flag"`
	LastAction     ActionKind                 `json:"last_action,omitempty"`
}

// MarketState is a read-only snapshot of one market.
type MarketState struct {
	ID            string          `json:"id"`
	Price         decimal.Decimal `json:"price"`
	InitialPrice  decimal.Decimal `json:"initial_price"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	Return        decimal.Decimal `json:"return"`
}

// Metrics aggregates network-wide figures for one step.
type Metrics struct {
	Step           int             `json:"step"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	TotalInterbank decimal.Decimal `json:"total_interbank"`
	DefaultsTotal  int             `json:"defaults_total"`
	ActiveBanks    int             `json:"active_banks"`
	NetworkStress  float64         `json:"network_stress"`
	AvgLeverage    float64         `json:"avg_leverage"`
	NewDefaults    int             `json:"new_defaults"`
	MaxCascade     int             `json:"max_cascade_depth"`
}

// Run status values.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
)

// Run is the archive record of one simulation session. The engine never
// writes it itself; callers persist it through a store.
type Run struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Policy        string    `json:"policy" db:"policy"`
	Status        string    `json:"status" db:"status"`
	Seed          int64     `json:"seed" db:"seed"`
	Step          int       `json:"step" db:"step"`
	TotalSteps    int       `json:"total_steps" db:"total_steps"`
	Banks         int       `json:"banks" db:"banks"`
	DefaultsTotal int       `json:"defaults_total" db:"defaults_total"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
