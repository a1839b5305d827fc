package simulation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/cascade"
	"github.com/atmx/contagion-engine/internal/market"
	"github.com/atmx/contagion-engine/internal/policy"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultSteps             = 100
	DefaultConnectionDensity = 0.3
	DefaultProfitInterval    = 5
	DefaultMarketID          = "market-0"
)

var (
	ErrNoBanks         = errors.New("simulation: at least one bank is required")
	ErrInvalidDensity  = errors.New("simulation: connection density must be within [0, 1]")
	ErrInvalidSteps    = errors.New("simulation: steps must be positive")
	ErrInvalidInterval = errors.New("simulation: profit interval must be positive")
	ErrInvalidExposure = errors.New("simulation: invalid initial exposure")
	ErrDuplicateMarket = errors.New("simulation: duplicate market id")
)

// MarketConfig describes one market at creation time.
type MarketConfig struct {
	ID           string          `json:"id" yaml:"id"`
	InitialPrice decimal.Decimal `json:"initial_price" yaml:"initial_price"`
	Sensitivity  decimal.Decimal `json:"sensitivity" yaml:"sensitivity"`
}

// LimitConfig holds the exposure limiter fractions. Zero selects the
// limiter defaults.
type LimitConfig struct {
	Disabled           bool    `json:"disabled" yaml:"disabled"`
	MaxPerCounterparty float64 `json:"max_per_counterparty" yaml:"max_per_counterparty"`
	MaxConnected       float64 `json:"max_connected" yaml:"max_connected"`
	MaxInterbank       float64 `json:"max_interbank" yaml:"max_interbank"`
}

// ExposureSeed is a loan that exists before the first step.
type ExposureSeed struct {
	Lender   int             `json:"lender" yaml:"lender"`
	Borrower int             `json:"borrower" yaml:"borrower"`
	Amount   decimal.Decimal `json:"amount" yaml:"amount"`
}

// Config is everything needed to start a session.
type Config struct {
	Name              string         `json:"name" yaml:"name"`
	Banks             []bank.Config  `json:"banks" yaml:"banks"`
	Markets           []MarketConfig `json:"markets" yaml:"markets"`
	ConnectionDensity float64        `json:"connection_density" yaml:"connection_density"`
	Steps             int            `json:"steps" yaml:"steps"`
	Policy            string         `json:"policy" yaml:"policy"`
	Seed              int64          `json:"seed" yaml:"seed"`
	ProfitInterval    int            `json:"profit_interval" yaml:"profit_interval"`
	Cascade           cascade.Config `json:"cascade" yaml:"cascade"`
	Limits            LimitConfig    `json:"limits" yaml:"limits"`
	InitialExposures  []ExposureSeed `json:"initial_exposures,omitempty" yaml:"initial_exposures,omitempty"`

	// RiskAdvisor consults the risk assessor before every new loan.
	RiskAdvisor bool `json:"risk_advisor" yaml:"risk_advisor"`
	// PriorityOverride wraps the policy with the priority selector.
	PriorityOverride bool `json:"priority_override" yaml:"priority_override"`
	// StartPaused opens the session paused so commands can be applied before
	// the first step.
	StartPaused bool `json:"start_paused" yaml:"start_paused"`
}

// WithDefaults fills zero-valued fields. A config without markets gets one
// default market.
func (c Config) WithDefaults() Config {
	if c.Steps == 0 {
		c.Steps = DefaultSteps
	}
	if c.ProfitInterval == 0 {
		c.ProfitInterval = DefaultProfitInterval
	}
	if c.Policy == "" {
		c.Policy = policy.NameGameTheoretic
	}
	if len(c.Markets) == 0 {
		c.Markets = []MarketConfig{{ID: DefaultMarketID}}
	}
	markets := make([]MarketConfig, len(c.Markets))
	for i, m := range c.Markets {
		if m.ID == "" {
			m.ID = fmt.Sprintf("market-%d", i)
		}
		if m.InitialPrice.IsZero() {
			m.InitialPrice = market.DefaultInitialPrice
		}
		if m.Sensitivity.IsZero() {
			m.Sensitivity = market.DefaultSensitivity
		}
		markets[i] = m
	}
	c.Markets = markets

	banks := make([]bank.Config, len(c.Banks))
	for i, b := range c.Banks {
		banks[i] = b.WithDefaults()
	}
	c.Banks = banks
	c.Cascade = c.Cascade.WithDefaults()
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	if len(c.Banks) == 0 {
		return ErrNoBanks
	}
	for i, b := range c.Banks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bank %d: %w", i, err)
		}
	}
	if c.ConnectionDensity < 0 || c.ConnectionDensity > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidDensity, c.ConnectionDensity)
	}
	if c.Steps <= 0 {
		return ErrInvalidSteps
	}
	if c.ProfitInterval <= 0 {
		return ErrInvalidInterval
	}
	if err := c.Cascade.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if seen[m.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateMarket, m.ID)
		}
		seen[m.ID] = true
	}
	for _, e := range c.InitialExposures {
		if e.Lender < 0 || e.Lender >= len(c.Banks) || e.Borrower < 0 || e.Borrower >= len(c.Banks) {
			return fmt.Errorf("%w: unknown bank in %d->%d", ErrInvalidExposure, e.Lender, e.Borrower)
		}
		if e.Lender == e.Borrower {
			return fmt.Errorf("%w: self-loan for bank %d", ErrInvalidExposure, e.Lender)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidExposure)
		}
	}
	if _, err := policy.New(c.Policy, nil); err != nil {
		return err
	}
	return nil
}
