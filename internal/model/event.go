package model

import "github.com/shopspring/decimal"

// EventType tags an event record. The field set behind each type is stable;
// downstream consumers (UI, archive) depend on it.
type EventType string

const (
	EventInit            EventType = "init"
	EventStepStart       EventType = "step_start"
	EventTransaction     EventType = "transaction"
	EventProfitBooking   EventType = "profit_booking"
	EventLiquidityBreach EventType = "liquidity_breach"
	EventDefault         EventType = "default"
	EventCascade         EventType = "cascade"
	EventStepEnd         EventType = "step_end"
	EventControl         EventType = "control"
	EventComplete        EventType = "complete"
)

// Event is the append-only log record. Data holds one of the *Event payload
// structs below, keyed by Type.
type Event struct {
	Seq  int       `json:"seq"`
	Type EventType `json:"type"`
	Step int       `json:"step"`
	Data any       `json:"data"`
}

type InitEvent struct {
	Banks       []BankState   `json:"banks"`
	Markets     []MarketState `json:"markets"`
	Connections []Link        `json:"connections"`
	Policy      string        `json:"policy"`
	Seed        int64         `json:"seed"`
}

type StepStartEvent struct {
	Step int `json:"step"`
}

// TransactionEvent records an executed action. To is nil for market actions,
// Market is empty for lending actions.
type TransactionEvent struct {
	From   int             `json:"from"`
	To     *int            `json:"to,omitempty"`
	Market string          `json:"market,omitempty"`
	Action ActionKind      `json:"action"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type ProfitBookingEvent struct {
	BankID   int             `json:"bank_id"`
	Step     int             `json:"step"`
	MarketID string          `json:"market_id"`
	Profit   decimal.Decimal `json:"profit"`
}

type LiquidityBreachEvent struct {
	BankID         int     `json:"bank_id"`
	Step           int     `json:"step"`
	LiquidityRatio float64 `json:"liquidity_ratio"`
	Floor          float64 `json:"floor"`
}

type DefaultEvent struct {
	BankID int    `json:"bank_id"`
	Step   int    `json:"step"`
	Cause  string `json:"cause"`
}

// CascadeEvent is emitted once per propagation wave. Pathway lists every
// bank touched so far, ordered by the wave at which it was first affected.
type CascadeEvent struct {
	TriggerBank   int   `json:"trigger_bank"`
	AffectedBanks []int `json:"affected_banks"`
	NewDefaults   []int `json:"new_defaults"`
	Depth         int   `json:"depth"`
	Pathway       []int `json:"pathway"`
	Terminal      bool  `json:"terminal"`
	CapReached    bool  `json:"cap_reached,omitempty"`
}

type StepEndEvent struct {
	Step          int             `json:"step"`
	DefaultsTotal int             `json:"defaults_total"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	BankStates    []BankState     `json:"bank_states"`
	MarketStates  []MarketState   `json:"market_states"`
}

// ControlEvent records an applied command. Amount is set for add_capital only.
type ControlEvent struct {
	Command string           `json:"command"`
	BankID  *int             `json:"bank_id,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
}

type CompleteEvent struct {
	TotalSteps     int   `json:"total_steps"`
	DefaultsTotal  int   `json:"defaults_total"`
	SurvivingBanks []int `json:"surviving_banks"`
}
