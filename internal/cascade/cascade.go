// Package cascade detects bank defaults and propagates their losses to
// creditors wave by wave.
//
// A propagation starts from one defaulted bank (the trigger). Wave k takes the
// banks that defaulted in wave k-1, finds every still-solvent creditor
// exposed to them and writes off HaircutFraction of each exposure. Creditors
// whose equity drops to zero or below, or whose liquidity ratio falls under
// MinLiquidityRatio, default and form the next wave. Propagation ends when a
// wave produces no new defaults or MaxDepth waves have run. A wave that
// reaches no creditor is not recorded, so an isolated default has depth 0.
package cascade

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/network"
)

var (
	ErrInvalidHaircut  = errors.New("cascade: haircut fraction must be within (0, 1]")
	ErrInvalidFloor    = errors.New("cascade: min liquidity ratio must be within [0, 1)")
	ErrInvalidMaxDepth = errors.New("cascade: max depth must be positive")
)

// Default causes recorded on default events.
const (
	CauseInsolvent = "insolvent"
	CauseIlliquid  = "illiquid"
	CauseContagion = "contagion"
)

// Config holds the propagation parameters.
type Config struct {
	HaircutFraction   float64 `json:"haircut_fraction" yaml:"haircut_fraction"`
	MinLiquidityRatio float64 `json:"min_liquidity_ratio" yaml:"min_liquidity_ratio"`
	MaxDepth          int     `json:"max_depth" yaml:"max_depth"`
}

// DefaultConfig returns haircut 50%, liquidity floor 5% and a 10-wave cap.
func DefaultConfig() Config {
	return Config{HaircutFraction: 0.5, MinLiquidityRatio: 0.05, MaxDepth: 10}
}

// WithDefaults fills zero-valued fields.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HaircutFraction == 0 {
		c.HaircutFraction = def.HaircutFraction
	}
	if c.MinLiquidityRatio == 0 {
		c.MinLiquidityRatio = def.MinLiquidityRatio
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = def.MaxDepth
	}
	return c
}

func (c Config) Validate() error {
	if c.HaircutFraction <= 0 || c.HaircutFraction > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidHaircut, c.HaircutFraction)
	}
	if c.MinLiquidityRatio < 0 || c.MinLiquidityRatio >= 1 {
		return fmt.Errorf("%w: %v", ErrInvalidFloor, c.MinLiquidityRatio)
	}
	if c.MaxDepth <= 0 {
		return ErrInvalidMaxDepth
	}
	return nil
}

// Default is one bank newly marked as defaulted.
type Default struct {
	BankID int
	Cause  string
}

// Wave is one propagation round.
type Wave struct {
	Depth       int
	Affected    []int
	NewDefaults []int
	Losses      map[int]decimal.Decimal // creditor id -> equity lost this wave
}

// Result is the full trace of one propagation.
type Result struct {
	Trigger    int
	Waves      []Wave
	Defaults   []Default // contagion defaults only; the trigger is not included
	Pathway    []int
	CapReached bool
}

// Depth is the number of waves that ran.
func (r Result) Depth() int { return len(r.Waves) }

// Events converts the trace into one cascade event per wave.
func (r Result) Events() []model.CascadeEvent {
	out := make([]model.CascadeEvent, 0, len(r.Waves))
	for i, w := range r.Waves {
		last := i == len(r.Waves)-1
		out = append(out, model.CascadeEvent{
			TriggerBank:   r.Trigger,
			AffectedBanks: w.Affected,
			NewDefaults:   w.NewDefaults,
			Depth:         w.Depth,
			Pathway:       pathwayThrough(r.Pathway, r.Waves[:i+1]),
			Terminal:      last,
			CapReached:    last && r.CapReached,
		})
	}
	return out
}

// Engine runs default detection and propagation over a bank arena.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg (after defaults) and returns an engine. A nil logger uses
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, log: logger}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Check reports whether b meets the default condition and why.
func (e *Engine) Check(b *bank.Bank) (bool, string) {
	s := b.Sheet()
	if s.Equity().Sign() <= 0 {
		return true, CauseInsolvent
	}
	if s.Ratios().LiquidityRatio < e.cfg.MinLiquidityRatio {
		return true, CauseIlliquid
	}
	return false, ""
}

// Detect marks every active bank meeting the default condition and returns
// the new defaults in arena order.
func (e *Engine) Detect(banks []*bank.Bank, step int) []Default {
	var out []Default
	for _, b := range banks {
		if !b.Active() {
			continue
		}
		if failed, cause := e.Check(b); failed && b.MarkDefaulted(step) {
			out = append(out, Default{BankID: b.ID(), Cause: cause})
			e.log.Info("bank defaulted", "bank", b.ID(), "step", step, "cause", cause)
		}
	}
	return out
}

// Propagate spreads the losses of an already-defaulted trigger bank through
// its creditors. Banks defaulted along the way are marked at step.
func (e *Engine) Propagate(banks []*bank.Bank, topo *network.Topology, trigger, step int) Result {
	res := Result{Trigger: trigger, Pathway: []int{trigger}}
	seen := map[int]bool{trigger: true}
	frontier := []int{trigger}

	for depth := 1; len(frontier) > 0; depth++ {
		wave := Wave{Depth: depth, Losses: make(map[int]decimal.Decimal)}
		hit := make(map[int]bool)

		for _, debtor := range frontier {
			for _, edge := range topo.ExposuresTo(debtor) {
				creditor := lookup(banks, edge.Lender)
				if creditor == nil || !creditor.Active() {
					continue
				}
				loss := edge.Amount.Mul(decimal.NewFromFloat(e.cfg.HaircutFraction)).Round(8)
				written := creditor.Sheet().WriteDownLoans(loss)
				if !written.IsPositive() {
					continue
				}
				if d := lookup(banks, debtor); d != nil {
					d.Sheet().ForgiveDebt(written)
				}
				topo.ReduceExposure(edge.Lender, debtor, written)
				wave.Losses[edge.Lender] = wave.Losses[edge.Lender].Add(written)
				hit[edge.Lender] = true
			}
		}

		wave.Affected = sortedKeys(hit)
		if len(wave.Affected) == 0 {
			break
		}
		for _, id := range wave.Affected {
			if !seen[id] {
				seen[id] = true
				res.Pathway = append(res.Pathway, id)
			}
		}

		var next []int
		for _, id := range wave.Affected {
			b := lookup(banks, id)
			if failed, cause := e.Check(b); failed && b.MarkDefaulted(step) {
				next = append(next, id)
				res.Defaults = append(res.Defaults, Default{BankID: id, Cause: CauseContagion + ": " + cause})
				e.log.Info("bank defaulted", "bank", id, "step", step, "cause", cause, "trigger", trigger, "depth", depth)
			}
		}
		wave.NewDefaults = next
		res.Waves = append(res.Waves, wave)

		if len(next) > 0 && depth >= e.cfg.MaxDepth {
			res.CapReached = true
			e.log.Warn("cascade depth cap reached",
				"trigger", trigger, "step", step, "depth", depth, "pending", next)
			break
		}
		frontier = next
	}
	return res
}

func lookup(banks []*bank.Bank, id int) *bank.Bank {
	if id < 0 || id >= len(banks) {
		return nil
	}
	return banks[id]
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// pathwayThrough returns the prefix of the full pathway made of the trigger
// and every bank affected by the given waves.
func pathwayThrough(full []int, waves []Wave) []int {
	n := 1
	seen := map[int]bool{}
	for _, w := range waves {
		for _, id := range w.Affected {
			seen[id] = true
		}
	}
	for _, id := range full[1:] {
		if !seen[id] {
			break
		}
		n++
	}
	return append([]int(nil), full[:n]...)
}
