// Package network holds the directed interbank exposure graph. Banks are
// referenced by their integer index in the simulation's bank arena; the graph
// stores plain index pairs and never points at bank objects.
package network

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/model"
)

// Topology is the exposure graph plus the undirected relationship links
// formed when the network was built.
type Topology struct {
	// lent[lender][borrower] = amount
	lent map[int]map[int]decimal.Decimal
	// owed[borrower][lender] = amount, mirror index for creditor lookups
	owed  map[int]map[int]decimal.Decimal
	links map[int]map[int]bool
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{
		lent:  make(map[int]map[int]decimal.Decimal),
		owed:  make(map[int]map[int]decimal.Decimal),
		links: make(map[int]map[int]bool),
	}
}

// Build creates a topology over n banks where each unordered pair is linked
// with probability density. The rng must be the simulation's seeded source.
func Build(n int, density float64, rng *rand.Rand) *Topology {
	t := New()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Float64() < density {
				t.Link(i, j)
			}
		}
	}
	return t
}

// Link records an undirected relationship between a and b.
func (t *Topology) Link(a, b int) {
	if a == b {
		return
	}
	if t.links[a] == nil {
		t.links[a] = make(map[int]bool)
	}
	if t.links[b] == nil {
		t.links[b] = make(map[int]bool)
	}
	t.links[a][b] = true
	t.links[b][a] = true
}

// Links returns every link once, ordered.
func (t *Topology) Links() []model.Link {
	var out []model.Link
	for a, peers := range t.links {
		for b := range peers {
			if a < b {
				out = append(out, model.Link{A: a, B: b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Neighbors returns every bank related to id by a link or by an exposure in
// either direction, sorted.
func (t *Topology) Neighbors(id int) []int {
	set := make(map[int]bool)
	for peer := range t.links[id] {
		set[peer] = true
	}
	for peer := range t.lent[id] {
		set[peer] = true
	}
	for peer := range t.owed[id] {
		set[peer] = true
	}
	out := make([]int, 0, len(set))
	for peer := range set {
		out = append(out, peer)
	}
	sort.Ints(out)
	return out
}

// RecordExposure adds amount to the lender→borrower edge, creating it if
// needed. Self-exposure and non-positive amounts are ignored.
func (t *Topology) RecordExposure(lender, borrower int, amount decimal.Decimal) {
	if lender == borrower || !amount.IsPositive() {
		return
	}
	if t.lent[lender] == nil {
		t.lent[lender] = make(map[int]decimal.Decimal)
	}
	if t.owed[borrower] == nil {
		t.owed[borrower] = make(map[int]decimal.Decimal)
	}
	t.lent[lender][borrower] = t.lent[lender][borrower].Add(amount)
	t.owed[borrower][lender] = t.owed[borrower][lender].Add(amount)
}

// ReduceExposure subtracts up to amount from the lender→borrower edge and
// removes the edge when it reaches zero. Returns the amount removed.
func (t *Topology) ReduceExposure(lender, borrower int, amount decimal.Decimal) decimal.Decimal {
	cur := t.Exposure(lender, borrower)
	if !cur.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	removed := decimal.Min(cur, amount)
	left := cur.Sub(removed)
	if left.IsPositive() {
		t.lent[lender][borrower] = left
		t.owed[borrower][lender] = left
		return removed
	}
	delete(t.lent[lender], borrower)
	delete(t.owed[borrower], lender)
	if len(t.lent[lender]) == 0 {
		delete(t.lent, lender)
	}
	if len(t.owed[borrower]) == 0 {
		delete(t.owed, borrower)
	}
	return removed
}

// Exposure returns what lender has outstanding with borrower.
func (t *Topology) Exposure(lender, borrower int) decimal.Decimal {
	return t.lent[lender][borrower]
}

// ExposuresTo returns every edge where id is the borrower, i.e. its
// creditors, ordered by lender index.
func (t *Topology) ExposuresTo(id int) []model.Edge {
	out := make([]model.Edge, 0, len(t.owed[id]))
	for lender, amt := range t.owed[id] {
		out = append(out, model.Edge{Lender: lender, Borrower: id, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lender < out[j].Lender })
	return out
}

// ExposuresFrom returns every edge where id is the lender, ordered by
// borrower index.
func (t *Topology) ExposuresFrom(id int) []model.Edge {
	out := make([]model.Edge, 0, len(t.lent[id]))
	for borrower, amt := range t.lent[id] {
		out = append(out, model.Edge{Lender: id, Borrower: borrower, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Borrower < out[j].Borrower })
	return out
}

// TotalLent sums every edge leaving id.
func (t *Topology) TotalLent(id int) decimal.Decimal {
	total := decimal.Zero
	for _, amt := range t.lent[id] {
		total = total.Add(amt)
	}
	return total
}

// Edges returns the whole exposure graph, ordered by (lender, borrower).
func (t *Topology) Edges() []model.Edge {
	lenders := make([]int, 0, len(t.lent))
	for l := range t.lent {
		lenders = append(lenders, l)
	}
	sort.Ints(lenders)

	var out []model.Edge
	for _, l := range lenders {
		out = append(out, t.ExposuresFrom(l)...)
	}
	return out
}

// TotalExposure sums every edge in the graph.
func (t *Topology) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.Edges() {
		total = total.Add(e.Amount)
	}
	return total
}

// Detach removes every edge and link touching id and returns the removed
// exposures so the caller can settle the balance sheets.
func (t *Topology) Detach(id int) (asLender, asBorrower []model.Edge) {
	asLender = t.ExposuresFrom(id)
	asBorrower = t.ExposuresTo(id)
	for _, e := range asLender {
		t.ReduceExposure(e.Lender, e.Borrower, e.Amount)
	}
	for _, e := range asBorrower {
		t.ReduceExposure(e.Lender, e.Borrower, e.Amount)
	}
	for peer := range t.links[id] {
		delete(t.links[peer], id)
	}
	delete(t.links, id)
	return asLender, asBorrower
}
