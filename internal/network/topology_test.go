package network

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRecordExposure_AddsAndIncreases(t *testing.T) {
	topo := New()
	topo.RecordExposure(0, 1, d(50))
	topo.RecordExposure(0, 1, d(25))

	if got := topo.Exposure(0, 1); !got.Equal(d(75)) {
		t.Errorf("expected 75, got %s", got)
	}
	if got := topo.Exposure(1, 0); !got.IsZero() {
		t.Errorf("edges are directional, got reverse exposure %s", got)
	}
}

func TestRecordExposure_IgnoresSelfAndNonPositive(t *testing.T) {
	topo := New()
	topo.RecordExposure(2, 2, d(10))
	topo.RecordExposure(0, 1, decimal.Zero)
	topo.RecordExposure(0, 1, d(-5))
	if len(topo.Edges()) != 0 {
		t.Errorf("expected no edges, got %v", topo.Edges())
	}
}

func TestReduceExposure_RemovesAtZero(t *testing.T) {
	topo := New()
	topo.RecordExposure(0, 1, d(50))

	if got := topo.ReduceExposure(0, 1, d(20)); !got.Equal(d(20)) {
		t.Errorf("expected 20 removed, got %s", got)
	}
	if got := topo.Exposure(0, 1); !got.Equal(d(30)) {
		t.Errorf("expected 30 left, got %s", got)
	}
	if got := topo.ReduceExposure(0, 1, d(100)); !got.Equal(d(30)) {
		t.Errorf("reduction should clamp to 30, got %s", got)
	}
	if len(topo.ExposuresTo(1)) != 0 || len(topo.ExposuresFrom(0)) != 0 {
		t.Error("edge should be gone")
	}
}

func TestReduceExposure_MissingEdge(t *testing.T) {
	topo := New()
	if got := topo.ReduceExposure(3, 4, d(10)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestExposuresTo_ListsCreditorsInOrder(t *testing.T) {
	topo := New()
	topo.RecordExposure(3, 1, d(10))
	topo.RecordExposure(0, 1, d(20))
	topo.RecordExposure(2, 1, d(30))
	topo.RecordExposure(0, 2, d(40))

	edges := topo.ExposuresTo(1)
	if len(edges) != 3 {
		t.Fatalf("expected 3 creditors, got %d", len(edges))
	}
	wantLenders := []int{0, 2, 3}
	for i, e := range edges {
		if e.Lender != wantLenders[i] || e.Borrower != 1 {
			t.Errorf("edge %d: got %+v", i, e)
		}
	}
}

func TestEdgesAndTotals(t *testing.T) {
	topo := New()
	topo.RecordExposure(1, 0, d(5))
	topo.RecordExposure(0, 2, d(7))
	topo.RecordExposure(0, 1, d(3))

	edges := topo.Edges()
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges, got %d", len(edges))
	}
	if edges[0].Lender != 0 || edges[0].Borrower != 1 || edges[2].Lender != 1 {
		t.Errorf("edges not ordered: %+v", edges)
	}
	if !topo.TotalExposure().Equal(d(15)) {
		t.Errorf("expected total 15, got %s", topo.TotalExposure())
	}
	if !topo.TotalLent(0).Equal(d(10)) {
		t.Errorf("expected 10 lent by 0, got %s", topo.TotalLent(0))
	}
}

func TestBuild_DensityExtremes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if links := Build(5, 0, rng).Links(); len(links) != 0 {
		t.Errorf("density 0 should produce no links, got %d", len(links))
	}
	if links := Build(5, 1, rng).Links(); len(links) != 10 {
		t.Errorf("density 1 should link every pair, got %d", len(links))
	}
}

func TestBuild_SeedReproducible(t *testing.T) {
	a := Build(10, 0.4, rand.New(rand.NewSource(42))).Links()
	b := Build(10, 0.4, rand.New(rand.NewSource(42))).Links()
	if len(a) != len(b) {
		t.Fatalf("same seed should give same graph: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("link %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestNeighbors_IncludesLinksAndExposures(t *testing.T) {
	topo := New()
	topo.Link(0, 3)
	topo.RecordExposure(0, 1, d(10))
	topo.RecordExposure(2, 0, d(10))

	got := topo.Neighbors(0)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestDetach(t *testing.T) {
	topo := New()
	topo.Link(0, 1)
	topo.RecordExposure(0, 1, d(10))
	topo.RecordExposure(2, 0, d(20))
	topo.RecordExposure(2, 1, d(5))

	asLender, asBorrower := topo.Detach(0)
	if len(asLender) != 1 || len(asBorrower) != 1 {
		t.Fatalf("unexpected detached edges: %v %v", asLender, asBorrower)
	}
	if len(topo.Neighbors(0)) != 0 {
		t.Errorf("bank 0 should have no neighbors, got %v", topo.Neighbors(0))
	}
	if !topo.Exposure(2, 1).Equal(d(5)) {
		t.Error("unrelated edge must survive")
	}
}
