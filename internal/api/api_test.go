package api

import (
	"testing"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/config"
	"github.com/pgtrickle/trickled/internal/dag"
)

func newTestService(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

func TestResolveSourceNodeMatchesStreamTable(t *testing.T) {
	metas := []*catalog.StreamTableMeta{
		{ID: 7, Relid: 500, Name: "orders_rollup", Schema: "public"},
	}
	got := resolveSourceNode(metas, 500)
	if got != dag.StreamTable(7) {
		t.Fatalf("got %v, want StreamTable(7)", got)
	}
}

func TestResolveSourceNodeFallsBackToBaseTable(t *testing.T) {
	metas := []*catalog.StreamTableMeta{
		{ID: 7, Relid: 500, Name: "orders_rollup", Schema: "public"},
	}
	got := resolveSourceNode(metas, 999)
	if got != dag.BaseTable(999) {
		t.Fatalf("got %v, want BaseTable(999)", got)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("orders"); got != `"orders"` {
		t.Fatalf("got %q, want %q", got, `"orders"`)
	}
}

func TestEffectiveMaxRatioFallsBackToConfigDefault(t *testing.T) {
	s := newTestService(&config.Config{DifferentialMaxChangeRatio: 0.2})
	meta := &catalog.StreamTableMeta{}
	if got := s.effectiveMaxRatio(meta); got != 0.2 {
		t.Fatalf("got %v, want config default 0.2", got)
	}
}

func TestEffectiveMaxRatioPrefersAutoThreshold(t *testing.T) {
	s := newTestService(&config.Config{DifferentialMaxChangeRatio: 0.2})
	auto := 0.55
	meta := &catalog.StreamTableMeta{AutoThreshold: &auto}
	if got := s.effectiveMaxRatio(meta); got != 0.55 {
		t.Fatalf("got %v, want adaptive threshold 0.55", got)
	}
}
