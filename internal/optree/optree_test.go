package optree

import "testing"

func TestIsScanChainThroughProject(t *testing.T) {
	n := &Node{Kind: KindProject, Child: &Node{Kind: KindScan, SourceOID: 1}}
	if !n.IsScanChain() {
		t.Fatalf("expected scan chain through a bare projection")
	}
}

func TestIsScanChainBrokenByFilter(t *testing.T) {
	n := &Node{Kind: KindFilter, Child: &Node{Kind: KindScan, SourceOID: 1}}
	if n.IsScanChain() {
		t.Fatalf("filter should break the scan chain")
	}
}

func TestIsScanChainBrokenByAggregate(t *testing.T) {
	n := &Node{Kind: KindAggregate, Child: &Node{Kind: KindScan, SourceOID: 1}}
	if n.IsScanChain() {
		t.Fatalf("aggregate should break the scan chain")
	}
}

func TestSourceOIDsAcrossJoin(t *testing.T) {
	n := &Node{
		Kind: KindInnerJoin,
		Left: &Node{Kind: KindScan, SourceOID: 1},
		Right: &Node{
			Kind: KindFilter,
			Child: &Node{Kind: KindScan, SourceOID: 2},
		},
	}
	oids := n.SourceOIDs()
	if len(oids) != 2 {
		t.Fatalf("expected 2 source oids, got %v", oids)
	}
}

func TestSourceOIDsDeduplicatesUnionBranches(t *testing.T) {
	n := &Node{
		Kind: KindUnionAll,
		Left: &Node{Kind: KindScan, SourceOID: 7},
		Right: &Node{Kind: KindScan, SourceOID: 7},
	}
	oids := n.SourceOIDs()
	if len(oids) != 1 || oids[0] != 7 {
		t.Fatalf("expected deduplicated oid [7], got %v", oids)
	}
}

func TestRowIDKeyColumnsAggregateUsesGroupBy(t *testing.T) {
	n := &Node{Kind: KindAggregate, GroupBy: []string{"customer_id"}}
	got := n.RowIDKeyColumns()
	if len(got) != 1 || got[0] != "customer_id" {
		t.Fatalf("got %v", got)
	}
}

func TestRowIDKeyColumnsJoinHasNoSingleKey(t *testing.T) {
	n := &Node{Kind: KindInnerJoin, Left: &Node{Kind: KindScan, PKColumns: []string{"id"}}}
	if got := n.RowIDKeyColumns(); got != nil {
		t.Fatalf("expected nil for join, got %v", got)
	}
}

func TestNeedsPgtCount(t *testing.T) {
	if !(&Node{Kind: KindAggregate}).NeedsPgtCount() {
		t.Fatal("aggregate should need pgt_count")
	}
	if !(&Node{Kind: KindDistinct}).NeedsPgtCount() {
		t.Fatal("distinct should need pgt_count")
	}
	if (&Node{Kind: KindScan}).NeedsPgtCount() {
		t.Fatal("scan should not need pgt_count")
	}
}

type fakeResolver struct {
	oid  uint32
	pk   []string
	cols []string
}

func (f fakeResolver) ResolveRelation(schema, name string) (uint32, []string, []string, error) {
	return f.oid, f.pk, f.cols, nil
}

func TestAnalyzeSimpleFilter(t *testing.T) {
	n, err := Analyze(`SELECT id, amount FROM orders WHERE amount > 100`, fakeResolver{oid: 42, pk: []string{"id"}})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n.Kind != KindProject {
		t.Fatalf("expected top-level Project (id, amount is not SELECT *), got %s", n.Kind)
	}
	if n.Child.Kind != KindFilter {
		t.Fatalf("expected Filter beneath the projection, got %s", n.Child.Kind)
	}
	scan := n.Child.Child
	if scan.Kind != KindScan || scan.SourceOID != 42 {
		t.Fatalf("expected Scan child with oid 42, got %+v", scan)
	}
}

func TestAnalyzeAggregate(t *testing.T) {
	n, err := Analyze(`SELECT customer_id, sum(amount) AS total FROM orders GROUP BY customer_id`, fakeResolver{oid: 1})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n.Kind != KindAggregate {
		t.Fatalf("expected Aggregate, got %s", n.Kind)
	}
	if len(n.GroupBy) != 1 || len(n.Aggregates) != 1 {
		t.Fatalf("unexpected aggregate shape: %+v", n)
	}
}

func TestAnalyzeUnionAll(t *testing.T) {
	n, err := Analyze(`SELECT id FROM a UNION ALL SELECT id FROM b`, fakeResolver{oid: 9})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n.Kind != KindUnionAll {
		t.Fatalf("expected UnionAll, got %s", n.Kind)
	}
}

func TestAnalyzeRejectsLimit(t *testing.T) {
	_, err := Analyze(`SELECT id FROM a LIMIT 10`, fakeResolver{oid: 9})
	if err == nil {
		t.Fatal("expected LIMIT to be rejected as unsupported")
	}
}
