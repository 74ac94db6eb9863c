package dvm

import (
	"strings"
	"testing"

	"github.com/pgtrickle/trickled/internal/frontier"
	"github.com/pgtrickle/trickled/internal/optree"
)

func scanNode(oid uint32, pk ...string) *optree.Node {
	return &optree.Node{Kind: optree.KindScan, SourceOID: oid, SourceName: "public.orders", PKColumns: pk}
}

func freshFrontiers(oid uint32, prevHi, newHi uint32) (*frontier.Frontier, *frontier.Frontier) {
	prev := frontier.New()
	new := frontier.New()
	prev.SetSource(oid, frontier.LSN{Hi: prevHi, Lo: 0}, prev.DataTimestamp)
	new.SetSource(oid, frontier.LSN{Hi: newHi, Lo: 0}, new.DataTimestamp)
	return prev, new
}

func TestGenerateScanDelta(t *testing.T) {
	tree := scanNode(42, "id")
	prev, new := freshFrontiers(42, 1, 2)
	result, err := Generate(tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !result.IsDeduplicated {
		t.Fatal("a bare scan should be deduplicated")
	}
	if !strings.Contains(result.SQL, "changes_42") {
		t.Fatalf("expected delta SQL to reference the change buffer, got %s", result.SQL)
	}
}

func TestGenerateFilterIncludesPredicate(t *testing.T) {
	tree := &optree.Node{Kind: optree.KindFilter, Predicate: "(amount > 100)", Child: scanNode(1, "id")}
	prev, new := freshFrontiers(1, 1, 2)
	result, err := Generate(tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(result.SQL, "amount > 100") {
		t.Fatalf("expected predicate in SQL, got %s", result.SQL)
	}
}

func TestGenerateAggregateNeedsPgtCount(t *testing.T) {
	tree := &optree.Node{
		Kind:       optree.KindAggregate,
		GroupBy:    []string{"customer_id"},
		Aggregates: []optree.TargetExpr{{Expr: "sum(amount)", Alias: "total"}},
		Child:      scanNode(1, "id"),
	}
	prev, new := freshFrontiers(1, 1, 2)
	result, err := Generate(tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.IsDeduplicated {
		t.Fatal("an aggregate delta is not a deduplicated scan chain")
	}
	if !strings.Contains(result.SQL, "__pgt_count") {
		t.Fatalf("expected __pgt_count in aggregate delta, got %s", result.SQL)
	}
}

func joinScanNode(oid uint32, sourceName, alias string, pk, cols []string) *optree.Node {
	return &optree.Node{Kind: optree.KindScan, SourceOID: oid, SourceName: sourceName, Alias: alias, PKColumns: pk, Columns: cols}
}

func TestGenerateInnerJoinDelta(t *testing.T) {
	left := joinScanNode(1, "public.orders", "o", []string{"id"}, []string{"id", "customer_id", "amount"})
	right := joinScanNode(2, "public.customers", "c", []string{"id"}, []string{"id", "name"})
	tree := &optree.Node{
		Kind:          optree.KindInnerJoin,
		Left:          left,
		Right:         right,
		JoinCondition: `"o"."customer_id" = "c"."id"`,
	}
	prev, new := freshFrontiers(1, 1, 2)
	new.SetSource(2, frontier.LSN{Hi: 2, Lo: 0}, new.DataTimestamp)

	result, err := Generate(tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("expected inner join differentiation to be supported, got: %v", err)
	}
	if result.IsDeduplicated {
		t.Fatal("a join delta is not a deduplicated scan chain")
	}
	if !strings.Contains(result.SQL, "__join_dl") || !strings.Contains(result.SQL, "__join_dr") {
		t.Fatalf("expected the three-term join expansion's CTEs in the SQL, got %s", result.SQL)
	}
	if !strings.Contains(result.SQL, "changes_1") || !strings.Contains(result.SQL, "changes_2") {
		t.Fatalf("expected both sides' change buffers referenced, got %s", result.SQL)
	}
}

func TestGenerateLeftJoinDeltaUsesOuterJoin(t *testing.T) {
	left := joinScanNode(1, "public.orders", "o", []string{"id"}, []string{"id", "customer_id", "amount"})
	right := joinScanNode(2, "public.customers", "c", []string{"id"}, []string{"id", "name"})
	tree := &optree.Node{
		Kind:          optree.KindLeftJoin,
		Left:          left,
		Right:         right,
		JoinCondition: `"o"."customer_id" = "c"."id"`,
	}
	prev, new := freshFrontiers(1, 1, 2)
	new.SetSource(2, frontier.LSN{Hi: 2, Lo: 0}, new.DataTimestamp)

	result, err := Generate(tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("expected left join differentiation to be supported, got: %v", err)
	}
	if !strings.Contains(result.SQL, "LEFT JOIN") {
		t.Fatalf("expected LEFT JOIN to be preserved in the delta SQL, got %s", result.SQL)
	}
}

func TestGenerateCachedReturnsSameSQLShapeOnHit(t *testing.T) {
	cache := NewTemplateCache()
	tree := scanNode(7, "id")
	query := "SELECT id FROM orders"
	prev, new := freshFrontiers(7, 1, 2)

	first, err := GenerateCached(cache, 1, query, tree, prev, new, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("first GenerateCached: %v", err)
	}
	prev2, new2 := freshFrontiers(7, 2, 3)
	second, err := GenerateCached(cache, 1, query, tree, prev2, new2, "pgtrickle", "my_st")
	if err != nil {
		t.Fatalf("second GenerateCached: %v", err)
	}
	if first.SQL == second.SQL {
		t.Fatal("expected resolved LSNs to differ between the two calls")
	}
}

func TestTemplateCacheInvalidateForcesRegeneration(t *testing.T) {
	cache := NewTemplateCache()
	tree := scanNode(3, "id")
	prev, new := freshFrontiers(3, 1, 2)
	if _, err := GenerateCached(cache, 9, "SELECT id FROM t", tree, prev, new, "s", "st"); err != nil {
		t.Fatalf("GenerateCached: %v", err)
	}
	if _, ok := cache.get(9, hashQuery("SELECT id FROM t")); !ok {
		t.Fatal("expected a cache hit before invalidation")
	}
	cache.Invalidate(9)
	if _, ok := cache.get(9, hashQuery("SELECT id FROM t")); ok {
		t.Fatal("expected cache miss after invalidation")
	}
}

func TestBumpCacheGenerationFlushesAllCaches(t *testing.T) {
	cache := NewTemplateCache()
	tree := scanNode(5, "id")
	prev, new := freshFrontiers(5, 1, 2)
	if _, err := GenerateCached(cache, 4, "SELECT id FROM t", tree, prev, new, "s", "st"); err != nil {
		t.Fatalf("GenerateCached: %v", err)
	}
	BumpCacheGeneration()
	if _, ok := cache.get(4, hashQuery("SELECT id FROM t")); ok {
		t.Fatal("expected cache to be flushed after a generation bump")
	}
}
