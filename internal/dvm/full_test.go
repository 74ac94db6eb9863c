package dvm

import (
	"strings"
	"testing"

	"github.com/pgtrickle/trickled/internal/optree"
)

func TestGenerateFullSelectWrapsDefiningQuery(t *testing.T) {
	tree := &optree.Node{
		Kind: optree.KindProject,
		Targets: []optree.TargetExpr{
			{Expr: "o.id", Alias: "id"},
			{Expr: "o.amount", Alias: "amount"},
		},
		Child: &optree.Node{Kind: optree.KindScan, SourceOID: 42, SourceName: "public.orders", PKColumns: []string{"id"}},
	}

	result := GenerateFullSelect(tree, "SELECT o.id, o.amount FROM orders o")

	if !strings.Contains(result.SQL, "FROM (SELECT o.id, o.amount FROM orders o) AS src") {
		t.Fatalf("expected defining query wrapped as subquery, got %s", result.SQL)
	}
	if !strings.Contains(result.SQL, "AS __row_id") {
		t.Fatalf("expected a __row_id projection, got %s", result.SQL)
	}
	if !strings.Contains(result.SQL, `src."id"`) || !strings.Contains(result.SQL, `src."amount"`) {
		t.Fatalf("expected output columns qualified by src, got %s", result.SQL)
	}
	if len(result.OutputColumns) != 2 || result.OutputColumns[0] != "id" || result.OutputColumns[1] != "amount" {
		t.Fatalf("unexpected output columns: %v", result.OutputColumns)
	}
}

func TestGenerateFullSelectSingleColumnRowID(t *testing.T) {
	tree := &optree.Node{
		Kind: optree.KindProject,
		Targets: []optree.TargetExpr{
			{Expr: "o.id", Alias: "id"},
		},
		Child: &optree.Node{Kind: optree.KindScan, SourceOID: 7, SourceName: "public.orders", PKColumns: []string{"id"}},
	}

	result := GenerateFullSelect(tree, "SELECT o.id FROM orders o")

	if !strings.HasPrefix(result.SQL, "SELECT ") {
		t.Fatalf("expected SQL to start with SELECT, got %s", result.SQL)
	}
	if !strings.Contains(result.SQL, `pgtrickle.pg_trickle_hash(src."id"::text) AS __row_id`) {
		t.Fatalf("expected single-column primary key hashed as row id, got %s", result.SQL)
	}
}
