package cdc

import "testing"

func TestBuildPKHashTriggerExprsSingleColumn(t *testing.T) {
	newExpr, oldExpr := buildPKHashTriggerExprs([]string{"id"}, []ColumnDef{{Name: "id", Type: "integer"}})
	wantNew := `pgtrickle.pg_trickle_hash(NEW."id"::text)`
	wantOld := `pgtrickle.pg_trickle_hash(OLD."id"::text)`
	if newExpr != wantNew {
		t.Errorf("newExpr = %q, want %q", newExpr, wantNew)
	}
	if oldExpr != wantOld {
		t.Errorf("oldExpr = %q, want %q", oldExpr, wantOld)
	}
}

func TestBuildPKHashTriggerExprsComposite(t *testing.T) {
	newExpr, _ := buildPKHashTriggerExprs([]string{"a", "b"}, nil)
	want := `pgtrickle.pg_trickle_hash_multi(ARRAY[NEW."a"::text, NEW."b"::text])`
	if newExpr != want {
		t.Errorf("newExpr = %q, want %q", newExpr, want)
	}
}

func TestBuildPKHashTriggerExprsKeylessFallsBackToAllColumns(t *testing.T) {
	cols := []ColumnDef{{Name: "x", Type: "text"}, {Name: "y", Type: "text"}}
	newExpr, _ := buildPKHashTriggerExprs(nil, cols)
	want := `pgtrickle.pg_trickle_hash_multi(ARRAY[NEW."x"::text, NEW."y"::text])`
	if newExpr != want {
		t.Errorf("newExpr = %q, want %q", newExpr, want)
	}
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	got := quoteIdent(`weird"name`)
	want := `"weird""name"`
	if got != want {
		t.Errorf("quoteIdent = %q, want %q", got, want)
	}
}
