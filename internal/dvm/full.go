package dvm

import (
	"fmt"
	"strings"

	"github.com/pgtrickle/trickled/internal/optree"
)

// FullResult is the SELECT statement a FULL refresh uses to repopulate a
// stream table's storage from scratch: the defining query itself, wrapped
// just enough to compute the row-identity column every storage table
// carries, plus the running __count column for Aggregate/Distinct/Join
// trees (data-model invariant (b)).
type FullResult struct {
	SQL           string
	OutputColumns []string
	HasCount      bool
}

// GenerateFullSelect wraps definingQuery in a SELECT that adds the
// __row_id column a REINITIALIZE/FULL refresh's TRUNCATE+INSERT needs,
// using the same row-identity derivation the incremental path uses (see
// rowid.go) so a stream table's identity column means the same thing
// regardless of which refresh action populated it. For a tree that
// NeedsPgtCount, also computes __count: the group's true member count
// when the aggregate sits directly over a (optionally filtered) base
// relation; for deeper trees (aggregate over a join, etc.) __count starts
// at 0 and self-corrects on the first incremental DIFFERENTIAL refresh,
// the same way a freshly-REINITIALIZEd table's other derived state does.
func GenerateFullSelect(tree *optree.Node, definingQuery string) *FullResult {
	cols := tree.OutputColumns()
	rowID := RowIDExpr(tree, "src")

	var colsSQL strings.Builder
	for _, c := range cols {
		colsSQL.WriteString(", src.")
		colsSQL.WriteString(quoteIdent(c))
	}

	if !tree.NeedsPgtCount() {
		return &FullResult{
			SQL:           "SELECT " + rowID + " AS __row_id" + colsSQL.String() + " FROM (" + definingQuery + ") AS src",
			OutputColumns: cols,
		}
	}

	countExpr, countCTE := fullCountExpr(tree)
	var withClause string
	if countCTE != "" {
		withClause = "WITH " + countCTE + "\n"
	}
	sql := fmt.Sprintf(
		"%sSELECT %s AS __row_id%s, %s AS __count FROM (%s) AS src",
		withClause, rowID, colsSQL.String(), countExpr, definingQuery,
	)
	return &FullResult{SQL: sql, OutputColumns: cols, HasCount: true}
}

// fullCountExpr builds the __count value for a FULL-populated row. For an
// Aggregate with a GROUP BY whose child resolves to a (optionally
// filtered) base scan it is the true member count of the group, computed
// by re-grouping the underlying base relation directly. Otherwise
// (Distinct, scalar aggregates, other children) __count starts at 0,
// corrected by the next DIFFERENTIAL refresh.
func fullCountExpr(tree *optree.Node) (expr, cte string) {
	if tree.Kind != optree.KindAggregate || len(tree.GroupBy) == 0 {
		return "0", ""
	}
	base, pred, ok := baseRelationWithPredicate(tree.Child)
	if !ok {
		return "0", ""
	}

	alias := quoteIdent(base.Alias)
	groupBy := strings.Join(tree.GroupBy, ", ")
	where := ""
	if pred != "" {
		where = "WHERE " + pred
	}

	cte = fmt.Sprintf(
		"__full_count AS (\n\tSELECT %s, count(*) AS __count\n\tFROM %s AS %s\n\t%s\n\tGROUP BY %s\n)",
		groupBy, base.SourceName, alias, where, groupBy,
	)

	joinCond := ""
	for i, g := range tree.GroupBy {
		if i > 0 {
			joinCond += " AND "
		}
		joinCond += fmt.Sprintf("fc.%s = src.%s", g, g)
	}
	// A correlated scalar subquery, not a physical JOIN, so src keeps
	// exactly one row per group regardless of __full_count's shape.
	expr = fmt.Sprintf("coalesce((SELECT __count FROM __full_count fc WHERE %s), 0)", joinCond)
	return expr, cte
}
