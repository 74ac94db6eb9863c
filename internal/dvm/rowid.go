package dvm

import (
	"fmt"
	"strings"

	"github.com/pgtrickle/trickled/internal/optree"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RowIDExpr returns the SQL expression computing __pgt_row_id from a
// subquery aliased alias, matching the hash formula the CDC trigger layer
// uses for pk_hash: a single-column hash for a scalar key (scan PK or
// single-column GROUP BY/DISTINCT ON), pg_trickle_hash_multi for a
// composite key, pg_trickle_hash_multi over __left_row_id/__right_row_id
// for a join, over __pgt_branch/__pgt_child_row_id for a union, and a
// whole-row content hash when no key columns are available — mirrors
// row_id_expr_for_query.
func RowIDExpr(tree *optree.Node, alias string) string {
	switch tree.Kind {
	case optree.KindAggregate:
		if len(tree.GroupBy) == 0 {
			return "pgtrickle.pg_trickle_hash('__singleton_group')"
		}
	case optree.KindInnerJoin, optree.KindLeftJoin:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s.%s::text, %s.%s::text])",
			alias, quoteIdent("__left_row_id"), alias, quoteIdent("__right_row_id"))
	case optree.KindUnionAll:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s.%s::text, %s.%s::text])",
			alias, quoteIdent("__pgt_branch"), alias, quoteIdent("__pgt_child_row_id"))
	}

	cols := tree.RowIDKeyColumns()
	switch {
	case len(cols) == 1:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash(%s.%s::text)", alias, quoteIdent(cols[0]))
	case len(cols) > 1:
		items := make([]string, len(cols))
		for i, c := range cols {
			items[i] = fmt.Sprintf("%s.%s::text", alias, quoteIdent(c))
		}
		return fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s])", strings.Join(items, ", "))
	default:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash(row_to_json(%s)::text)", alias)
	}
}

// scanRowIDExpr computes the row-id hash for a live base-relation scan
// (used on the "current table" side of a join delta term), keyed off the
// relation's primary key rather than the generic RowIDKeyColumns dispatch.
func scanRowIDExpr(n *optree.Node, alias string) string {
	cols := n.PKColumns
	switch {
	case len(cols) == 1:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash(%s.%s::text)", alias, quoteIdent(cols[0]))
	case len(cols) > 1:
		items := make([]string, len(cols))
		for i, c := range cols {
			items[i] = fmt.Sprintf("%s.%s::text", alias, quoteIdent(c))
		}
		return fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s])", strings.Join(items, ", "))
	default:
		return fmt.Sprintf("pgtrickle.pg_trickle_hash(row_to_json(%s)::text)", alias)
	}
}
