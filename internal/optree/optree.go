// Package optree is the operator-tree representation of a stream table's
// defining query: a tagged union of the SELECT shapes the differential
// view maintenance engine knows how to differentiate, grounded on
// original_source/src/dvm/parser.rs's OpTree enum. Go has no enum-with-data,
// so each original Rust variant becomes a Kind plus the subset of struct
// fields it uses — consumers switch on Kind with a type switch, the same
// "direct structural recursion, not a visitor" shape the original
// documents choosing over a trait-object visitor for performance.
package optree

// Kind tags which operator a Node represents.
type Kind int

const (
	KindScan Kind = iota
	KindFilter
	KindProject
	KindAggregate
	KindInnerJoin
	KindLeftJoin
	KindSemiJoin
	KindAntiJoin
	KindUnionAll
	KindDistinct
	KindWindow
	KindCteScan
	KindRecursiveCte
	KindScalarSubquery
	KindLateralSubquery
	KindSubquery
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "Scan"
	case KindFilter:
		return "Filter"
	case KindProject:
		return "Project"
	case KindAggregate:
		return "Aggregate"
	case KindInnerJoin:
		return "InnerJoin"
	case KindLeftJoin:
		return "LeftJoin"
	case KindSemiJoin:
		return "SemiJoin"
	case KindAntiJoin:
		return "AntiJoin"
	case KindUnionAll:
		return "UnionAll"
	case KindDistinct:
		return "Distinct"
	case KindWindow:
		return "Window"
	case KindCteScan:
		return "CteScan"
	case KindRecursiveCte:
		return "RecursiveCte"
	case KindScalarSubquery:
		return "ScalarSubquery"
	case KindLateralSubquery:
		return "LateralSubquery"
	case KindSubquery:
		return "Subquery"
	default:
		return "Unknown"
	}
}

// TargetExpr is one projected output column: an expression plus its
// output alias.
type TargetExpr struct {
	Expr  string
	Alias string
}

// Node is one operator in the tree. Only the fields relevant to Kind are
// populated; see the per-Kind constructors below.
type Node struct {
	Kind Kind

	// Scan
	SourceOID  uint32
	SourceName string // schema-qualified relation name
	Alias      string // the FROM-clause alias this relation was referenced by, or its bare name if none was given
	PKColumns  []string
	Columns    []string // every column the defining query can see on this relation, in catalog order

	// Filter
	Predicate string

	// Project
	Targets []TargetExpr

	// Aggregate
	GroupBy    []string
	Aggregates []TargetExpr // e.g. {Expr: "sum(amount)", Alias: "total"}

	// Join (Inner/Left/Semi/Anti)
	JoinCondition string

	// Distinct
	DistinctOn []string

	// Window
	PartitionBy []string
	OrderBy     []string
	WindowExprs []TargetExpr

	// CteScan
	CteName string

	// Children
	Child *Node   // Filter, Project, Aggregate, Distinct, Window, Subquery, ScalarSubquery, LateralSubquery
	Left  *Node   // joins, UnionAll first branch
	Right *Node   // joins, UnionAll second branch
	Extra []*Node // additional UnionAll branches beyond Left/Right
}

// SourceOIDs returns every base-table OID this subtree scans, deduplicated.
func (n *Node) SourceOIDs() []uint32 {
	seen := make(map[uint32]struct{})
	var walk func(*Node)
	walk = func(m *Node) {
		if m == nil {
			return
		}
		if m.Kind == KindScan && m.SourceOID != 0 {
			seen[m.SourceOID] = struct{}{}
		}
		walk(m.Child)
		walk(m.Left)
		walk(m.Right)
		for _, e := range m.Extra {
			walk(e)
		}
	}
	walk(n)
	out := make([]uint32, 0, len(seen))
	for oid := range seen {
		out = append(out, oid)
	}
	return out
}

// IsScanChain reports whether the tree is only Scan/Project/Subquery nodes
// (no Aggregate, Join, UnionAll, Distinct, Window, RecursiveCte, CteScan).
// A scan-chain tree's scan delta is already deduplicated at most one row
// per row-id, letting the MERGE skip an outer DISTINCT ON. Filter breaks
// the chain: an UPDATE that moves a row across the predicate boundary
// needs both the DELETE(old) and INSERT(new) halves that single-event
// dedup mode would drop.
func (n *Node) IsScanChain() bool {
	switch n.Kind {
	case KindScan:
		return true
	case KindProject, KindSubquery:
		return n.Child.IsScanChain()
	default:
		return false
	}
}

// OutputColumns returns the user-facing column aliases this node produces.
func (n *Node) OutputColumns() []string {
	switch n.Kind {
	case KindScan:
		return n.Columns
	case KindProject:
		out := make([]string, len(n.Targets))
		for i, t := range n.Targets {
			out[i] = t.Alias
		}
		return out
	case KindAggregate:
		out := append([]string{}, n.GroupBy...)
		for _, a := range n.Aggregates {
			out = append(out, a.Alias)
		}
		return out
	case KindDistinct, KindFilter, KindSubquery:
		if n.Child != nil {
			return n.Child.OutputColumns()
		}
	case KindWindow:
		var out []string
		if n.Child != nil {
			out = append(out, n.Child.OutputColumns()...)
		}
		for _, w := range n.WindowExprs {
			out = append(out, w.Alias)
		}
		return out
	case KindInnerJoin, KindLeftJoin, KindSemiJoin, KindAntiJoin:
		var out []string
		if n.Left != nil {
			out = append(out, n.Left.OutputColumns()...)
		}
		if n.Right != nil && (n.Kind == KindInnerJoin || n.Kind == KindLeftJoin) {
			out = append(out, n.Right.OutputColumns()...)
		}
		return out
	case KindUnionAll:
		if n.Left != nil {
			return n.Left.OutputColumns()
		}
	}
	return nil
}

// NeedsPgtCount reports whether the top-level operator requires the
// __pgt_count auxiliary multiplicity column: true for Aggregate and
// Distinct (one row per group/value, with a running count to know when a
// group's multiplicity has dropped to zero) and for InnerJoin and LeftJoin.
func (n *Node) NeedsPgtCount() bool {
	switch n.Kind {
	case KindAggregate, KindDistinct, KindInnerJoin, KindLeftJoin:
		return true
	}
	return false
}

// RowIDKeyColumns returns the column(s) that determine row identity for
// delta row-id hashing: PK columns for a bare scan, GROUP BY columns for
// an aggregate, DISTINCT ON columns for a distinct (falling back to the
// child's full output when no DISTINCT ON list was given, i.e. a bare
// SELECT DISTINCT over every column). Returns nil when row identity can't
// be expressed as a small column set (joins, unions); dvm.RowIDExpr gives
// those their own row-id formulas.
func (n *Node) RowIDKeyColumns() []string {
	switch n.Kind {
	case KindScan:
		return n.PKColumns
	case KindAggregate:
		return n.GroupBy
	case KindDistinct:
		if len(n.DistinctOn) > 0 {
			return n.DistinctOn
		}
		if n.Child != nil {
			return n.Child.OutputColumns()
		}
		return nil
	case KindProject, KindFilter, KindSubquery, KindWindow:
		if n.Child != nil {
			return n.Child.RowIDKeyColumns()
		}
	}
	return nil
}
