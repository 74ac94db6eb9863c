package dvm

import (
	"fmt"
	"strings"

	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/frontier"
	"github.com/pgtrickle/trickled/internal/optree"
)

// Result bundles the generated delta SQL with the metadata the refresh
// executor needs without re-parsing the defining query, mirroring
// DeltaQueryResult.
type Result struct {
	SQL            string
	OutputColumns  []string
	SourceOIDs     []uint32
	IsDeduplicated bool
	HasCount       bool // true when the ST storage table carries a __count column this delta must read/write
}

// lsnPlaceholder renders the LSN placeholder token for a source, matching
// resolve_delta_template's __{PREV,NEW}_LSN_<oid>__ tokens.
func lsnPlaceholder(prefix string, oid uint32) string {
	return fmt.Sprintf("__%s_LSN_%d__", prefix, oid)
}

// Generate differentiates tree into a one-shot delta query against literal
// frontier LSN values. Mirrors generate_delta_query.
func Generate(tree *optree.Node, prev, new *frontier.Frontier, pgtSchema, pgtName string) (*Result, error) {
	oids := tree.SourceOIDs()
	ranges := make(map[uint32]frontier.Range, len(oids))
	for _, oid := range oids {
		ranges[oid] = frontier.Range{OID: oid, Prev: prev.GetLSN(oid), New: new.GetLSN(oid)}
	}
	return generate(tree, ranges, pgtSchema, pgtName)
}

// GenerateTemplate differentiates tree with LSN placeholder tokens instead
// of literal values, for use by TemplateCache. Mirrors the placeholder-mode
// branch of generate_delta_query_cached.
func GenerateTemplate(tree *optree.Node, pgtSchema, pgtName string) (*Result, error) {
	oids := tree.SourceOIDs()
	ranges := make(map[uint32]frontier.Range, len(oids))
	for _, oid := range oids {
		ranges[oid] = frontier.Range{OID: oid, Prev: frontier.ZeroLSN, New: frontier.ZeroLSN}
	}
	return generate(tree, ranges, pgtSchema, pgtName)
}

// GenerateCached is the cached entry point: on a defining-query-hash cache
// hit, it resolves an already-differentiated template against the current
// frontiers; on a miss it differentiates once with placeholders and caches
// the template. Mirrors generate_delta_query_cached.
func GenerateCached(cache *TemplateCache, streamTableID int64, definingQuery string, tree *optree.Node, prev, new *frontier.Frontier, pgtSchema, pgtName string) (*Result, error) {
	queryHash := hashQuery(definingQuery)

	if entry, ok := cache.get(streamTableID, queryHash); ok {
		sql := resolveTemplate(entry.sqlTemplate, entry.sourceOIDs, prev, new)
		return &Result{SQL: sql, OutputColumns: entry.outputColumns, SourceOIDs: entry.sourceOIDs, IsDeduplicated: entry.isDeduplicated, HasCount: tree.NeedsPgtCount()}, nil
	}

	templ, err := GenerateTemplate(tree, pgtSchema, pgtName)
	if err != nil {
		return nil, err
	}
	cache.put(streamTableID, cachedTemplate{
		queryHash:      queryHash,
		sqlTemplate:    templ.SQL,
		outputColumns:  templ.OutputColumns,
		sourceOIDs:     templ.SourceOIDs,
		isDeduplicated: templ.IsDeduplicated,
	})

	sql := resolveTemplate(templ.SQL, templ.SourceOIDs, prev, new)
	return &Result{SQL: sql, OutputColumns: templ.OutputColumns, SourceOIDs: templ.SourceOIDs, IsDeduplicated: templ.IsDeduplicated, HasCount: templ.HasCount}, nil
}

func resolveTemplate(template string, oids []uint32, prev, new *frontier.Frontier) string {
	sql := template
	for _, oid := range oids {
		sql = strings.ReplaceAll(sql, lsnPlaceholder("PREV", oid), prev.GetLSN(oid).String())
		sql = strings.ReplaceAll(sql, lsnPlaceholder("NEW", oid), new.GetLSN(oid).String())
	}
	return sql
}

func generate(tree *optree.Node, ranges map[uint32]frontier.Range, pgtSchema, pgtName string) (*Result, error) {
	storageTable := pgtSchema + "." + pgtName
	d, err := differentiate(tree, ranges, "pgtrickle_changes", storageTable)
	if err != nil {
		return nil, err
	}
	cols := tree.OutputColumns()
	var withClause string
	if d.ctes != "" {
		withClause = "WITH " + d.ctes + "\n"
	}
	countCol := ""
	if tree.NeedsPgtCount() {
		countCol = ", delta.__pgt_count AS __pgt_count"
	}
	inner := fmt.Sprintf(
		"SELECT %s AS __pgt_row_id, %s AS __pgt_action%s%s\nFROM (%s) AS delta",
		RowIDExpr(tree, "delta"), actionExprFor(tree), countCol, projectedColsSQL(cols), d.body,
	)
	// A single row id can legitimately surface twice out of an operator's
	// own differentiation (a Scan's UPDATE split into D+I, a join term's
	// overlap before net-summing collapses it) — collapse to the one row
	// the MERGE should actually see, preferring the surviving 'I' image
	// over a stale 'D' when both appear for the same id.
	sql := fmt.Sprintf(
		"%sSELECT DISTINCT ON (__pgt_row_id) * FROM (%s) AS alldelta ORDER BY __pgt_row_id, (CASE WHEN __pgt_action = 'I' THEN 0 ELSE 1 END)",
		withClause, inner,
	)
	return &Result{
		SQL:            sql,
		OutputColumns:  cols,
		SourceOIDs:     tree.SourceOIDs(),
		IsDeduplicated: tree.IsScanChain() || d.dedup,
		HasCount:       tree.NeedsPgtCount(),
	}, nil
}

func projectedColsSQL(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf(", delta.%s", quoteIdent(c))
	}
	return strings.Join(parts, "")
}

func actionExprFor(tree *optree.Node) string {
	if tree.NeedsPgtCount() {
		// Aggregate/Distinct/Join rows flip sign when their running stored
		// count crosses zero rather than carrying a literal per-row action.
		return "CASE WHEN delta.__pgt_count > 0 THEN 'I' ELSE 'D' END"
	}
	return "delta.__pgt_action"
}

// diffResult is the intermediate SQL fragment for one differentiated
// subtree: a set of named CTEs feeding a final SELECT body that produces
// __pgt_action (and __pgt_count for Aggregate/Distinct/Join).
type diffResult struct {
	ctes  string // "name AS (...), name2 AS (...)" — may be empty
	body  string // SELECT ... producing __pgt_action/__pgt_count plus user columns
	dedup bool   // true when body already emits at most one row per row-id
}

// differentiate implements the per-operator differentiation rules,
// following Gupta & Mumick section 3: Scan differentiates against the CDC
// buffer, Filter/Project push the same delta event through unchanged
// column transforms, Aggregate and Distinct recompute affected groups
// against stored state, Join expands the standard three-term incremental
// join identity, Window recomputes touched partitions, UnionAll
// concatenates branch deltas with branch-prefixed row ids. Semi/anti
// joins, recursive CTEs, and lateral/scalar subqueries aren't implemented
// as true incremental differentiation here and report Unsupported, with a
// remedy telling the user to set refresh_mode to FULL; the refresh is
// recorded as failed and nothing falls back to FULL automatically.
func differentiate(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	switch tree.Kind {
	case optree.KindScan:
		return differentiateScan(tree, ranges, changeSchema)
	case optree.KindFilter:
		return differentiateFilter(tree, ranges, changeSchema, storageTable)
	case optree.KindProject:
		return differentiateProject(tree, ranges, changeSchema, storageTable)
	case optree.KindAggregate:
		return differentiateAggregate(tree, ranges, changeSchema, storageTable)
	case optree.KindDistinct:
		return differentiateDistinct(tree, ranges, changeSchema, storageTable)
	case optree.KindUnionAll:
		return differentiateUnionAll(tree, ranges, changeSchema, storageTable)
	case optree.KindInnerJoin, optree.KindLeftJoin:
		return differentiateJoin(tree, ranges, changeSchema, storageTable)
	case optree.KindWindow:
		return differentiateWindow(tree, ranges, changeSchema, storageTable)
	case optree.KindSubquery:
		return differentiate(tree.Child, ranges, changeSchema, storageTable)
	default:
		return diffResult{}, errkind.Newf(errkind.Unsupported, "%s is not incrementally differentiable in this build; use a FULL refresh fallback", tree.Kind).WithRemedy("set refresh_mode to FULL for this stream table")
	}
}

// differentiateScan reads the change buffer for a source table in the LSN
// range (prev, new]. Per row-id (pk_hash) it collapses every event in the
// window to its net effect: first_action/last_action over the whole
// window tell it whether the row existed before the window and whether it
// exists after. An insert-then-delete of the same row within the window
// (first_action='I', last_action='D') contributes nothing and is dropped
// outright; anything that both existed before and still exists after
// (an UPDATE, or a delete immediately followed by a reinsert) emits both
// halves — a D carrying the pre-window old_* image and an I carrying the
// post-window new_* image — so Filter/Aggregate above can see the true
// transition instead of only the final state.
func differentiateScan(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema string) (diffResult, error) {
	r, ok := ranges[tree.SourceOID]
	if !ok {
		return diffResult{}, errkind.Newf(errkind.InvalidArgument, "no LSN range for source oid=%d", tree.SourceOID)
	}
	prevTok := lsnPlaceholder("PREV", tree.SourceOID)
	newTok := lsnPlaceholder("NEW", tree.SourceOID)
	if r.Prev != frontier.ZeroLSN || r.New != frontier.ZeroLSN {
		prevTok = r.Prev.String()
		newTok = r.New.String()
	}

	userCols := tree.OutputColumns()
	windowCols := ""
	oldSelect := ""
	newSelect := ""
	for _, c := range userCols {
		windowCols += fmt.Sprintf(",\n\t\t       first_value(old_%s) OVER (PARTITION BY pk_hash ORDER BY change_id ASC) AS %s", c, quoteIdent("first_old_"+c))
		windowCols += fmt.Sprintf(",\n\t\t       first_value(new_%s) OVER (PARTITION BY pk_hash ORDER BY change_id DESC) AS %s", c, quoteIdent("last_new_"+c))
		oldSelect += fmt.Sprintf(", %s AS %s", quoteIdent("first_old_"+c), quoteIdent(c))
		newSelect += fmt.Sprintf(", %s AS %s", quoteIdent("last_new_"+c), quoteIdent(c))
	}

	cteName := fmt.Sprintf("__scan_%d", tree.SourceOID)
	ctes := fmt.Sprintf(`%s AS (
		SELECT DISTINCT pk_hash AS __pgt_row_id, first_action, last_action%s
		FROM (
			SELECT *,
			       first_value(action) OVER (PARTITION BY pk_hash ORDER BY change_id ASC) AS first_action,
			       first_value(action) OVER (PARTITION BY pk_hash ORDER BY change_id DESC) AS last_action
			FROM %s.changes_%d
			WHERE lsn > '%s'::pg_lsn AND lsn <= '%s'::pg_lsn
		) ranked
	)`, cteName, windowCols, changeSchema, tree.SourceOID, prevTok, newTok)

	body := fmt.Sprintf(`
		SELECT __pgt_row_id, 'D' AS __pgt_action%s
		FROM %s
		WHERE NOT (first_action = 'I' AND last_action = 'D') AND first_action <> 'I'
		UNION ALL
		SELECT __pgt_row_id, 'I' AS __pgt_action%s
		FROM %s
		WHERE NOT (first_action = 'I' AND last_action = 'D') AND last_action <> 'D'
	`, oldSelect, cteName, newSelect, cteName)

	return diffResult{ctes: ctes, body: body, dedup: false}, nil
}

func differentiateFilter(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	child, err := differentiate(tree.Child, ranges, changeSchema, storageTable)
	if err != nil {
		return diffResult{}, err
	}
	// A child DELETE event must pass regardless of whether the new image
	// satisfies the predicate — it describes a row the predicate USED to
	// match. Only 'I' events are tested against the predicate.
	body := fmt.Sprintf(`
		SELECT * FROM (%s) base
		WHERE base.__pgt_action = 'D' OR (%s)
	`, child.body, tree.Predicate)
	return diffResult{ctes: child.ctes, body: body, dedup: child.dedup}, nil
}

func differentiateProject(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	child, err := differentiate(tree.Child, ranges, changeSchema, storageTable)
	if err != nil {
		return diffResult{}, err
	}
	projCols := "base.__pgt_row_id, base.__pgt_action"
	for _, t := range tree.Targets {
		projCols += fmt.Sprintf(", (%s) AS %s", t.Expr, quoteIdent(t.Alias))
	}
	body := fmt.Sprintf("SELECT %s FROM (%s) base", projCols, child.body)
	return diffResult{ctes: child.ctes, body: body, dedup: child.dedup}, nil
}

// differentiateDistinct is Aggregate(group_by = select_list, aggs = [])
// feeding the same count-watching emitter Aggregate uses: transitions
// 0→1 produce I, >0→0 produce D.
func differentiateDistinct(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	groupCols := tree.DistinctOn
	if len(groupCols) == 0 {
		groupCols = tree.Child.OutputColumns()
	}
	synthetic := &optree.Node{Kind: optree.KindAggregate, GroupBy: groupCols, Child: tree.Child}
	return differentiateAggregate(synthetic, ranges, changeSchema, storageTable)
}

// differentiateAggregate recomputes each touched group's aggregate values
// by combining the group's stored state (LEFT JOIN back to ST storage on
// __row_id = Hash(group_key)) with this cycle's incremental contribution,
// rather than aggregating the delta rows in isolation — aggregating the
// delta alone discards every row the group already had in storage. sum
// and count combine exactly (stored + delta contribution); avg
// reconstructs the stored sum as stored_avg*stored_count and divides by
// the new total count; min/max combine via LEAST/GREATEST against the
// delta's own extremum, which is exact for growth but can't detect that a
// deleted row WAS the stored extremum without a full rescan.
func differentiateAggregate(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	child, err := differentiate(tree.Child, ranges, changeSchema, storageTable)
	if err != nil {
		return diffResult{}, err
	}

	var groupBy string
	if len(tree.GroupBy) > 0 {
		groupBy = "GROUP BY " + strings.Join(tree.GroupBy, ", ")
	}

	contribCols := ""
	for _, g := range tree.GroupBy {
		contribCols += fmt.Sprintf("%s, ", g)
	}
	for _, a := range tree.Aggregates {
		fn, arg := splitAggFunc(a.Expr)
		contribCols += fmt.Sprintf("%s AS %s, ", aggContribExpr(fn, arg), quoteIdent("__contrib_"+a.Alias))
	}
	contribCols += "count(*) FILTER (WHERE base.__pgt_action <> 'D') - count(*) FILTER (WHERE base.__pgt_action = 'D') AS __pgt_delta_count"

	contribCTE := fmt.Sprintf("__agg_contrib AS (\n\t\tSELECT %s\n\t\tFROM (%s) base\n\t\t%s\n\t)", contribCols, child.body, groupBy)

	groupKeyExpr := RowIDExpr(tree, "c")
	finalCols := ""
	for _, g := range tree.GroupBy {
		finalCols += fmt.Sprintf("c.%s, ", g)
	}
	for _, a := range tree.Aggregates {
		fn, _ := splitAggFunc(a.Expr)
		finalCols += fmt.Sprintf("%s AS %s, ", combineAggExpr(fn, a.Alias), quoteIdent(a.Alias))
	}
	finalCols += fmt.Sprintf(`coalesce(s.%s, 0) + c.%s AS __pgt_count`, quoteIdent("__count"), quoteIdent("__pgt_delta_count"))

	finalCTE := fmt.Sprintf(
		"__agg_final AS (\n\t\tSELECT %s\n\t\tFROM __agg_contrib c\n\t\tLEFT JOIN %s s ON s.%s = %s\n\t)",
		finalCols, storageTable, quoteIdent("__row_id"), groupKeyExpr,
	)

	ctes := child.ctes
	if ctes != "" {
		ctes += ", "
	}
	ctes += contribCTE + ", " + finalCTE

	return diffResult{ctes: ctes, body: "SELECT * FROM __agg_final", dedup: false}, nil
}

// splitAggFunc parses "sum(amount)" into ("sum", "amount").
func splitAggFunc(expr string) (fn, arg string) {
	trimmed := strings.TrimSpace(expr)
	open := strings.Index(trimmed, "(")
	if open < 0 || !strings.HasSuffix(trimmed, ")") {
		return "", trimmed
	}
	fn = strings.ToLower(strings.TrimSpace(trimmed[:open]))
	arg = strings.TrimSpace(trimmed[open+1 : len(trimmed)-1])
	return fn, arg
}

// aggContribExpr is this cycle's signed, delta-local contribution toward
// fn(arg) for a touched group — not the group's final value, which only
// combineAggExpr produces once combined with stored state.
func aggContribExpr(fn, arg string) string {
	switch fn {
	case "sum", "avg":
		return fmt.Sprintf("coalesce(sum(CASE WHEN base.__pgt_action = 'D' THEN -(%s) ELSE (%s) END), 0)", arg, arg)
	case "count":
		if arg == "*" {
			return "count(*) FILTER (WHERE base.__pgt_action <> 'D') - count(*) FILTER (WHERE base.__pgt_action = 'D')"
		}
		return fmt.Sprintf("count(%s) FILTER (WHERE base.__pgt_action <> 'D') - count(%s) FILTER (WHERE base.__pgt_action = 'D')", arg, arg)
	case "min":
		return fmt.Sprintf("min(%s) FILTER (WHERE base.__pgt_action <> 'D')", arg)
	case "max":
		return fmt.Sprintf("max(%s) FILTER (WHERE base.__pgt_action <> 'D')", arg)
	default:
		return fmt.Sprintf("coalesce(sum(CASE WHEN base.__pgt_action = 'D' THEN -(%s) ELSE (%s) END), 0)", arg, arg)
	}
}

// combineAggExpr combines a group's stored aggregate value (s.<alias>)
// with its delta-local contribution (c.__contrib_<alias>) into the new
// aggregate value.
func combineAggExpr(fn, alias string) string {
	contrib := quoteIdent("__contrib_" + alias)
	stored := fmt.Sprintf("s.%s", quoteIdent(alias))
	switch fn {
	case "sum", "count":
		return fmt.Sprintf("coalesce(%s, 0) + c.%s", stored, contrib)
	case "avg":
		storedCount := fmt.Sprintf("coalesce(s.%s, 0)", quoteIdent("__count"))
		newCount := fmt.Sprintf("(%s + c.%s)", storedCount, quoteIdent("__pgt_delta_count"))
		storedSum := fmt.Sprintf("coalesce(%s, 0) * %s", stored, storedCount)
		return fmt.Sprintf("CASE WHEN %s = 0 THEN NULL ELSE (%s + c.%s) / %s END", newCount, storedSum, contrib, newCount)
	case "min":
		return fmt.Sprintf("coalesce(LEAST(%s, c.%s), c.%s)", stored, contrib, contrib)
	case "max":
		return fmt.Sprintf("coalesce(GREATEST(%s, c.%s), c.%s)", stored, contrib, contrib)
	default:
		return fmt.Sprintf("coalesce(%s, 0) + c.%s", stored, contrib)
	}
}

// baseRelationWithPredicate walks Filter/Subquery wrappers down to the base
// Scan a Join operand or Window child resolves to, accumulating any Filter
// predicates along the way. Returns ok=false for anything deeper (a nested
// Aggregate, another Join) — join and window delta are scoped to direct
// (optionally filtered) base-table operands, not arbitrary subtrees.
func baseRelationWithPredicate(n *optree.Node) (scan *optree.Node, predicate string, ok bool) {
	switch n.Kind {
	case optree.KindScan:
		return n, "", true
	case optree.KindFilter:
		base, pred, ok := baseRelationWithPredicate(n.Child)
		if !ok {
			return nil, "", false
		}
		if pred != "" {
			return base, fmt.Sprintf("(%s) AND (%s)", pred, n.Predicate), true
		}
		return base, n.Predicate, true
	case optree.KindSubquery:
		return baseRelationWithPredicate(n.Child)
	default:
		return nil, "", false
	}
}

// differentiateJoin implements the standard three-term incremental join
// expansion: Δ(L⋈R) = ΔL⋈R_old ∪ L_new⋈ΔR ∪ ΔL⋈ΔR, sign-merged per joined
// row id Hash(left_row_id, right_row_id). R_old is approximated as the
// live R relation excluding rows this cycle's ΔR already touched (no
// historical snapshot exists to query exactly); L_new is simply the live L
// relation, which already reflects the committed new state. The third
// term's sign is the product of each side's own sign — the standard
// bilinear weight rule for a join of two signed deltas, which also
// correctly un-does the double count terms one and two would otherwise
// produce for a row touched on both sides in the same cycle. Scoped to
// operands that resolve to a (optionally filtered) base relation; a join
// of two derived subtrees (nested aggregates, nested joins) falls back to
// Unsupported.
func differentiateJoin(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	left, leftPred, ok := baseRelationWithPredicate(tree.Left)
	if !ok {
		return diffResult{}, errkind.Newf(errkind.Unsupported, "join delta requires both sides to resolve to a base table, optionally filtered; %s does not", tree.Left.Kind).WithRemedy("set refresh_mode to FULL for this stream table")
	}
	right, rightPred, ok := baseRelationWithPredicate(tree.Right)
	if !ok {
		return diffResult{}, errkind.Newf(errkind.Unsupported, "join delta requires both sides to resolve to a base table, optionally filtered; %s does not", tree.Right.Kind).WithRemedy("set refresh_mode to FULL for this stream table")
	}

	deltaL, err := differentiateScan(left, ranges, changeSchema)
	if err != nil {
		return diffResult{}, err
	}
	deltaR, err := differentiateScan(right, ranges, changeSchema)
	if err != nil {
		return diffResult{}, err
	}

	la, ra := quoteIdent(left.Alias), quoteIdent(right.Alias)
	leftOuter := tree.Kind == optree.KindLeftJoin
	joinKw := "JOIN"
	if leftOuter {
		joinKw = "LEFT JOIN"
	}

	lCols := ""
	for _, c := range left.Columns {
		lCols += fmt.Sprintf(", %s.%s AS %s", la, quoteIdent(c), quoteIdent(c))
	}
	rCols := ""
	for _, c := range right.Columns {
		rCols += fmt.Sprintf(", %s.%s AS %s", ra, quoteIdent(c), quoteIdent(c))
	}

	leftLivePred := ""
	if leftPred != "" {
		leftLivePred = fmt.Sprintf(" WHERE %s", leftPred)
	}

	deltaLCTE := fmt.Sprintf("__join_dl AS (SELECT * FROM (%s) dlbase)", deltaL.body)
	deltaRCTE := fmt.Sprintf("__join_dr AS (SELECT * FROM (%s) drbase)", deltaR.body)

	// Term 1: ΔL ⋈ R_old, R_old approximated as live R minus rows ΔR
	// already touched this cycle.
	term1Where := fmt.Sprintf("NOT EXISTS (SELECT 1 FROM __join_dr drx WHERE drx.__pgt_row_id = %s)", scanRowIDExpr(right, ra))
	if rightPred != "" {
		term1Where = fmt.Sprintf("(%s) AND (%s)", term1Where, rightPred)
	}
	term1 := fmt.Sprintf(`SELECT %s.__pgt_row_id AS __left_row_id, %s AS __right_row_id,
		       (CASE WHEN %s.__pgt_action = 'D' THEN -1 ELSE 1 END) AS __pgt_sign%s%s
		FROM __join_dl AS %s
		%s %s AS %s ON (%s)
		WHERE %s`,
		la, scanRowIDExpr(right, ra), la, lCols, rCols,
		la, joinKw, right.SourceName, ra, tree.JoinCondition,
		term1Where,
	)

	// Term 2: L_new ⋈ ΔR — the live L relation already reflects the new
	// state, no exclusion needed.
	term2 := fmt.Sprintf(`SELECT %s AS __left_row_id, %s.__pgt_row_id AS __right_row_id,
		       (CASE WHEN %s.__pgt_action = 'D' THEN -1 ELSE 1 END) AS __pgt_sign%s%s
		FROM %s AS %s
		%s __join_dr AS %s ON (%s)%s`,
		scanRowIDExpr(left, la), ra, ra, lCols, rCols,
		left.SourceName, la, joinKw, ra, tree.JoinCondition, leftLivePred,
	)

	// Term 3: ΔL ⋈ ΔR, sign = product of each side's own sign.
	term3 := fmt.Sprintf(`SELECT %s.__pgt_row_id AS __left_row_id, %s.__pgt_row_id AS __right_row_id,
		       (CASE WHEN %s.__pgt_action = 'D' THEN -1 ELSE 1 END) * (CASE WHEN %s.__pgt_action = 'D' THEN -1 ELSE 1 END) AS __pgt_sign%s%s
		FROM __join_dl AS %s
		%s __join_dr AS %s ON (%s)`,
		la, ra, la, ra, lCols, rCols, la, joinKw, ra, tree.JoinCondition,
	)

	termsCTE := fmt.Sprintf("__join_terms AS (\n\t\t(%s)\n\t\tUNION ALL\n\t\t(%s)\n\t\tUNION ALL\n\t\t(%s)\n\t)", term1, term2, term3)
	netCTE := `__join_net AS (
		SELECT __left_row_id, __right_row_id, sum(__pgt_sign) AS __pgt_count
		FROM __join_terms
		GROUP BY __left_row_id, __right_row_id
		HAVING sum(__pgt_sign) <> 0
	)`
	rankedCTE := `__join_ranked AS (
		SELECT *, row_number() OVER (PARTITION BY __left_row_id, __right_row_id ORDER BY __pgt_sign DESC) AS __pgt_rn
		FROM __join_terms
	)`

	allCols := ""
	for _, c := range left.Columns {
		allCols += fmt.Sprintf(", t.%s", quoteIdent(c))
	}
	for _, c := range right.Columns {
		allCols += fmt.Sprintf(", t.%s", quoteIdent(c))
	}

	body := fmt.Sprintf(`
		SELECT n.__left_row_id, n.__right_row_id, n.__pgt_count%s
		FROM __join_net n
		JOIN __join_ranked t ON t.__left_row_id = n.__left_row_id AND t.__right_row_id = n.__right_row_id AND t.__pgt_rn = 1
	`, allCols)

	ctes := strings.Join(filterEmpty(deltaL.ctes, deltaR.ctes, deltaLCTE, deltaRCTE, termsCTE, netCTE, rankedCTE), ", ")
	return diffResult{ctes: ctes, body: body, dedup: false}, nil
}

func filterEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// differentiateWindow identifies the partitions touched by ΔR, recomputes
// the window function over the full live partition (bounding the
// recompute to affected groups, not a whole-table rescan), and diffs the
// result against ST storage per __row_id: rows still present in a touched
// partition are emitted as I (letting the MERGE's IS DISTINCT FROM guard
// no-op an unchanged row), rows that vanished from a touched partition are
// emitted as D. Requires Child to resolve to a base relation — a window
// over a join or aggregate isn't supported here.
func differentiateWindow(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	if len(tree.PartitionBy) == 0 {
		return diffResult{}, errkind.Newf(errkind.Unsupported, "window delta requires a PARTITION BY clause to bound recomputation to touched partitions").WithRemedy("set refresh_mode to FULL for this stream table")
	}
	base, pred, ok := baseRelationWithPredicate(tree.Child)
	if !ok {
		return diffResult{}, errkind.Newf(errkind.Unsupported, "window delta requires its input to resolve to a base table, optionally filtered; %s does not", tree.Child.Kind).WithRemedy("set refresh_mode to FULL for this stream table")
	}

	deltaChild, err := differentiateScan(base, ranges, changeSchema)
	if err != nil {
		return diffResult{}, err
	}

	partitionCols := strings.Join(tree.PartitionBy, ", ")

	outCols := tree.Child.OutputColumns()
	passthrough := ""
	for _, c := range outCols {
		passthrough += fmt.Sprintf(", t.%s", quoteIdent(c))
	}
	windowSelect := ""
	for _, w := range tree.WindowExprs {
		windowSelect += fmt.Sprintf(", (%s) AS %s", w.Expr, quoteIdent(w.Alias))
	}

	livePred := ""
	if pred != "" {
		livePred = fmt.Sprintf("WHERE (%s) AND (%s) IN (SELECT %s FROM __win_touched)", pred, partitionCols, partitionCols)
	} else {
		livePred = fmt.Sprintf("WHERE (%s) IN (SELECT %s FROM __win_touched)", partitionCols, partitionCols)
	}

	touchedCTE := fmt.Sprintf("__win_touched AS (SELECT DISTINCT %s FROM (%s) base)", partitionCols, deltaChild.body)
	currentCTE := fmt.Sprintf(
		"__win_current AS (\n\t\tSELECT %s AS __row_id%s%s\n\t\tFROM %s AS t\n\t\t%s\n\t)",
		RowIDExpr(tree, "t"), passthrough, windowSelect, base.SourceName, livePred,
	)
	storedPartitionCols := ""
	for i, p := range tree.PartitionBy {
		if i > 0 {
			storedPartitionCols += ", "
		}
		storedPartitionCols += fmt.Sprintf("s.%s", quoteIdent(p))
	}
	storedCTE := fmt.Sprintf(
		"__win_stored AS (\n\t\tSELECT s.%s AS __row_id\n\t\tFROM %s s\n\t\tWHERE (%s) IN (SELECT %s FROM __win_touched)\n\t)",
		quoteIdent("__row_id"), storageTable, storedPartitionCols, partitionCols,
	)

	outCols2 := ""
	for _, c := range outCols {
		outCols2 += fmt.Sprintf(", %s", quoteIdent(c))
	}
	for _, w := range tree.WindowExprs {
		outCols2 += fmt.Sprintf(", %s", quoteIdent(w.Alias))
	}

	body := fmt.Sprintf(`
		SELECT __row_id AS __pgt_row_id, 'I' AS __pgt_action%s
		FROM __win_current
		UNION ALL
		SELECT st.__row_id AS __pgt_row_id, 'D' AS __pgt_action%s
		FROM __win_stored st
		WHERE NOT EXISTS (SELECT 1 FROM __win_current cur WHERE cur.__row_id = st.__row_id)
	`, outCols2, nullCols(outCols2))

	ctes := strings.Join(filterEmpty(touchedCTE, currentCTE, storedCTE), ", ")
	return diffResult{ctes: ctes, body: body, dedup: false}, nil
}

// nullCols turns ", "col1", "col2"" into ", NULL, NULL" so a D row (which
// carries no data, only identity) type-matches the I branch's column list
// in a UNION ALL.
func nullCols(colsSQL string) string {
	n := strings.Count(colsSQL, ",")
	out := ""
	for i := 0; i < n; i++ {
		out += ", NULL"
	}
	return out
}

func differentiateUnionAll(tree *optree.Node, ranges map[uint32]frontier.Range, changeSchema, storageTable string) (diffResult, error) {
	branches := append([]*optree.Node{tree.Left, tree.Right}, tree.Extra...)
	cols := tree.Left.OutputColumns()
	colsSQL := ""
	for _, c := range cols {
		colsSQL += fmt.Sprintf(", base.%s", quoteIdent(c))
	}

	var ctes []string
	var bodies []string
	for i, br := range branches {
		d, err := differentiate(br, ranges, changeSchema, storageTable)
		if err != nil {
			return diffResult{}, err
		}
		if d.ctes != "" {
			ctes = append(ctes, d.ctes)
		}
		bodies = append(bodies, fmt.Sprintf(
			"SELECT %d AS __pgt_branch, base.__pgt_row_id AS __pgt_child_row_id, base.__pgt_action%s FROM (%s) base",
			i+1, colsSQL, d.body,
		))
	}

	body := strings.Join(bodies, " UNION ALL ")
	return diffResult{ctes: strings.Join(ctes, ", "), body: body, dedup: false}, nil
}
