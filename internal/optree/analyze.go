package optree

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgtrickle/trickled/internal/errkind"
)

// ColumnResolver resolves a base relation name to its OID, primary key
// columns, and full column list (in catalog attnum order), letting Analyze
// stay independent of the catalog/pgx packages.
type ColumnResolver interface {
	ResolveRelation(schema, name string) (oid uint32, pkColumns []string, columns []string, err error)
}

// Analyze parses a defining query's SQL text with pg_query_go (the same
// libpg_query wrapper the Postgres parser itself is generated from) and
// builds the operator tree Node the DVM engine differentiates. Mirrors
// original_source's parser::parse_defining_query entry point, minus its
// CTE/view-inlining/sublink-rewrite passes: those run as AST rewrites we
// don't reproduce, so a query that needs them is reported as Unsupported
// rather than silently mishandled. check_ivm_support's role (rejecting
// queries with LIMIT/OFFSET or FOR UPDATE) is folded into the walk below
// instead of a separate pre-pass. Function volatility is not checked.
func Analyze(sql string, resolver ColumnResolver) (*Node, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, errkind.Newf(errkind.InvalidArgument, "parse defining query: %w", err).WithRemedy("fix the SQL syntax")
	}
	if len(result.Stmts) != 1 {
		return nil, errkind.Newf(errkind.Unsupported, "defining query must be a single statement, got %d", len(result.Stmts))
	}
	selectStmt := result.Stmts[0].Stmt.GetSelectStmt()
	if selectStmt == nil {
		return nil, errkind.Newf(errkind.Unsupported, "defining query must be a SELECT")
	}
	return analyzeSelect(selectStmt, resolver)
}

func analyzeSelect(s *pg_query.SelectStmt, resolver ColumnResolver) (*Node, error) {
	if s.LimitCount != nil || s.LimitOffset != nil {
		return nil, errkind.Newf(errkind.Unsupported, "LIMIT/OFFSET is not differentiable")
	}
	if len(s.LockingClause) > 0 {
		return nil, errkind.Newf(errkind.Unsupported, "FOR UPDATE/SHARE is not differentiable")
	}

	// Set operations (UNION ALL). DISTINCT unions and INTERSECT/EXCEPT are
	// out of scope: they need multiplicity reconciliation across branches
	// the scan-chain delta rules below can't express.
	if s.Op != pg_query.SetOperation_SETOP_NONE {
		if s.Op != pg_query.SetOperation_SETOP_UNION || !s.All {
			return nil, errkind.Newf(errkind.Unsupported, "only UNION ALL is supported among set operations, got %s", s.Op.String())
		}
		left, err := analyzeSelect(s.Larg, resolver)
		if err != nil {
			return nil, err
		}
		right, err := analyzeSelect(s.Rarg, resolver)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnionAll, Left: left, Right: right}, nil
	}

	if s.WithClause != nil {
		return nil, errkind.Newf(errkind.Unsupported, "WITH (CTEs) requires the CTE registry, not yet supported")
	}

	if len(s.FromClause) == 0 {
		return nil, errkind.Newf(errkind.Unsupported, "SELECT without FROM is not a stream table source")
	}
	if len(s.FromClause) > 1 {
		return nil, errkind.Newf(errkind.Unsupported, "comma-join FROM lists are not supported, use explicit JOIN")
	}

	base, err := analyzeFromNode(s.FromClause[0], resolver)
	if err != nil {
		return nil, err
	}

	node := base
	if s.WhereClause != nil {
		predicate, err := deparseExpr(s.WhereClause)
		if err != nil {
			return nil, err
		}
		node = &Node{Kind: KindFilter, Predicate: predicate, Child: node}
	}

	switch {
	case len(s.GroupClause) > 0:
		groupBy := make([]string, 0, len(s.GroupClause))
		for _, g := range s.GroupClause {
			expr, err := deparseExpr(g)
			if err != nil {
				return nil, err
			}
			groupBy = append(groupBy, expr)
		}
		aggTargets := make([]*pg_query.Node, 0, len(s.TargetList))
		for _, t := range s.TargetList {
			if rt := t.GetResTarget(); rt != nil && containsAggregateCall(rt.Val) {
				aggTargets = append(aggTargets, t)
			}
		}
		aggregates, err := extractProjectTargets(aggTargets)
		if err != nil {
			return nil, err
		}
		node = &Node{Kind: KindAggregate, GroupBy: groupBy, Aggregates: aggregates, Child: node}
	case hasAggregateCall(s.TargetList):
		aggregates, err := extractProjectTargets(s.TargetList)
		if err != nil {
			return nil, err
		}
		node = &Node{Kind: KindAggregate, Aggregates: aggregates, Child: node}
	case !isStarTargetList(s.TargetList):
		targets, err := extractProjectTargets(s.TargetList)
		if err != nil {
			return nil, err
		}
		node = &Node{Kind: KindProject, Targets: targets, Child: node}
	}

	if len(s.DistinctClause) > 0 {
		distinctOn := make([]string, 0, len(s.DistinctClause))
		for _, d := range s.DistinctClause {
			if d.GetNode() == nil {
				continue // bare SELECT DISTINCT, no explicit ON list
			}
			expr, err := deparseExpr(d)
			if err != nil {
				return nil, err
			}
			distinctOn = append(distinctOn, expr)
		}
		node = &Node{Kind: KindDistinct, DistinctOn: distinctOn, Child: node}
	}

	return node, nil
}

func analyzeFromNode(n *pg_query.Node, resolver ColumnResolver) (*Node, error) {
	switch ref := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		rv := ref.RangeVar
		schema := rv.Schemaname
		if schema == "" {
			schema = "public"
		}
		oid, pk, cols, err := resolver.ResolveRelation(schema, rv.Relname)
		if err != nil {
			return nil, err
		}
		alias := rv.Relname
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			alias = rv.Alias.Aliasname
		}
		return &Node{
			Kind:       KindScan,
			SourceOID:  oid,
			SourceName: fmt.Sprintf("%s.%s", quoteIdent(schema), quoteIdent(rv.Relname)),
			Alias:      alias,
			PKColumns:  pk,
			Columns:    cols,
		}, nil
	case *pg_query.Node_JoinExpr:
		j := ref.JoinExpr
		left, err := analyzeFromNode(j.Larg, resolver)
		if err != nil {
			return nil, err
		}
		right, err := analyzeFromNode(j.Rarg, resolver)
		if err != nil {
			return nil, err
		}
		var cond string
		if j.Quals != nil {
			cond, err = deparseExpr(j.Quals)
			if err != nil {
				return nil, err
			}
		}
		var kind Kind
		switch j.Jointype {
		case pg_query.JoinType_JOIN_INNER:
			kind = KindInnerJoin
		case pg_query.JoinType_JOIN_LEFT:
			kind = KindLeftJoin
		case pg_query.JoinType_JOIN_SEMI:
			kind = KindSemiJoin
		case pg_query.JoinType_JOIN_ANTI:
			kind = KindAntiJoin
		default:
			return nil, errkind.Newf(errkind.Unsupported, "join type %s is not differentiable", j.Jointype.String())
		}
		return &Node{Kind: kind, JoinCondition: cond, Left: left, Right: right}, nil
	case *pg_query.Node_RangeSubselect:
		sub := ref.RangeSubselect
		child, err := analyzeSelect(sub.Subquery.GetSelectStmt(), resolver)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindSubquery, Child: child}, nil
	default:
		return nil, errkind.Newf(errkind.Unsupported, "unsupported FROM item %T", n.Node)
	}
}

func isStarTargetList(targets []*pg_query.Node) bool {
	if len(targets) != 1 {
		return false
	}
	rt := targets[0].GetResTarget()
	if rt == nil {
		return false
	}
	colRef := rt.Val.GetColumnRef()
	if colRef == nil {
		return false
	}
	for _, f := range colRef.Fields {
		if f.GetAStar() != nil {
			return true
		}
	}
	return false
}

func extractProjectTargets(targets []*pg_query.Node) ([]TargetExpr, error) {
	out := make([]TargetExpr, 0, len(targets))
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		expr, err := deparseExpr(rt.Val)
		if err != nil {
			return nil, err
		}
		alias := rt.Name
		if alias == "" {
			alias = expr
		}
		out = append(out, TargetExpr{Expr: expr, Alias: alias})
	}
	return out, nil
}

func hasAggregateCall(targets []*pg_query.Node) bool {
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if containsAggregateCall(rt.Val) {
			return true
		}
	}
	return false
}

func containsAggregateCall(n *pg_query.Node) bool {
	if n == nil {
		return false
	}
	if fc := n.GetFuncCall(); fc != nil {
		if fc.AggStar || isKnownAggregateName(lastNamePart(fc.Funcname)) {
			return true
		}
		for _, a := range fc.Args {
			if containsAggregateCall(a) {
				return true
			}
		}
	}
	if ae := n.GetAExpr(); ae != nil {
		return containsAggregateCall(ae.Lexpr) || containsAggregateCall(ae.Rexpr)
	}
	if be := n.GetBoolExpr(); be != nil {
		for _, a := range be.Args {
			if containsAggregateCall(a) {
				return true
			}
		}
	}
	return false
}

func isKnownAggregateName(name string) bool {
	switch strings.ToLower(name) {
	case "count", "sum", "avg", "min", "max", "array_agg", "string_agg", "bool_and", "bool_or", "json_agg", "jsonb_agg":
		return true
	}
	return false
}

func lastNamePart(fields []*pg_query.Node) string {
	if len(fields) == 0 {
		return ""
	}
	if s := fields[len(fields)-1].GetString_(); s != nil {
		return s.Sval
	}
	return ""
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// deparseExpr renders an expression node back to SQL text. pg_query_go's
// AST is a full parse tree, not a convenient printer for arbitrary
// sub-expressions, so this is a small hand-rolled deparser covering the
// shapes a stream table's WHERE/GROUP BY/target list realistically uses:
// column references, constants, binary/unary operators, boolean
// connectives, plain function calls and type casts. Anything else
// (sublinks, CASE expressions, NULL tests) and window function calls
// (OVER) report Unsupported instead of guessing at a rendering.
func deparseExpr(n *pg_query.Node) (string, error) {
	if n == nil {
		return "", nil
	}
	switch {
	case n.GetColumnRef() != nil:
		return deparseColumnRef(n.GetColumnRef())
	case n.GetAConst() != nil:
		return deparseAConst(n.GetAConst())
	case n.GetAExpr() != nil:
		return deparseAExpr(n.GetAExpr())
	case n.GetBoolExpr() != nil:
		return deparseBoolExpr(n.GetBoolExpr())
	case n.GetFuncCall() != nil:
		return deparseFuncCall(n.GetFuncCall())
	case n.GetTypeCast() != nil:
		return deparseTypeCast(n.GetTypeCast())
	default:
		return "", errkind.Newf(errkind.Unsupported, "expression shape %T is not supported in a differentiable query", n.Node)
	}
}

func deparseColumnRef(cr *pg_query.ColumnRef) (string, error) {
	parts := make([]string, 0, len(cr.Fields))
	for _, f := range cr.Fields {
		if f.GetAStar() != nil {
			parts = append(parts, "*")
			continue
		}
		if s := f.GetString_(); s != nil {
			parts = append(parts, quoteIdent(s.Sval))
			continue
		}
		return "", errkind.Newf(errkind.Unsupported, "unsupported column reference field %T", f.Node)
	}
	return strings.Join(parts, "."), nil
}

func deparseAConst(c *pg_query.A_Const) (string, error) {
	if c.Isnull {
		return "NULL", nil
	}
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return fmt.Sprintf("%d", v.Ival.Ival), nil
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval, nil
	case *pg_query.A_Const_Boolval:
		if v.Boolval.Boolval {
			return "true", nil
		}
		return "false", nil
	case *pg_query.A_Const_Sval:
		return "'" + strings.ReplaceAll(v.Sval.Sval, "'", "''") + "'", nil
	case *pg_query.A_Const_Bsval:
		return "B'" + v.Bsval.Bsval + "'", nil
	default:
		return "", errkind.Newf(errkind.Unsupported, "unsupported constant shape %T", c.Val)
	}
}

func deparseAExpr(ae *pg_query.A_Expr) (string, error) {
	opName := lastNamePart(ae.Name)
	if ae.Kind != pg_query.A_Expr_Kind_AEXPR_OP {
		return "", errkind.Newf(errkind.Unsupported, "unsupported operator expression kind %s", ae.Kind.String())
	}
	if ae.Lexpr == nil {
		rhs, err := deparseExpr(ae.Rexpr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s%s)", opName, rhs), nil
	}
	lhs, err := deparseExpr(ae.Lexpr)
	if err != nil {
		return "", err
	}
	rhs, err := deparseExpr(ae.Rexpr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", lhs, opName, rhs), nil
}

func deparseBoolExpr(be *pg_query.BoolExpr) (string, error) {
	parts := make([]string, 0, len(be.Args))
	for _, a := range be.Args {
		p, err := deparseExpr(a)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	switch be.Boolop {
	case pg_query.BoolExprType_AND_EXPR:
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case pg_query.BoolExprType_OR_EXPR:
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case pg_query.BoolExprType_NOT_EXPR:
		return "(NOT " + parts[0] + ")", nil
	default:
		return "", errkind.Newf(errkind.Unsupported, "unsupported boolean expression type %s", be.Boolop.String())
	}
}

func deparseFuncCall(fc *pg_query.FuncCall) (string, error) {
	name := lastNamePart(fc.Funcname)
	if fc.Over != nil {
		return "", errkind.Newf(errkind.Unsupported, "window function %s is not supported in a differentiable query", name)
	}
	if fc.AggStar {
		return fmt.Sprintf("%s(*)", name), nil
	}
	args := make([]string, 0, len(fc.Args))
	for _, a := range fc.Args {
		s, err := deparseExpr(a)
		if err != nil {
			return "", err
		}
		args = append(args, s)
	}
	distinct := ""
	if fc.AggDistinct {
		distinct = "DISTINCT "
	}
	return fmt.Sprintf("%s(%s%s)", name, distinct, strings.Join(args, ", ")), nil
}

func deparseTypeCast(tc *pg_query.TypeCast) (string, error) {
	arg, err := deparseExpr(tc.Arg)
	if err != nil {
		return "", err
	}
	if tc.TypeName == nil || len(tc.TypeName.Names) == 0 {
		return "", errkind.Newf(errkind.Unsupported, "type cast missing target type")
	}
	typeName := lastNamePart(tc.TypeName.Names)
	return fmt.Sprintf("(%s)::%s", arg, typeName), nil
}
