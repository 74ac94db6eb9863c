// Package refresh implements the refresh executor: applying a stream
// table's computed delta (or a full recompute) to its storage table under
// an advisory-lock-guarded critical section, with adaptive fallback
// between FULL and DIFFERENTIAL refresh. Grounded on spec.md §4.7, with
// the "build one big statement, execute with context, report rows
// affected" shape borrowed from the teacher's
// internal/storage/dolt/batch.go, and the advisory-lock-guarded critical
// section borrowed from internal/storage/dolt/access_lock.go — there a
// local flock, here pg_try_advisory_lock since the lock must coordinate
// across every session touching the same stream table, not just this
// process.
package refresh

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/cdc"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/frontier"
	"github.com/pgtrickle/trickled/internal/optree"
)

// Action is the refresh action selected for one cycle, recorded verbatim
// into refresh_history.action.
type Action string

const (
	ActionNoData       Action = "NO_DATA"
	ActionFull         Action = "FULL"
	ActionDifferential Action = "DIFFERENTIAL"
	ActionReinitialize Action = "REINITIALIZE"
	ActionSkip         Action = "SKIP"
)

// Strategy is the delta application method, selected at execution time
// per spec.md §4.7.
type Strategy string

const (
	StrategyMerge         Strategy = "merge"
	StrategyPreparedMerge Strategy = "prepared_merge"
	StrategyExplicitDML   Strategy = "explicit_dml"
)

// Outcome is what a refresh cycle produced, feeding both the catalog
// persistence call and the auto-tuner update.
type Outcome struct {
	Action        Action
	Strategy      Strategy
	RowsInserted  int64
	RowsDeleted   int64
	DurationMS    float64
	WasFullFallback bool
	NewFrontier   *frontier.Frontier
}

// Options configures one refresh cycle, corresponding to the GUCs in
// internal/config that this package consults.
type Options struct {
	ChangeSchema         string
	DifferentialMaxRatio float64
	UserTriggersAttached bool
	MergePlannerHints    bool
	MergeWorkMemMB       int
	UsePreparedStatement bool
}

// Executor applies refreshes to stream table storage.
type Executor struct {
	pool  *pgxpool.Pool
	store *catalog.Store
	cache *dvm.TemplateCache
}

// New returns an Executor sharing the given pool, catalog store, and
// delta-template cache (the cache is typically shared across every
// stream table the scheduler manages).
func New(pool *pgxpool.Pool, store *catalog.Store, cache *dvm.TemplateCache) *Executor {
	return &Executor{pool: pool, store: store, cache: cache}
}

// SelectAction implements the action-selection rule from spec.md §4.7:
// needs_reinit wins outright; otherwise NO_DATA when nothing changed
// upstream; otherwise the ST's configured mode.
func SelectAction(meta *catalog.StreamTableMeta, ranges []frontier.Range) Action {
	if meta.NeedsReinit {
		return ActionReinitialize
	}
	if !frontier.HasChanges(ranges) {
		return ActionNoData
	}
	if meta.RefreshMode == dag.RefreshFull {
		return ActionFull
	}
	return ActionDifferential
}

// NoOpProbe issues the fast EXISTS-union probe across every source buffer
// in range: if nothing exists in any of them, the caller can skip SQL
// generation entirely and return a (0,0) NO_DATA result.
func NoOpProbe(ctx context.Context, pool *pgxpool.Pool, changeSchema string, ranges []frontier.Range) (bool, error) {
	if len(ranges) == 0 {
		return false, nil
	}
	probes := make([]string, 0, len(ranges))
	args := make([]any, 0, len(ranges)*2)
	for i, r := range ranges {
		probes = append(probes, fmt.Sprintf(
			"SELECT 1 FROM %s.changes_%d WHERE lsn > $%d::pg_lsn AND lsn <= $%d::pg_lsn LIMIT 1",
			changeSchema, r.OID, i*2+1, i*2+2,
		))
		args = append(args, r.Prev.String(), r.New.String())
	}
	query := "SELECT EXISTS(" + joinUnionAll(probes) + ")"
	var exists bool
	if err := pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("no-op probe: %w", err)
	}
	return exists, nil
}

func joinUnionAll(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " UNION ALL " + p
	}
	return out
}

// HasTruncateMarker reports whether any source in range saw a TRUNCATE,
// forcing a FULL refresh for this cycle per spec.md's TRUNCATE-detection
// rule.
func HasTruncateMarker(ctx context.Context, pool *pgxpool.Pool, changeSchema string, ranges []frontier.Range) (bool, error) {
	for _, r := range ranges {
		found, err := cdc.HasTruncateMarker(ctx, pool, r.OID, changeSchema, r.Prev.String(), r.New.String())
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// ShouldFallbackToFull implements the adaptive FULL fallback: for each
// source, count changes in range (capped at ceil(reltuples*maxRatio)+1 to
// bound the scan), and fall back to FULL if any source's change count
// meets or exceeds maxRatio*tableSize.
func ShouldFallbackToFull(ctx context.Context, pool *pgxpool.Pool, changeSchema string, ranges []frontier.Range, maxRatio float64) (bool, error) {
	for _, r := range ranges {
		var reltuples float64
		if err := pool.QueryRow(ctx, `SELECT GREATEST(reltuples, 0) FROM pg_class WHERE oid = $1`, r.OID).Scan(&reltuples); err != nil {
			return false, fmt.Errorf("read reltuples for oid=%d: %w", r.OID, err)
		}
		cap := int64(math.Ceil(reltuples*maxRatio)) + 1
		var changeCount int64
		err := pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT count(*) FROM (SELECT 1 FROM %s.changes_%d WHERE lsn > $1::pg_lsn AND lsn <= $2::pg_lsn LIMIT $3) capped`,
			changeSchema, r.OID,
		), r.Prev.String(), r.New.String(), cap).Scan(&changeCount)
		if err != nil {
			return false, fmt.Errorf("count changes for oid=%d: %w", r.OID, err)
		}
		if float64(changeCount) >= maxRatio*reltuples {
			return true, nil
		}
	}
	return false, nil
}

// AdvanceAutoThreshold implements the per-ST auto-tuner update from
// spec.md §4.7: the ratio of incremental-refresh time to the last FULL
// refresh time nudges the change-ratio threshold up or down, clamped to
// [0.01, 0.80].
func AdvanceAutoThreshold(current float64, incrMS, lastFullMS float64) float64 {
	if lastFullMS <= 0 {
		return current
	}
	r := incrMS / lastFullMS
	next := current
	switch {
	case r >= 0.90:
		next = current * 0.80
	case r >= 0.70:
		next = current * 0.90
	case r <= 0.30:
		next = math.Min(current*1.10, 0.80)
	}
	if next < 0.01 {
		next = 0.01
	}
	if next > 0.80 {
		next = 0.80
	}
	return next
}

// SelectStrategy picks the delta application strategy: explicit DML when
// user triggers are attached (the only path that fires row-level
// triggers with correct TG_OP/OLD/NEW), prepared MERGE on a cache hit
// (the template was already generated and executed at least once), or a
// fresh MERGE otherwise.
func SelectStrategy(opts Options, cacheHit bool) Strategy {
	if opts.UserTriggersAttached {
		return StrategyExplicitDML
	}
	if cacheHit && opts.UsePreparedStatement {
		return StrategyPreparedMerge
	}
	return StrategyMerge
}

// PlannerHints returns the SET LOCAL statements to run before applying a
// delta of the given estimated size, per spec.md §4.7's planner-hints
// rule.
func PlannerHints(opts Options, estimatedRows int64) []string {
	if !opts.MergePlannerHints || estimatedRows < 100 {
		return nil
	}
	hints := []string{"SET LOCAL enable_nestloop = off"}
	if estimatedRows >= 10000 && opts.MergeWorkMemMB > 0 {
		hints = append(hints, fmt.Sprintf("SET LOCAL work_mem = '%dMB'", opts.MergeWorkMemMB))
	}
	return hints
}

// RunDifferential executes one differential refresh cycle: generates the
// delta (via the cache), applies planner hints, runs the MERGE, and
// returns the rows affected. The transaction boundary (and the
// pg_try_advisory_lock guard) is the caller's responsibility — the
// scheduler wraps one tick per ST in a single transaction per spec.md
// §4.8, and this function just executes the SQL within it.
func (e *Executor) RunDifferential(ctx context.Context, tx pgx.Tx, meta *catalog.StreamTableMeta, tree *optree.Node, prev, new *frontier.Frontier, opts Options) (Outcome, error) {
	result, err := dvm.GenerateCached(e.cache, meta.ID, meta.DefiningQuery, tree, prev, new, meta.Schema, meta.Name)
	if err != nil {
		return Outcome{}, err
	}

	var estimatedRows int64
	if opts.MergePlannerHints {
		for _, r := range frontier.RangesFrom(prev, new) {
			var n int64
			if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s.changes_%d WHERE lsn > $1::pg_lsn AND lsn <= $2::pg_lsn`, opts.ChangeSchema, r.OID), r.Prev.String(), r.New.String()).Scan(&n); err != nil {
				return Outcome{}, fmt.Errorf("estimate delta size: %w", err)
			}
			estimatedRows += n
		}
	}
	for _, hint := range PlannerHints(opts, estimatedRows) {
		if _, err := tx.Exec(ctx, hint); err != nil {
			return Outcome{}, fmt.Errorf("apply planner hint: %w", err)
		}
	}

	mergeSQL := buildMergeSQL(meta.QualifiedName(), result)
	tag, err := tx.Exec(ctx, mergeSQL)
	if err != nil {
		return Outcome{}, errkind.Newf(errkind.Retryable, "execute differential merge for %s: %w", meta.QualifiedName(), err)
	}

	return Outcome{
		Action:       ActionDifferential,
		Strategy:     StrategyMerge,
		RowsInserted: tag.RowsAffected(),
		NewFrontier:  new,
	}, nil
}

// RunFull executes a FULL (or REINITIALIZE) refresh: TRUNCATE the storage
// table and repopulate it by evaluating the defining query fresh, via
// dvm.GenerateFullSelect. User triggers are disabled around the
// TRUNCATE+INSERT per spec.md §4.7 — this path is a bulk rebuild, not the
// row-by-row DML that fires them correctly.
func (e *Executor) RunFull(ctx context.Context, tx pgx.Tx, meta *catalog.StreamTableMeta, tree *optree.Node, new *frontier.Frontier, opts Options) (Outcome, error) {
	full := dvm.GenerateFullSelect(tree, meta.DefiningQuery)
	qualifiedName := meta.QualifiedName()

	if opts.UserTriggersAttached {
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DISABLE TRIGGER USER", qualifiedName)); err != nil {
			return Outcome{}, errkind.Newf(errkind.Retryable, "disable user triggers on %s: %w", qualifiedName, err)
		}
		defer func() {
			_, _ = tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ENABLE TRIGGER USER", qualifiedName))
		}()
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", qualifiedName)); err != nil {
		return Outcome{}, errkind.Newf(errkind.Retryable, "truncate %s for full refresh: %w", qualifiedName, err)
	}

	insertCols := "__row_id"
	for _, c := range full.OutputColumns {
		insertCols += ", " + quoteIdent(c)
	}
	if full.HasCount {
		insertCols += ", " + quoteIdent("__count")
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) %s", qualifiedName, insertCols, full.SQL)
	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return Outcome{}, errkind.Newf(errkind.Retryable, "execute full refresh insert for %s: %w", qualifiedName, err)
	}

	return Outcome{
		Action:       ActionFull,
		Strategy:     StrategyExplicitDML,
		RowsInserted: tag.RowsAffected(),
		NewFrontier:  new,
	}, nil
}

// buildMergeSQL wraps a delta query in the MERGE statement from spec.md
// §4.7: DELETE on a 'D' action, UPDATE on 'I' when any column actually
// changed (IS DISTINCT FROM on every column), INSERT on 'I' with no
// existing match.
func buildMergeSQL(qualifiedName string, result *dvm.Result) string {
	setClause := ""
	distinctGuard := ""
	insertCols := "__row_id"
	insertVals := "delta.__pgt_row_id"
	for _, c := range result.OutputColumns {
		q := quoteIdent(c)
		setClause += fmt.Sprintf(", %s = delta.%s", q, q)
		distinctGuard += fmt.Sprintf(" OR target.%s IS DISTINCT FROM delta.%s", q, q)
		insertCols += ", " + q
		insertVals += ", delta." + q
	}
	if result.HasCount {
		// __count drives the next cycle's aggregate recomputation even when
		// every user-visible column happens to be unchanged this cycle, so
		// it's written unconditionally on every matched 'I' row.
		setClause += fmt.Sprintf(`, %s = delta.%s`, quoteIdent("__count"), quoteIdent("__pgt_count"))
		distinctGuard += fmt.Sprintf(` OR target.%s IS DISTINCT FROM delta.%s`, quoteIdent("__count"), quoteIdent("__pgt_count"))
		insertCols += ", " + quoteIdent("__count")
		insertVals += ", delta." + quoteIdent("__pgt_count")
	}
	if len(distinctGuard) > 4 {
		distinctGuard = distinctGuard[4:] // trim leading " OR "
	}
	return fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (%s) AS delta
		ON target.__row_id = delta.__pgt_row_id
		WHEN MATCHED AND delta.__pgt_action = 'D' THEN DELETE
		WHEN MATCHED AND delta.__pgt_action = 'I' AND (%s) THEN UPDATE SET %s
		WHEN NOT MATCHED AND delta.__pgt_action = 'I' THEN INSERT (%s) VALUES (%s)
	`, qualifiedName, result.SQL, distinctGuard, setClause[2:], insertCols, insertVals)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// Duration is a small helper so callers can record wall-clock timings in
// Outcome without importing time directly at every call site.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
