package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/cdc"
	"github.com/pgtrickle/trickled/internal/config"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/frontier"
	"github.com/pgtrickle/trickled/internal/optree"
	"github.com/pgtrickle/trickled/internal/refresh"
	"github.com/pgtrickle/trickled/internal/schedule"
)

// changeSchema is the fixed schema CDC buffer tables live in, matching
// the migrations' CREATE SCHEMA pgtrickle.
const changeSchema = "pgtrickle"

// Tick runs one full scheduler pass: reload the DAG if needed, then visit
// every consistency group in topological order, per spec.md §4.8. A
// singleton group (the common case, any ST with no diamond fan-in)
// refreshes through the same single-ST path as before. With
// diamond_consistency=atomic a multi-member group (a detected diamond)
// refreshes as one atomic unit so every branch that converges at the
// fan-in ST sees a mutually consistent frontier; with none its members
// refresh one by one through the single-ST path.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.reloadDagIfNeeded(ctx); err != nil {
		s.log.Error("scheduler: dag reload failed, using previous graph", "error", err)
	}

	groups := s.consistencyGroups()
	active := make(map[int64]struct{})
	for _, g := range groups {
		for _, m := range g.Members {
			active[m.ID] = struct{}{}
		}
	}
	s.retries.Prune(active)

	for _, g := range groups {
		if g.IsSingleton() || s.cfg.DiamondConsistency != config.DiamondConsistencyAtomic {
			for _, m := range g.Members {
				s.processOne(ctx, m.ID)
			}
			continue
		}
		s.processGroup(ctx, g)
	}
}

// consistencyGroups partitions every active stream table into
// ComputeConsistencyGroups' groups, each either a diamond-fan-in cluster
// that must refresh atomically or a singleton for everything else.
func (s *Scheduler) consistencyGroups() []dag.ConsistencyGroup {
	s.dagMu.RLock()
	defer s.dagMu.RUnlock()
	if s.graph == nil {
		return nil
	}
	return s.graph.ComputeConsistencyGroups()
}

// reloadDagIfNeeded rebuilds the in-memory DAG from the catalog when the
// shared delta-template cache generation has advanced since the last
// build, per spec.md §4.8 step 2 ("Reload the DAG if the shared
// cache-generation counter advanced").
func (s *Scheduler) reloadDagIfNeeded(ctx context.Context) error {
	gen := dvm.CacheGeneration()
	s.dagMu.RLock()
	stale := s.graph == nil || gen != s.lastDagGen
	s.dagMu.RUnlock()
	if !stale {
		return nil
	}

	graph, err := s.buildDag(ctx)
	if err != nil {
		return err
	}

	s.dagMu.Lock()
	s.graph = graph
	s.lastDagGen = gen
	s.dagMu.Unlock()
	return nil
}

func (s *Scheduler) buildDag(ctx context.Context) (*dag.Dag, error) {
	metas, errs := s.store.GetAll(ctx)
	for _, e := range errs {
		s.log.Warn("scheduler: corrupted catalog row skipped during dag build", "error", e)
	}

	graph := dag.New()
	for _, m := range metas {
		var sched *time.Duration
		if m.Schedule != "" {
			if parsed, err := schedule.Parse(m.Schedule, s.cfg.MinScheduleSeconds); err == nil && parsed.Kind == schedule.KindDuration {
				d := parsed.Duration
				sched = &d
			}
		}
		graph.AddStreamTableNode(dag.Node{
			ID:          dag.StreamTable(m.ID),
			Schedule:    sched,
			Name:        m.QualifiedName(),
			ScheduleRaw: m.Schedule,
		})
	}

	deps, err := s.store.GetAllDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("build dag: %w", err)
	}
	for _, d := range deps {
		source := dag.BaseTable(d.SourceRelid)
		if streamSourceID, ok := s.streamTableIDByRelid(metas, d.SourceRelid); ok {
			source = dag.StreamTable(streamSourceID)
		}
		graph.AddEdge(source, dag.StreamTable(d.StreamTableID))
	}

	graph.ResolveCalculatedSchedule(time.Duration(s.cfg.MinScheduleSeconds) * time.Second)
	return graph, nil
}

func (s *Scheduler) streamTableIDByRelid(metas []*catalog.StreamTableMeta, relid uint32) (int64, bool) {
	for _, m := range metas {
		if m.Relid == relid {
			return m.ID, true
		}
	}
	return 0, false
}

// processOne runs the per-ST body of spec.md §4.8 step 3: skip rules,
// advisory lock, refresh execution, history bookkeeping, and error
// classification. A failure processing one ST never aborts the tick for
// the rest — every error path here logs and returns rather than
// propagating.
func (s *Scheduler) processOne(ctx context.Context, id int64) {
	meta, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return // dropped since the dag was built
		}
		s.log.Error("scheduler: load stream table failed", "pgt_id", id, "error", err)
		return
	}

	if meta.Status != dag.StatusActive && meta.Status != dag.StatusInitializing {
		return
	}

	now := time.Now()
	if s.retries.ShouldSkip(id, now) {
		return
	}

	if !s.isDue(meta, now) && !meta.NeedsReinit {
		s.checkStaleData(ctx, meta, now)
		return
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.log.Error("scheduler: acquire connection failed", "pgt_id", id, "error", err)
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		s.log.Error("scheduler: advisory lock probe failed", "pgt_id", id, "error", err)
		return
	}
	if !acquired {
		return // another session is already refreshing this stream table
	}
	defer func() {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			s.log.Warn("scheduler: advisory unlock failed", "pgt_id", id, "error", err)
		}
	}()

	s.runRefresh(ctx, conn, meta)
}

func (s *Scheduler) isDue(meta *catalog.StreamTableMeta, now time.Time) bool {
	if meta.Schedule == "" {
		return true // CALCULATED: due whenever upstream has changes, decided by the no-op probe
	}
	parsed, err := schedule.Parse(meta.Schedule, s.cfg.MinScheduleSeconds)
	if err != nil {
		s.log.Warn("scheduler: stream table has an invalid stored schedule", "pgt_id", meta.ID, "schedule", meta.Schedule, "error", err)
		return true
	}
	if parsed.Kind == schedule.KindCron {
		var last time.Time
		if meta.LastRefreshAt != nil {
			last = *meta.LastRefreshAt
		}
		return parsed.IsDue(last, now)
	}
	if meta.LastRefreshAt == nil {
		return true
	}
	return now.Sub(*meta.LastRefreshAt) >= parsed.Duration
}

// checkStaleData emits a stale_data alert when this ST's most recent
// refresh's freshness_deadline has already passed without a new refresh
// completing — the condition spec.md's stale-data alert names.
func (s *Scheduler) checkStaleData(ctx context.Context, meta *catalog.StreamTableMeta, now time.Time) {
	rec, err := s.store.LatestRefresh(ctx, meta.ID)
	if err != nil || rec == nil || rec.FreshnessDeadline == nil {
		return
	}
	if now.Before(*rec.FreshnessDeadline) {
		return
	}
	if err := emitAlert(ctx, s.pool, AlertStaleData, meta.Schema, meta.Name, "", 0); err != nil {
		s.log.Warn("scheduler: emit stale_data alert failed", "pgt_id", meta.ID, "error", err)
	}
}

// memberPlan is the per-ST work a refresh body carries from planning
// (LSN sample, frontier diff, action selection) through execution
// (RunDifferential/RunFull against a shared tx) to post-commit bookkeeping.
// Splitting it out lets processOne and processGroup share the identical
// per-member body while differing only in how many members share one
// transaction.
type memberPlan struct {
	meta       *catalog.StreamTableMeta
	deps       []*catalog.Dependency
	prev       *frontier.Frontier
	newFr      *frontier.Frontier
	action     refresh.Action
	historyID  int64
	start      time.Time
	span       trace.Span
	outcome    refresh.Outcome
	wasFull    bool
}

// planMember samples the current LSN via conn, diffs frontiers, and selects
// a refresh action, returning nil (with no error) when there's nothing to
// do. This runs outside any transaction since it only reads catalog state
// and the server's current LSN.
func (s *Scheduler) planMember(ctx context.Context, conn *pgxpool.Conn, meta *catalog.StreamTableMeta) (*memberPlan, error) {
	var lsnText string
	if err := conn.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&lsnText); err != nil {
		return nil, fmt.Errorf("sample current wal lsn: %w", err)
	}
	newLSN := frontier.ParseLSN(lsnText)

	deps, err := s.store.GetDependencies(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}

	prev := meta.Frontier
	if prev == nil {
		prev = frontier.New()
	}
	now := time.Now()
	newFrontier := frontier.New()
	newFrontier.MergeFrom(prev)
	for _, d := range deps {
		newFrontier.SetSource(d.SourceRelid, newLSN, now)
	}
	newFrontier.DataTimestamp = now
	ranges := frontier.RangesFrom(prev, newFrontier)

	action := refresh.SelectAction(meta, ranges)
	if action == refresh.ActionNoData {
		return nil, nil
	}

	opts := refresh.Options{
		ChangeSchema:         changeSchema,
		DifferentialMaxRatio: s.effectiveMaxRatio(meta),
	}
	if action == refresh.ActionDifferential {
		if truncated, err := refresh.HasTruncateMarker(ctx, s.pool, opts.ChangeSchema, ranges); err == nil && truncated {
			action = refresh.ActionFull
		} else if fallback, err := refresh.ShouldFallbackToFull(ctx, s.pool, opts.ChangeSchema, ranges, opts.DifferentialMaxRatio); err == nil && fallback {
			action = refresh.ActionFull
		}
	}

	historyID, err := s.store.InsertRefreshHistory(ctx, &catalog.RefreshRecord{
		StreamTableID: meta.ID,
		DataTimestamp: now,
		Action:        string(action),
		Status:        "RUNNING",
		InitiatedBy:   "SCHEDULER",
	})
	if err != nil {
		return nil, fmt.Errorf("insert refresh_history: %w", err)
	}

	return &memberPlan{
		meta:      meta,
		deps:      deps,
		prev:      prev,
		newFr:     newFrontier,
		action:    action,
		historyID: historyID,
		start:     time.Now(),
		wasFull:   action == refresh.ActionFull || action == refresh.ActionReinitialize,
	}, nil
}

// runMember executes p's RunDifferential/RunFull against tx, which the
// caller has already begun (and, in the group path, already issued a
// SAVEPOINT on). It never begins, commits, or rolls back tx itself — the
// caller owns that, since the same body serves both the single-ST
// transaction in processOne and the shared group transaction in
// processGroup.
func (s *Scheduler) runMember(ctx context.Context, tx pgx.Tx, p *memberPlan) error {
	spanCtx, span := startRefreshSpan(ctx, p.meta.Schema, p.meta.Name)
	p.span = span
	p.start = time.Now()

	tree, err := optree.Analyze(p.meta.DefiningQuery, s.resolver)
	if err != nil {
		return err
	}

	opts := refresh.Options{
		ChangeSchema:         changeSchema,
		DifferentialMaxRatio: s.effectiveMaxRatio(p.meta),
		UserTriggersAttached: s.cfg.UserTriggers == config.UserTriggersOn,
		MergePlannerHints:    s.cfg.MergePlannerHints,
		MergeWorkMemMB:       s.cfg.MergeWorkMemMB,
		UsePreparedStatement: s.cfg.UsePreparedStatements,
	}

	var outcome refresh.Outcome
	switch p.action {
	case refresh.ActionDifferential:
		outcome, err = s.executor.RunDifferential(spanCtx, tx, p.meta, tree, p.prev, p.newFr, opts)
	case refresh.ActionFull, refresh.ActionReinitialize:
		outcome, err = s.executor.RunFull(spanCtx, tx, p.meta, tree, p.newFr, opts)
	}
	if err != nil {
		return err
	}
	outcome.DurationMS = refresh.Duration(p.start)
	p.outcome = outcome
	return nil
}

// finalizeMember runs every piece of post-commit bookkeeping spec.md §4.8
// and §4.7 attach to a successfully committed refresh: frontier/history
// persistence, the adaptive threshold, retry-state reset, and alerts. This
// always runs after the owning transaction (single-ST or group) has
// already committed, since none of it is itself transactional with the
// refresh (catalog.Store's own pool, independent of the caller's tx).
func (s *Scheduler) finalizeMember(ctx context.Context, p *memberPlan) {
	meta := p.meta
	if _, err := s.store.StoreFrontierAndCompleteRefresh(ctx, meta.ID, p.newFr); err != nil {
		s.log.Error("scheduler: persist frontier failed", "pgt_id", meta.ID, "error", err)
	}
	if err := s.store.CompleteRefreshHistory(ctx, p.historyID, "SUCCEEDED", p.outcome.RowsInserted, p.outcome.RowsDeleted, "",
		p.outcome.RowsInserted+p.outcome.RowsDeleted, string(p.outcome.Strategy), p.wasFull); err != nil {
		s.log.Warn("scheduler: complete refresh_history failed", "pgt_id", meta.ID, "error", err)
	}

	endRefreshSpan(p.span, nil)
	recordRefreshOutcome(ctx, meta.Schema, meta.Name, string(p.action), "succeeded", p.outcome.DurationMS, p.outcome.RowsInserted+p.outcome.RowsDeleted)

	s.advanceAutoThreshold(ctx, meta, p.wasFull, p.outcome.DurationMS)
	s.retries.RecordSuccess(meta.ID)

	if err := emitAlert(ctx, s.pool, AlertRefreshCompleted, meta.Schema, meta.Name, string(p.action), p.outcome.RowsInserted+p.outcome.RowsDeleted); err != nil {
		s.log.Warn("scheduler: emit refresh_completed alert failed", "pgt_id", meta.ID, "error", err)
	}
	if p.wasFull {
		if err := emitRefreshNotify(ctx, s.pool, meta.Schema, meta.Name); err != nil {
			s.log.Warn("scheduler: emit full-refresh notify failed", "pgt_id", meta.ID, "error", err)
		}
	}

	s.checkBufferGrowth(ctx, meta, p.deps)
}

// failMember records a member's failure against its own refresh_history row
// and span, per spec.md §7's error classification. Used both by the
// single-ST path and, per-member, by the group path — a member that fails
// inside a shared group transaction still gets its own failure
// classification even though the whole group's DML rolls back together.
func (s *Scheduler) failMember(ctx context.Context, p *memberPlan, err error) {
	s.finishFailed(ctx, p.meta, p.historyID, err)
	if p.span != nil {
		endRefreshSpan(p.span, err)
	}
	recordRefreshOutcome(ctx, p.meta.Schema, p.meta.Name, string(p.action), "failed", refresh.Duration(p.start), 0)
}

// runRefresh executes one refresh cycle for meta inside a single
// transaction on conn, per spec.md §4.8's "Each tick runs as one
// transaction" and "Release the lock whether success or failure" (the
// lock itself is released by the caller's defer; this function owns only
// the transaction and catalog bookkeeping).
func (s *Scheduler) runRefresh(ctx context.Context, conn *pgxpool.Conn, meta *catalog.StreamTableMeta) {
	plan, err := s.planMember(ctx, conn, meta)
	if err != nil {
		s.log.Error("scheduler: plan refresh failed", "pgt_id", meta.ID, "error", err)
		return
	}
	if plan == nil {
		return // no upstream changes to refresh
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		s.log.Error("scheduler: begin transaction failed", "pgt_id", meta.ID, "error", err)
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := s.runMember(ctx, tx, plan); err != nil {
		s.failMember(ctx, plan, err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Error("scheduler: commit refresh transaction failed", "pgt_id", meta.ID, "error", err)
		s.failMember(ctx, plan, err)
		return
	}
	committed = true

	s.finalizeMember(ctx, plan)
}

// processGroup refreshes every eligible member of a diamond consistency
// group as one atomic unit, per spec.md §4.8's note that a detected diamond
// must refresh its whole consistency group together so every branch that
// converges at the fan-in ST sees a mutually consistent frontier: all
// members' advisory locks are acquired up front (ID order, to avoid
// deadlocking against another tick or another diamond sharing a member),
// then every member runs inside its own SAVEPOINT within one shared
// transaction, in the group's topological order. Any single member's
// failure rolls back the whole group's DML — a partially applied diamond
// would leave the convergence point's refresh having seen only some of its
// upstream branches' changes, exactly the inconsistency this path exists to
// prevent — though each member still gets its own refresh_history/alert
// classification.
func (s *Scheduler) processGroup(ctx context.Context, group dag.ConsistencyGroup) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.log.Error("scheduler: acquire connection for group failed", "error", err)
		return
	}
	defer conn.Release()

	type eligible struct {
		id   int64
		meta *catalog.StreamTableMeta
	}
	var members []eligible
	for _, m := range group.Members {
		meta, err := s.store.GetByID(ctx, m.ID)
		if err != nil {
			if !errkind.Is(err, errkind.NotFound) {
				s.log.Error("scheduler: load group member failed", "pgt_id", m.ID, "error", err)
			}
			continue
		}
		if meta.Status != dag.StatusActive && meta.Status != dag.StatusInitializing {
			continue
		}
		now := time.Now()
		if s.retries.ShouldSkip(meta.ID, now) {
			continue
		}
		if !s.isDue(meta, now) && !meta.NeedsReinit {
			s.checkStaleData(ctx, meta, now)
			continue
		}
		members = append(members, eligible{id: m.ID, meta: meta})
	}
	if len(members) == 0 {
		return
	}

	// Acquire locks in ID-ascending order to avoid deadlocking against a
	// concurrent tick locking an overlapping set of members in a different
	// order, but keep members in the group's topological order for
	// execution below.
	byIDAsc := append([]eligible(nil), members...)
	sort.Slice(byIDAsc, func(i, j int) bool { return byIDAsc[i].id < byIDAsc[j].id })

	lockedSet := make(map[int64]struct{}, len(members))
	defer func() {
		for id := range lockedSet {
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
				s.log.Warn("scheduler: advisory unlock failed", "pgt_id", id, "error", err)
			}
		}
	}()
	for _, m := range byIDAsc {
		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, m.id).Scan(&acquired); err != nil {
			s.log.Error("scheduler: advisory lock probe failed", "pgt_id", m.id, "error", err)
			continue
		}
		if acquired {
			lockedSet[m.id] = struct{}{}
		}
	}

	var toRefresh []eligible
	for _, m := range members {
		if _, ok := lockedSet[m.id]; ok {
			toRefresh = append(toRefresh, m)
		}
	}
	if len(toRefresh) == 0 {
		return
	}

	plans := make([]*memberPlan, 0, len(toRefresh))
	for _, m := range toRefresh {
		p, err := s.planMember(ctx, conn, m.meta)
		if err != nil {
			s.log.Error("scheduler: plan group member refresh failed", "pgt_id", m.id, "error", err)
			continue
		}
		if p == nil {
			continue // no upstream changes for this member
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		s.log.Error("scheduler: begin group transaction failed", "error", err)
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var failed *memberPlan
	var failErr error
	for i, p := range plans {
		savepoint := fmt.Sprintf("group_member_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
			failed, failErr = p, fmt.Errorf("savepoint: %w", err)
			break
		}
		if err := s.runMember(ctx, tx, p); err != nil {
			failed, failErr = p, err
			break
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			failed, failErr = p, fmt.Errorf("release savepoint: %w", err)
			break
		}
	}

	if failed != nil {
		_ = tx.Rollback(ctx)
		committed = true // the deferred rollback already ran; don't double-rollback
		s.failMember(ctx, failed, failErr)
		for _, p := range plans {
			if p == failed {
				break
			}
			// These members' SAVEPOINTs succeeded but the whole group rolled
			// back for atomicity; their refresh_history RUNNING rows need to
			// reflect that too, not linger as orphaned RUNNING.
			s.failMember(ctx, p, fmt.Errorf("rolled back: sibling group member %s.%s failed: %w", failed.meta.Schema, failed.meta.Name, failErr))
		}
		return
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Error("scheduler: commit group transaction failed", "error", err)
		for _, p := range plans {
			s.failMember(ctx, p, err)
		}
		return
	}
	committed = true

	for _, p := range plans {
		s.finalizeMember(ctx, p)
	}
}

// advanceAutoThreshold updates a stream table's adaptive FULL-fallback
// threshold per spec.md §4.7's auto-tuner formula. A FULL refresh
// establishes the lastFullMs baseline; a DIFFERENTIAL refresh compares
// its duration against that baseline to nudge the threshold.
func (s *Scheduler) advanceAutoThreshold(ctx context.Context, meta *catalog.StreamTableMeta, wasFull bool, durationMS float64) {
	if wasFull {
		full := durationMS
		if err := s.store.UpdateAdaptiveThreshold(ctx, meta.ID, meta.AutoThreshold, &full); err != nil {
			s.log.Warn("scheduler: record last_full_ms failed", "pgt_id", meta.ID, "error", err)
		}
		return
	}
	if meta.LastFullMs == nil {
		return
	}
	current := s.effectiveMaxRatio(meta)
	next := refresh.AdvanceAutoThreshold(current, durationMS, *meta.LastFullMs)
	if next == current {
		return
	}
	if err := s.store.UpdateAdaptiveThreshold(ctx, meta.ID, &next, nil); err != nil {
		s.log.Warn("scheduler: update adaptive threshold failed", "pgt_id", meta.ID, "error", err)
	}
}

// finishFailed classifies err per spec.md §7 and applies the
// corresponding catalog/backoff update: retryable errors back off without
// counting toward suspension; schema errors mark needs_reinit and count;
// everything else counts toward consecutive_errors and may suspend.
func (s *Scheduler) finishFailed(ctx context.Context, meta *catalog.StreamTableMeta, historyID int64, err error) {
	kind := errkind.KindOf(err)
	if compErr := s.store.CompleteRefreshHistory(ctx, historyID, "FAILED", 0, 0, err.Error(), 0, "", false); compErr != nil {
		s.log.Warn("scheduler: complete failed refresh_history failed", "pgt_id", meta.ID, "error", compErr)
	}

	switch {
	case kind.IsRetryable():
		delay := s.retries.RecordRetryableFailure(meta.ID, time.Now())
		s.log.Warn("scheduler: retryable refresh error, backing off", "pgt_id", meta.ID, "delay", delay, "error", err)
		return

	case kind == errkind.SchemaError:
		if markErr := s.store.MarkForReinitialize(ctx, meta.ID); markErr != nil {
			s.log.Error("scheduler: mark for reinitialize failed", "pgt_id", meta.ID, "error", markErr)
		}
		s.bumpErrorsAndMaybeSuspend(ctx, meta)
		if alertErr := emitAlert(ctx, s.pool, AlertReinitializeNeeded, meta.Schema, meta.Name, err.Error(), 0); alertErr != nil {
			s.log.Warn("scheduler: emit reinitialize_needed alert failed", "pgt_id", meta.ID, "error", alertErr)
		}

	default:
		s.bumpErrorsAndMaybeSuspend(ctx, meta)
	}

	if alertErr := emitAlert(ctx, s.pool, AlertRefreshFailed, meta.Schema, meta.Name, err.Error(), 0); alertErr != nil {
		s.log.Warn("scheduler: emit refresh_failed alert failed", "pgt_id", meta.ID, "error", alertErr)
	}
}

func (s *Scheduler) bumpErrorsAndMaybeSuspend(ctx context.Context, meta *catalog.StreamTableMeta) {
	count, err := s.store.IncrementErrors(ctx, meta.ID)
	if err != nil {
		s.log.Error("scheduler: increment consecutive_errors failed", "pgt_id", meta.ID, "error", err)
		return
	}
	if count < s.cfg.MaxConsecutiveErrors {
		return
	}
	if err := s.store.UpdateStatus(ctx, meta.ID, dag.StatusSuspended); err != nil {
		s.log.Error("scheduler: auto-suspend failed", "pgt_id", meta.ID, "error", err)
		return
	}
	if err := emitAlert(ctx, s.pool, AlertAutoSuspended, meta.Schema, meta.Name, "", int64(count)); err != nil {
		s.log.Warn("scheduler: emit auto_suspended alert failed", "pgt_id", meta.ID, "error", err)
	}
}

// checkBufferGrowth emits a buffer_growth alert for any source whose
// change buffer exceeds buffer_alert_threshold, per spec.md's
// buffer_alert_threshold GUC.
func (s *Scheduler) checkBufferGrowth(ctx context.Context, meta *catalog.StreamTableMeta, deps []*catalog.Dependency) {
	for _, d := range deps {
		count, err := cdc.PendingChangeCount(ctx, s.pool, d.SourceRelid, changeSchema)
		if err != nil {
			continue
		}
		if count >= s.cfg.BufferAlertThreshold {
			if err := emitAlert(ctx, s.pool, AlertBufferGrowth, meta.Schema, meta.Name, fmt.Sprintf("source_relid=%d", d.SourceRelid), count); err != nil {
				s.log.Warn("scheduler: emit buffer_growth alert failed", "pgt_id", meta.ID, "error", err)
			}
		}
	}
}

// effectiveMaxRatio returns the stream table's adaptive threshold if the
// auto-tuner has set one, falling back to the configured default.
func (s *Scheduler) effectiveMaxRatio(meta *catalog.StreamTableMeta) float64 {
	if meta.AutoThreshold != nil {
		return *meta.AutoThreshold
	}
	return s.cfg.DifferentialMaxChangeRatio
}
