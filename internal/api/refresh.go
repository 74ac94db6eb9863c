package api

import (
	"context"
	"fmt"
	"time"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/config"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/frontier"
	"github.com/pgtrickle/trickled/internal/optree"
	"github.com/pgtrickle/trickled/internal/refresh"
)

// RefreshResult reports the outcome of a manual refresh_stream_table call.
type RefreshResult struct {
	Action  refresh.Action
	Skipped bool // true: another session already holds this stream table's advisory lock
	Outcome refresh.Outcome
}

// RefreshStreamTable implements refresh_stream_table: a manual, immediate
// refresh that shares the scheduler's advisory-lock and transaction
// semantics. Per spec.md's advisory-lock-skip property, if another session
// (the scheduler or a concurrent manual call) already holds the lock this
// returns immediately with Skipped=true rather than blocking.
func (s *Service) RefreshStreamTable(ctx context.Context, schema, name string) (*RefreshResult, error) {
	if schema == "" {
		schema = "public"
	}

	meta, err := s.store.GetByName(ctx, schema, name)
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for manual refresh of %s.%s: %w", schema, name, err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, meta.ID).Scan(&acquired); err != nil {
		return nil, fmt.Errorf("advisory lock probe for %s.%s: %w", schema, name, err)
	}
	if !acquired {
		return &RefreshResult{Skipped: true}, nil
	}
	defer func() {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, meta.ID); err != nil {
			s.log.Warn("api: advisory unlock failed", "pgt_id", meta.ID, "error", err)
		}
	}()

	var lsnText string
	if err := conn.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&lsnText); err != nil {
		return nil, fmt.Errorf("sample current wal lsn for %s.%s: %w", schema, name, err)
	}
	newLSN := frontier.ParseLSN(lsnText)

	deps, err := s.store.GetDependencies(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies for %s.%s: %w", schema, name, err)
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
		return &RefreshResult{Action: action}, nil
	}

	opts := refresh.Options{
		ChangeSchema:         changeSchema,
		DifferentialMaxRatio: s.effectiveMaxRatio(meta),
		UserTriggersAttached: s.cfg.UserTriggers == config.UserTriggersOn,
		MergePlannerHints:    s.cfg.MergePlannerHints,
		MergeWorkMemMB:       s.cfg.MergeWorkMemMB,
		UsePreparedStatement: s.cfg.UsePreparedStatements,
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
		InitiatedBy:   "MANUAL",
	})
	if err != nil {
		return nil, fmt.Errorf("insert refresh_history for %s.%s: %w", schema, name, err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction for %s.%s: %w", schema, name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tree, err := optree.Analyze(meta.DefiningQuery, s.resolver)
	if err != nil {
		s.failManualRefresh(ctx, meta, historyID, err)
		return nil, err
	}

	start := time.Now()
	var outcome refresh.Outcome
	switch action {
	case refresh.ActionDifferential:
		outcome, err = s.executor.RunDifferential(ctx, tx, meta, tree, prev, newFrontier, opts)
	case refresh.ActionFull, refresh.ActionReinitialize:
		outcome, err = s.executor.RunFull(ctx, tx, meta, tree, newFrontier, opts)
	}
	if err != nil {
		s.failManualRefresh(ctx, meta, historyID, err)
		return nil, err
	}
	outcome.DurationMS = refresh.Duration(start)

	if _, err := s.store.StoreFrontierAndCompleteRefresh(ctx, meta.ID, newFrontier); err != nil {
		return nil, fmt.Errorf("persist frontier for %s.%s: %w", schema, name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit manual refresh of %s.%s: %w", schema, name, err)
	}
	committed = true

	wasFull := action == refresh.ActionFull || action == refresh.ActionReinitialize
	if err := s.store.CompleteRefreshHistory(ctx, historyID, "SUCCEEDED", outcome.RowsInserted, outcome.RowsDeleted, "",
		outcome.RowsInserted+outcome.RowsDeleted, string(outcome.Strategy), wasFull); err != nil {
		s.log.Warn("api: complete refresh_history failed", "pgt_id", meta.ID, "error", err)
	}

	if wasFull {
		full := outcome.DurationMS
		if err := s.store.UpdateAdaptiveThreshold(ctx, meta.ID, meta.AutoThreshold, &full); err != nil {
			s.log.Warn("api: record last_full_ms failed", "pgt_id", meta.ID, "error", err)
		}
	}

	return &RefreshResult{Action: action, Outcome: outcome}, nil
}

func (s *Service) failManualRefresh(ctx context.Context, meta *catalog.StreamTableMeta, historyID int64, err error) {
	if compErr := s.store.CompleteRefreshHistory(ctx, historyID, "FAILED", 0, 0, err.Error(), 0, "", false); compErr != nil {
		s.log.Warn("api: complete failed refresh_history failed", "pgt_id", meta.ID, "error", compErr)
	}
	if errkind.KindOf(err) == errkind.SchemaError {
		if markErr := s.store.MarkForReinitialize(ctx, meta.ID); markErr != nil {
			s.log.Error("api: mark for reinitialize failed", "pgt_id", meta.ID, "error", markErr)
		}
	}
}

// effectiveMaxRatio mirrors the scheduler's adaptive-threshold lookup so a
// manual refresh applies the same FULL-fallback ratio a scheduled one would.
func (s *Service) effectiveMaxRatio(meta *catalog.StreamTableMeta) float64 {
	if meta.AutoThreshold != nil {
		return *meta.AutoThreshold
	}
	return s.cfg.DifferentialMaxChangeRatio
}
