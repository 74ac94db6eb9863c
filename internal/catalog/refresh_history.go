package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertRefreshHistory starts a new refresh_history row with status RUNNING
// and returns its ID; the caller completes it with CompleteRefreshHistory
// once the refresh finishes.
func (s *Store) InsertRefreshHistory(ctx context.Context, rec *RefreshRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pgtrickle.refresh_history
			(pgt_id, data_timestamp, action, status, rows_inserted, rows_deleted,
			 error_message, initiated_by, freshness_deadline, delta_row_count,
			 merge_strategy_used, was_full_fallback)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12)
		RETURNING refresh_id
	`, rec.StreamTableID, rec.DataTimestamp, rec.Action, rec.Status,
		rec.RowsInserted, rec.RowsDeleted, rec.ErrorMessage, rec.InitiatedBy,
		rec.FreshnessDeadline, rec.DeltaRowCount, rec.MergeStrategyUsed, rec.WasFullFallback).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert refresh_history for pgt_id=%d: %w", rec.StreamTableID, err)
	}
	return id, nil
}

// CompleteRefreshHistory sets end_time and the final outcome for a refresh
// that was started with InsertRefreshHistory.
func (s *Store) CompleteRefreshHistory(ctx context.Context, refreshID int64, status string, rowsInserted, rowsDeleted int64, errMsg string, deltaRowCount int64, mergeStrategy string, wasFullFallback bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.refresh_history
		SET end_time = now(), status = $1, rows_inserted = $2, rows_deleted = $3,
		    error_message = NULLIF($4, ''), delta_row_count = $5,
		    merge_strategy_used = NULLIF($6, ''), was_full_fallback = $7
		WHERE refresh_id = $8
	`, status, rowsInserted, rowsDeleted, errMsg, deltaRowCount, mergeStrategy, wasFullFallback, refreshID)
	if err != nil {
		return fmt.Errorf("complete refresh_history refresh_id=%d: %w", refreshID, err)
	}
	return nil
}

// LatestRefresh returns the most recent refresh_history row for a stream
// table, or nil if it has never been refreshed.
func (s *Store) LatestRefresh(ctx context.Context, streamTableID int64) (*RefreshRecord, error) {
	var rec RefreshRecord
	err := s.pool.QueryRow(ctx, `
		SELECT refresh_id, pgt_id, data_timestamp, start_time, end_time, action,
		       rows_inserted, rows_deleted, coalesce(error_message, ''), status,
		       coalesce(initiated_by, ''), freshness_deadline
		FROM pgtrickle.refresh_history
		WHERE pgt_id = $1
		ORDER BY start_time DESC
		LIMIT 1
	`, streamTableID).Scan(
		&rec.RefreshID, &rec.StreamTableID, &rec.DataTimestamp, &rec.StartTime, &rec.EndTime,
		&rec.Action, &rec.RowsInserted, &rec.RowsDeleted, &rec.ErrorMessage, &rec.Status,
		&rec.InitiatedBy, &rec.FreshnessDeadline,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest refresh for pgt_id=%d: %w", streamTableID, err)
	}
	return &rec, nil
}

// RecoverOrphanedRunning finds refresh_history rows still RUNNING (left
// behind by a crashed daemon process) older than olderThan and marks them
// FAILED, returning the affected stream table IDs so the scheduler can
// reset their in-memory state. Grounded on the daemon crash-recovery pass
// in the teacher's daemon_event_loop.go.
func (s *Store) RecoverOrphanedRunning(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE pgtrickle.refresh_history
		SET status = 'FAILED', end_time = now(),
		    error_message = 'recovered after process restart: refresh was left RUNNING'
		WHERE status = 'RUNNING' AND start_time < now() - $1::interval
		RETURNING pgt_id
	`, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("recover orphaned running refreshes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
