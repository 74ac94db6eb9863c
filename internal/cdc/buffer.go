package cdc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateChangeBufferTable creates the append-only changes_<oid> table for a
// source: typed new_<col>/old_<col> pairs instead of JSONB, plus the
// covering (lsn, pk_hash, change_id) INCLUDE (action) index that supports
// both the LSN-range filter and the pk_hash-partitioned window scan the
// differential scan delta runs over.
func CreateChangeBufferTable(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string, columns []ColumnDef) error {
	var typedColDefs string
	for _, c := range columns {
		newCol := quoteIdent("new_" + c.Name)
		oldCol := quoteIdent("old_" + c.Name)
		typedColDefs += fmt.Sprintf(",%s %s,%s %s", newCol, c.Type, oldCol, c.Type)
	}

	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.changes_%d (
			change_id   BIGSERIAL,
			lsn         PG_LSN NOT NULL,
			action      CHAR(1) NOT NULL,
			pk_hash     BIGINT
			%s
		)
	`, changeSchema, sourceOID, typedColDefs)
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create change buffer table for oid=%d: %w", sourceOID, err)
	}

	idxSQL := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_changes_%d_lsn_pk_cid
			ON %s.changes_%d (lsn, pk_hash, change_id) INCLUDE (action)
	`, sourceOID, changeSchema, sourceOID)
	if _, err := pool.Exec(ctx, idxSQL); err != nil {
		return fmt.Errorf("create change buffer index for oid=%d: %w", sourceOID, err)
	}
	return nil
}

// DropChangeBufferTable drops a source's change buffer table.
func DropChangeBufferTable(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.changes_%d CASCADE", changeSchema, sourceOID))
	if err != nil {
		return fmt.Errorf("drop change buffer table for oid=%d: %w", sourceOID, err)
	}
	return nil
}

// PendingChangeCount counts rows currently buffered for a source, used for
// buffer_alert_threshold monitoring.
func PendingChangeCount(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string) (int64, error) {
	var count int64
	err := pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*)::bigint FROM %s.changes_%d", changeSchema, sourceOID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending changes for oid=%d: %w", sourceOID, err)
	}
	return count, nil
}

// DeleteConsumedChanges removes buffered rows in the LSN range
// (prevLSN, newLSN].
func DeleteConsumedChanges(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema, prevLSN, newLSN string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s.changes_%d WHERE lsn > $1::pg_lsn AND lsn <= $2::pg_lsn`,
		changeSchema, sourceOID,
	), prevLSN, newLSN)
	if err != nil {
		return fmt.Errorf("delete consumed changes for oid=%d: %w", sourceOID, err)
	}
	return nil
}

// TruncateChanges empties a source's change buffer entirely.
func TruncateChanges(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s.changes_%d", changeSchema, sourceOID))
	if err != nil {
		return fmt.Errorf("truncate changes for oid=%d: %w", sourceOID, err)
	}
	return nil
}

// HasTruncateMarker reports whether a TRUNCATE on the source occurred within
// the LSN range (prev, new]: the statement-level AFTER TRUNCATE trigger
// writes a single action='T' marker row that row-level triggers can never
// produce, so the refresh executor uses its presence to force a FULL
// refresh rather than attempt a (wrong) differential one.
func HasTruncateMarker(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema, prevLSN, newLSN string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(
			SELECT 1 FROM %s.changes_%d
			WHERE lsn > $1::pg_lsn AND lsn <= $2::pg_lsn AND action = 'T'
		)`, changeSchema, sourceOID,
	), prevLSN, newLSN).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check truncate marker for oid=%d: %w", sourceOID, err)
	}
	return exists, nil
}
