package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AddDependency inserts a dependency edge from a stream table to one of its
// upstream sources.
func (s *Store) AddDependency(ctx context.Context, dep *Dependency) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pgtrickle.dependencies
			(pgt_id, source_relid, source_type, columns_used, column_snapshot,
			 schema_fingerprint, cdc_mode, slot_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (pgt_id, source_relid) DO UPDATE SET
			columns_used = EXCLUDED.columns_used,
			column_snapshot = EXCLUDED.column_snapshot,
			schema_fingerprint = EXCLUDED.schema_fingerprint
	`, dep.StreamTableID, dep.SourceRelid, dep.SourceType, dep.ColumnsUsed,
		dep.ColumnSnapshot, dep.SchemaFingerprint, string(dep.CDCMode), dep.SlotName)
	if err != nil {
		return fmt.Errorf("add dependency pgt_id=%d source_relid=%d: %w", dep.StreamTableID, dep.SourceRelid, err)
	}
	return nil
}

// UpdateCDCMode sets a dependency's cdc_mode column.
func (s *Store) UpdateCDCMode(ctx context.Context, streamTableID int64, sourceRelid uint32, mode CDCMode) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.dependencies SET cdc_mode = $1 WHERE pgt_id = $2 AND source_relid = $3
	`, string(mode), streamTableID, sourceRelid)
	if err != nil {
		return fmt.Errorf("update cdc_mode for pgt_id=%d source_relid=%d: %w", streamTableID, sourceRelid, err)
	}
	return nil
}

func scanDependency(row pgx.Row) (*Dependency, error) {
	var d Dependency
	var cdcMode string
	if err := row.Scan(
		&d.StreamTableID, &d.SourceRelid, &d.SourceType, &d.ColumnsUsed,
		&d.ColumnSnapshot, &d.SchemaFingerprint, &cdcMode, &d.SlotName,
		&d.DecoderConfirmedLSN, &d.TransitionStartedAt,
	); err != nil {
		return nil, err
	}
	d.CDCMode = ParseCDCMode(cdcMode)
	return &d, nil
}

const depColumns = `pgt_id, source_relid, source_type, columns_used,
	column_snapshot, coalesce(schema_fingerprint, ''), cdc_mode, coalesce(slot_name, ''),
	coalesce(decoder_confirmed_lsn, ''), transition_started_at`

// GetDependencies returns all upstream dependency edges for a stream table.
func (s *Store) GetDependencies(ctx context.Context, streamTableID int64) ([]*Dependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+depColumns+` FROM pgtrickle.dependencies WHERE pgt_id = $1
	`, streamTableID)
	if err != nil {
		return nil, fmt.Errorf("get dependencies for pgt_id=%d: %w", streamTableID, err)
	}
	defer rows.Close()

	var out []*Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency row for pgt_id=%d: %w", streamTableID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetAllDependencies returns every dependency edge in the catalog, used to
// build the full in-memory DAG at scheduler startup.
func (s *Store) GetAllDependencies(ctx context.Context) ([]*Dependency, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+depColumns+` FROM pgtrickle.dependencies`)
	if err != nil {
		return nil, fmt.Errorf("get all dependencies: %w", err)
	}
	defer rows.Close()

	var out []*Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetColumnSnapshot returns the stored column snapshot JSONB for schema
// comparison during DDL hook evaluation.
func (s *Store) GetColumnSnapshot(ctx context.Context, streamTableID int64, sourceRelid uint32) ([]byte, error) {
	var snap []byte
	err := s.pool.QueryRow(ctx, `
		SELECT column_snapshot FROM pgtrickle.dependencies WHERE pgt_id = $1 AND source_relid = $2
	`, streamTableID, sourceRelid).Scan(&snap)
	if err != nil {
		return nil, fmt.Errorf("get column snapshot for pgt_id=%d source_relid=%d: %w", streamTableID, sourceRelid, err)
	}
	return snap, nil
}

// RemoveDependenciesForStreamTable deletes every dependency edge for a
// stream table, used when the stream table is dropped.
func (s *Store) RemoveDependenciesForStreamTable(ctx context.Context, streamTableID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pgtrickle.dependencies WHERE pgt_id = $1`, streamTableID)
	if err != nil {
		return fmt.Errorf("remove dependencies for pgt_id=%d: %w", streamTableID, err)
	}
	return nil
}
