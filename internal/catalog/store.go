package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/frontier"
)

// Store is the pgx-backed catalog access layer, the Go analogue of
// original_source/src/catalog.rs's SPI-backed StreamTableMeta/StDependency
// CRUD impls.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pgxpool.Pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const metaColumns = `pgt_id, pgt_relid, pgt_name, pgt_schema, defining_query,
	coalesce(original_query, ''), coalesce(schedule, ''), refresh_mode, status,
	is_populated, data_timestamp, last_refresh_at, consecutive_errors, needs_reinit,
	frontier, auto_threshold, last_full_ms, functions_used`

func scanMeta(row pgx.Row) (*StreamTableMeta, error) {
	var m StreamTableMeta
	var refreshModeStr, statusStr string
	var frontierJSON []byte
	if err := row.Scan(
		&m.ID, &m.Relid, &m.Name, &m.Schema, &m.DefiningQuery,
		&m.OriginalQuery, &m.Schedule, &refreshModeStr, &statusStr,
		&m.IsPopulated, &m.DataTimestamp, &m.LastRefreshAt, &m.ConsecutiveErrs, &m.NeedsReinit,
		&frontierJSON, &m.AutoThreshold, &m.LastFullMs, &m.FunctionsUsed,
	); err != nil {
		return nil, err
	}

	mode, err := dag.ParseRefreshMode(refreshModeStr)
	if err != nil {
		return nil, fmt.Errorf("stream table %d has corrupt refresh_mode: %w", m.ID, err)
	}
	m.RefreshMode = mode

	status, err := dag.ParseStatus(statusStr)
	if err != nil {
		return nil, fmt.Errorf("stream table %d has corrupt status: %w", m.ID, err)
	}
	m.Status = status

	if len(frontierJSON) > 0 {
		var f frontier.Frontier
		if err := json.Unmarshal(frontierJSON, &f); err != nil {
			return nil, fmt.Errorf("stream table %d has corrupt frontier: %w", m.ID, err)
		}
		m.Frontier = &f
	}
	return &m, nil
}

// Insert creates a new stream table catalog row and returns its assigned ID.
func (s *Store) Insert(ctx context.Context, m *StreamTableMeta) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pgtrickle.stream_tables
			(pgt_relid, pgt_name, pgt_schema, defining_query, original_query,
			 schedule, refresh_mode, functions_used)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING pgt_id
	`, m.Relid, m.Name, m.Schema, m.DefiningQuery, m.OriginalQuery,
		m.Schedule, m.RefreshMode.String(), m.FunctionsUsed).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errkind.Newf(errkind.AlreadyExists, "stream table %s.%s already exists", m.Schema, m.Name)
		}
		return 0, fmt.Errorf("insert stream table: %w", err)
	}
	return id, nil
}

// GetByName looks up a stream table by its schema-qualified name.
func (s *Store) GetByName(ctx context.Context, schema, name string) (*StreamTableMeta, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+metaColumns+`
		FROM pgtrickle.stream_tables
		WHERE pgt_schema = $1 AND pgt_name = $2
	`, schema, name)
	m, err := scanMeta(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errkind.Newf(errkind.NotFound, "stream table %s.%s not found", schema, name)
		}
		return nil, fmt.Errorf("get stream table %s.%s: %w", schema, name, err)
	}
	return m, nil
}

// GetByRelid looks up a stream table by its storage table OID.
func (s *Store) GetByRelid(ctx context.Context, relid uint32) (*StreamTableMeta, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+metaColumns+`
		FROM pgtrickle.stream_tables
		WHERE pgt_relid = $1
	`, relid)
	m, err := scanMeta(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errkind.Newf(errkind.NotFound, "stream table relid=%d not found", relid)
		}
		return nil, fmt.Errorf("get stream table relid=%d: %w", relid, err)
	}
	return m, nil
}

// GetByID looks up a stream table by its catalog ID.
func (s *Store) GetByID(ctx context.Context, id int64) (*StreamTableMeta, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+metaColumns+`
		FROM pgtrickle.stream_tables
		WHERE pgt_id = $1
	`, id)
	m, err := scanMeta(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errkind.Newf(errkind.NotFound, "stream table pgt_id=%d not found", id)
		}
		return nil, fmt.Errorf("get stream table pgt_id=%d: %w", id, err)
	}
	return m, nil
}

// GetAllActive returns every ACTIVE stream table; rows that fail to decode
// are skipped and logged by the caller rather than aborting the whole scan,
// matching the original's get_all_active tolerance for corrupted rows.
func (s *Store) GetAllActive(ctx context.Context) ([]*StreamTableMeta, []error) {
	return s.getAllByStatus(ctx, dag.StatusActive)
}

// GetAll returns every stream table regardless of status.
func (s *Store) GetAll(ctx context.Context) ([]*StreamTableMeta, []error) {
	rows, err := s.pool.Query(ctx, `SELECT `+metaColumns+` FROM pgtrickle.stream_tables`)
	if err != nil {
		return nil, []error{fmt.Errorf("list stream tables: %w", err)}
	}
	defer rows.Close()
	return collectMetaRows(rows)
}

func (s *Store) getAllByStatus(ctx context.Context, status dag.Status) ([]*StreamTableMeta, []error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metaColumns+` FROM pgtrickle.stream_tables WHERE status = $1
	`, status.String())
	if err != nil {
		return nil, []error{fmt.Errorf("list stream tables by status: %w", err)}
	}
	defer rows.Close()
	return collectMetaRows(rows)
}

func collectMetaRows(rows pgx.Rows) ([]*StreamTableMeta, []error) {
	var result []*StreamTableMeta
	var errs []error
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			errs = append(errs, fmt.Errorf("skipping corrupted stream table catalog row: %w", err))
			continue
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		errs = append(errs, err)
	}
	return result, errs
}

// FindByFunctionName returns the IDs of stream tables whose functions_used
// array contains funcName (case-insensitive), used by the DDL hook to
// determine which STs are affected by a CREATE OR REPLACE FUNCTION / DROP
// FUNCTION event.
func (s *Store) FindByFunctionName(ctx context.Context, funcName string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pgt_id FROM pgtrickle.stream_tables WHERE functions_used @> ARRAY[$1]::text[]
	`, strings.ToLower(funcName))
	if err != nil {
		return nil, fmt.Errorf("find stream tables by function: %w", err)
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

// UpdateStatus sets a stream table's status.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status dag.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.stream_tables SET status = $1, updated_at = now() WHERE pgt_id = $2
	`, status.String(), id)
	if err != nil {
		return fmt.Errorf("update status for pgt_id=%d: %w", id, err)
	}
	return nil
}

// UpdateSchedule sets a stream table's schedule text; an empty string
// switches it back to CALCULATED.
func (s *Store) UpdateSchedule(ctx context.Context, id int64, scheduleText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.stream_tables SET schedule = NULLIF($1, ''), updated_at = now() WHERE pgt_id = $2
	`, scheduleText, id)
	if err != nil {
		return fmt.Errorf("update schedule for pgt_id=%d: %w", id, err)
	}
	return nil
}

// UpdateRefreshMode switches a stream table between FULL and DIFFERENTIAL
// maintenance.
func (s *Store) UpdateRefreshMode(ctx context.Context, id int64, mode dag.RefreshMode) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.stream_tables SET refresh_mode = $1, updated_at = now() WHERE pgt_id = $2
	`, mode.String(), id)
	if err != nil {
		return fmt.Errorf("update refresh_mode for pgt_id=%d: %w", id, err)
	}
	return nil
}

// StoreFrontierAndCompleteRefresh persists the new frontier and marks the
// stream table ACTIVE/populated in one round trip, combining what the
// original did as three separate SPI calls (store_frontier, SELECT now(),
// update_after_refresh) into a single UPDATE ... RETURNING.
func (s *Store) StoreFrontierAndCompleteRefresh(ctx context.Context, id int64, f *frontier.Frontier) (dataTimestamp string, err error) {
	fjson, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal frontier: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE pgtrickle.stream_tables
		SET data_timestamp = now(), is_populated = true,
		    last_refresh_at = now(), consecutive_errors = 0,
		    status = 'ACTIVE', needs_reinit = false,
		    frontier = $2, updated_at = now()
		WHERE pgt_id = $1
		RETURNING data_timestamp::text
	`, id, fjson).Scan(&dataTimestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", errkind.Newf(errkind.NotFound, "stream table pgt_id=%d not found", id)
		}
		return "", fmt.Errorf("store frontier and complete refresh for pgt_id=%d: %w", id, err)
	}
	return dataTimestamp, nil
}

// IncrementErrors bumps consecutive_errors and returns the new count.
func (s *Store) IncrementErrors(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE pgtrickle.stream_tables
		SET consecutive_errors = consecutive_errors + 1, updated_at = now()
		WHERE pgt_id = $1
		RETURNING consecutive_errors
	`, id).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, errkind.Newf(errkind.NotFound, "stream table pgt_id=%d not found", id)
		}
		return 0, fmt.Errorf("increment errors for pgt_id=%d: %w", id, err)
	}
	return count, nil
}

// Delete removes a stream table's catalog row (dependencies and history
// cascade via FK).
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pgtrickle.stream_tables WHERE pgt_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stream table pgt_id=%d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errkind.Newf(errkind.NotFound, "stream table pgt_id=%d not found", id)
	}
	return nil
}

// MarkForReinitialize flags a stream table as needing a FULL rebuild, e.g.
// after an upstream DDL change the DDL hook determined was breaking.
func (s *Store) MarkForReinitialize(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.stream_tables SET needs_reinit = true, updated_at = now() WHERE pgt_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark pgt_id=%d for reinitialize: %w", id, err)
	}
	return nil
}

// UpdateAdaptiveThreshold records the adaptive fallback auto-tuner's new
// threshold and (optionally) the last observed FULL refresh duration.
func (s *Store) UpdateAdaptiveThreshold(ctx context.Context, id int64, autoThreshold *float64, lastFullMs *float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pgtrickle.stream_tables
		SET auto_threshold = $1,
		    last_full_ms = COALESCE($2, last_full_ms),
		    updated_at = now()
		WHERE pgt_id = $3
	`, autoThreshold, lastFullMs, id)
	if err != nil {
		return fmt.Errorf("update adaptive threshold for pgt_id=%d: %w", id, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
