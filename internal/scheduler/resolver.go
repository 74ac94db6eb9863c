package scheduler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtrickle/trickled/internal/errkind"
)

// ColumnResolver implements optree.ColumnResolver against the live
// pg_catalog, resolving a schema-qualified relation name to its OID and
// (if any) single- or multi-column primary key. Used to re-Analyze a
// stream table's defining query at tick time (and by internal/api at
// create/alter time) rather than persisting a serialized operator tree,
// since pg_catalog is always authoritative for whether a relation still
// exists and what its current primary key is.
type ColumnResolver struct {
	pool *pgxpool.Pool
}

// NewColumnResolver wraps pool as an optree.ColumnResolver.
func NewColumnResolver(pool *pgxpool.Pool) *ColumnResolver {
	return &ColumnResolver{pool: pool}
}

func (r *ColumnResolver) ResolveRelation(schema, name string) (uint32, []string, []string, error) {
	ctx := context.Background()

	var oid uint32
	err := r.pool.QueryRow(ctx, `
		SELECT c.oid
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`, schema, name).Scan(&oid)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil, nil, errkind.Newf(errkind.NotFound, "relation %s.%s not found", schema, name)
		}
		return 0, nil, nil, fmt.Errorf("resolve relation %s.%s: %w", schema, name, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`, oid)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("resolve primary key for %s.%s: %w", schema, name, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return 0, nil, nil, err
		}
		pk = append(pk, col)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, nil, err
	}

	colRows, err := r.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum
	`, oid)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("resolve columns for %s.%s: %w", schema, name, err)
	}
	defer colRows.Close()

	var cols []string
	for colRows.Next() {
		var col string
		if err := colRows.Scan(&col); err != nil {
			return 0, nil, nil, err
		}
		cols = append(cols, col)
	}
	return oid, pk, cols, colRows.Err()
}
