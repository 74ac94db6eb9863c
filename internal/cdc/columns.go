// Package cdc implements trigger-based change data capture: per-source
// change buffer tables plus PL/pgSQL AFTER triggers that populate them.
// Grounded directly on original_source/src/cdc.rs — the SQL templates here
// are the same statements, generated in Go and executed over pgx instead of
// through pgrx's SPI connection, matching this rewrite's standalone-daemon
// architecture.
package cdc

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ColumnDef is a (name, SQL type) pair for a source table column, resolved
// via format_type() so the type string includes modifiers (numeric,
// character varying(100), etc).
type ColumnDef struct {
	Name string
	Type string
}

// ResolveSourceColumnDefs returns the ordered, non-dropped, non-generated
// user columns of a source table.
func ResolveSourceColumnDefs(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32) ([]ColumnDef, error) {
	rows, err := pool.Query(ctx, `
		SELECT a.attname::text, format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		  AND a.attgenerated = ''
		ORDER BY a.attnum
	`, sourceOID)
	if err != nil {
		return nil, fmt.Errorf("resolve column defs for oid=%d: %w", sourceOID, err)
	}
	defer rows.Close()

	var cols []ColumnDef
	for rows.Next() {
		var c ColumnDef
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// ResolvePKColumns returns the primary key column names of a source table,
// in key order, or nil if the table has no primary key (S10, keyless
// tables — the CDC trigger falls back to an all-column content hash).
func ResolvePKColumns(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT a.attname::text
		FROM pg_constraint c
		JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = ANY(c.conkey)
		WHERE c.conrelid = $1 AND c.contype = 'p'
		ORDER BY array_position(c.conkey, a.attnum)
	`, sourceOID)
	if err != nil {
		return nil, fmt.Errorf("resolve pk columns for oid=%d: %w", sourceOID, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// buildPKHashTriggerExprs builds the PL/pgSQL expressions for computing
// pk_hash from NEW/OLD in the CDC trigger function: a single-column hash for
// a scalar PK, pg_trickle_hash_multi for a composite PK, and an all-column
// content hash for keyless tables (pkColumns empty).
func buildPKHashTriggerExprs(pkColumns []string, allColumns []ColumnDef) (newExpr, oldExpr string) {
	hashCols := pkColumns
	if len(hashCols) == 0 {
		hashCols = make([]string, len(allColumns))
		for i, c := range allColumns {
			hashCols[i] = c.Name
		}
	}
	if len(hashCols) == 0 {
		return "0", "0"
	}
	if len(hashCols) == 1 {
		col := quoteIdent(hashCols[0])
		return fmt.Sprintf("pgtrickle.pg_trickle_hash(NEW.%s::text)", col),
			fmt.Sprintf("pgtrickle.pg_trickle_hash(OLD.%s::text)", col)
	}
	newItems := make([]string, len(hashCols))
	oldItems := make([]string, len(hashCols))
	for i, c := range hashCols {
		q := quoteIdent(c)
		newItems[i] = fmt.Sprintf("NEW.%s::text", q)
		oldItems[i] = fmt.Sprintf("OLD.%s::text", q)
	}
	return fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s])", strings.Join(newItems, ", ")),
		fmt.Sprintf("pgtrickle.pg_trickle_hash_multi(ARRAY[%s])", strings.Join(oldItems, ", "))
}
