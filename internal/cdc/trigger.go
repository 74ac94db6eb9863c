package cdc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateChangeTrigger creates the per-column CDC trigger function and the
// AFTER INSERT/UPDATE/DELETE row trigger, plus the companion AFTER TRUNCATE
// statement trigger, on a source table. Returns the row trigger's name.
func CreateChangeTrigger(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string, pkColumns []string, columns []ColumnDef) (string, error) {
	triggerName := fmt.Sprintf("pg_trickle_cdc_%d", sourceOID)

	var sourceTable string
	if err := pool.QueryRow(ctx, `SELECT $1::oid::regclass::text`, sourceOID).Scan(&sourceTable); err != nil {
		return "", fmt.Errorf("resolve source table name for oid=%d: %w", sourceOID, err)
	}

	pkHashNew, pkHashOld := buildPKHashTriggerExprs(pkColumns, columns)

	var newColNames, oldColNames, newVals, oldVals string
	for _, c := range columns {
		newColNames += ",\"new_" + escapeIdentPart(c.Name) + "\""
		oldColNames += ",\"old_" + escapeIdentPart(c.Name) + "\""
		newVals += ",NEW.\"" + escapeIdentPart(c.Name) + "\""
		oldVals += ",OLD.\"" + escapeIdentPart(c.Name) + "\""
	}

	createFnSQL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s.pg_trickle_cdc_fn_%[2]d()
		RETURNS trigger LANGUAGE plpgsql AS $$
		BEGIN
			IF TG_OP = 'INSERT' THEN
				INSERT INTO %[1]s.changes_%[2]d
					(lsn, action, pk_hash%[3]s)
				VALUES (pg_current_wal_lsn(), 'I', %[5]s%[4]s);
				RETURN NEW;
			ELSIF TG_OP = 'UPDATE' THEN
				INSERT INTO %[1]s.changes_%[2]d
					(lsn, action, pk_hash%[3]s%[7]s)
				VALUES (pg_current_wal_lsn(), 'U', %[5]s%[4]s%[8]s);
				RETURN NEW;
			ELSIF TG_OP = 'DELETE' THEN
				INSERT INTO %[1]s.changes_%[2]d
					(lsn, action, pk_hash%[7]s)
				VALUES (pg_current_wal_lsn(), 'D', %[6]s%[8]s);
				RETURN OLD;
			END IF;
			RETURN NULL;
		END;
		$$
	`, changeSchema, sourceOID, newColNames, newVals, pkHashNew, pkHashOld, oldColNames, oldVals)

	if _, err := pool.Exec(ctx, createFnSQL); err != nil {
		return "", fmt.Errorf("create CDC trigger function for oid=%d: %w", sourceOID, err)
	}

	createTriggerSQL := fmt.Sprintf(
		`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s.pg_trickle_cdc_fn_%d()`,
		triggerName, sourceTable, changeSchema, sourceOID,
	)
	if _, err := pool.Exec(ctx, createTriggerSQL); err != nil {
		return "", fmt.Errorf("create CDC trigger on %s: %w", sourceTable, err)
	}

	truncateFnSQL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s.pg_trickle_cdc_truncate_fn_%[2]d()
		RETURNS trigger LANGUAGE plpgsql AS $$
		BEGIN
			INSERT INTO %[1]s.changes_%[2]d (lsn, action) VALUES (pg_current_wal_lsn(), 'T');
			RETURN NULL;
		END;
		$$
	`, changeSchema, sourceOID)
	if _, err := pool.Exec(ctx, truncateFnSQL); err != nil {
		return "", fmt.Errorf("create CDC TRUNCATE trigger function for oid=%d: %w", sourceOID, err)
	}

	truncateTriggerName := fmt.Sprintf("pg_trickle_cdc_truncate_%d", sourceOID)
	createTruncateTriggerSQL := fmt.Sprintf(
		`CREATE TRIGGER %s AFTER TRUNCATE ON %s FOR EACH STATEMENT EXECUTE FUNCTION %s.pg_trickle_cdc_truncate_fn_%d()`,
		truncateTriggerName, sourceTable, changeSchema, sourceOID,
	)
	if _, err := pool.Exec(ctx, createTruncateTriggerSQL); err != nil {
		return "", fmt.Errorf("create CDC TRUNCATE trigger on %s: %w", sourceTable, err)
	}

	return triggerName, nil
}

// DropChangeTrigger drops the row and TRUNCATE triggers and their backing
// functions for a source table. Best-effort: missing objects are tolerated
// (IF EXISTS) so a partially-torn-down source never blocks DROP STREAM TABLE.
func DropChangeTrigger(ctx context.Context, pool *pgxpool.Pool, sourceOID uint32, changeSchema string) error {
	triggerName := fmt.Sprintf("pg_trickle_cdc_%d", sourceOID)
	truncateTriggerName := fmt.Sprintf("pg_trickle_cdc_truncate_%d", sourceOID)

	var sourceTable string
	_ = pool.QueryRow(ctx, `SELECT $1::oid::regclass::text`, sourceOID).Scan(&sourceTable)

	if sourceTable != "" {
		_, _ = pool.Exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerName, sourceTable))
		_, _ = pool.Exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", truncateTriggerName, sourceTable))
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s.pg_trickle_cdc_fn_%d() CASCADE", changeSchema, sourceOID)); err != nil {
		return fmt.Errorf("drop CDC trigger function for oid=%d: %w", sourceOID, err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s.pg_trickle_cdc_truncate_fn_%d() CASCADE", changeSchema, sourceOID)); err != nil {
		return fmt.Errorf("drop CDC TRUNCATE trigger function for oid=%d: %w", sourceOID, err)
	}
	return nil
}

func escapeIdentPart(name string) string {
	out := ""
	for _, r := range name {
		if r == '"' {
			out += `""`
		} else {
			out += string(r)
		}
	}
	return out
}
