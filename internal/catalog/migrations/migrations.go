// Package migrations runs the pgtrickle schema's idempotent, existence-
// checked bootstrap migrations, the same ordered-function pattern as the
// teacher's internal/storage/dolt/migrations.go (there against MySQL's
// information_schema; here against Postgres's, via pgx instead of
// database/sql).
package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one named, idempotent schema change.
type Migration struct {
	Name string
	Func func(context.Context, *pgxpool.Pool) error
}

// All is the ordered list of migrations applied at daemon startup.
var All = []Migration{
	{"schema_and_extensions", migrateSchemaAndExtensions},
	{"stream_tables_table", migrateStreamTablesTable},
	{"dependencies_table", migrateDependenciesTable},
	{"refresh_history_table", migrateRefreshHistoryTable},
	{"refresh_history_indexes", migrateRefreshHistoryIndexes},
	{"ddl_hook_event_triggers", migrateDDLHookEventTriggers},
}

// Run executes every registered migration in order inside the pool's
// default connection; each migration checks its own preconditions before
// applying, so re-running Run against an already-migrated database is a
// no-op.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range All {
		if err := m.Func(ctx, pool); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, schema, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`, schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func indexExists(ctx context.Context, pool *pgxpool.Pool, schema, index string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = $1 AND indexname = $2
		)
	`, schema, index).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check index %s.%s: %w", schema, index, err)
	}
	return exists, nil
}

func migrateSchemaAndExtensions(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS pgtrickle;
		CREATE EXTENSION IF NOT EXISTS pgcrypto;
	`)
	if err != nil {
		return fmt.Errorf("create pgtrickle schema: %w", err)
	}
	return nil
}

func migrateStreamTablesTable(ctx context.Context, pool *pgxpool.Pool) error {
	exists, err := tableExists(ctx, pool, "pgtrickle", "stream_tables")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE pgtrickle.stream_tables (
			pgt_id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			pgt_relid          OID NOT NULL UNIQUE,
			pgt_name           TEXT NOT NULL,
			pgt_schema         TEXT NOT NULL,
			defining_query     TEXT NOT NULL,
			original_query     TEXT,
			schedule           TEXT,
			refresh_mode       TEXT NOT NULL DEFAULT 'DIFFERENTIAL'
			                   CHECK (refresh_mode IN ('FULL', 'DIFFERENTIAL')),
			status             TEXT NOT NULL DEFAULT 'INITIALIZING'
			                   CHECK (status IN ('INITIALIZING', 'ACTIVE', 'SUSPENDED', 'ERROR')),
			is_populated       BOOLEAN NOT NULL DEFAULT FALSE,
			data_timestamp     TIMESTAMPTZ,
			last_refresh_at    TIMESTAMPTZ,
			frontier           JSONB,
			consecutive_errors INT NOT NULL DEFAULT 0,
			needs_reinit       BOOLEAN NOT NULL DEFAULT FALSE,
			auto_threshold     DOUBLE PRECISION,
			last_full_ms       DOUBLE PRECISION,
			functions_used     TEXT[],
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX idx_stream_tables_schema_name
			ON pgtrickle.stream_tables (pgt_schema, pgt_name);
	`)
	if err != nil {
		return fmt.Errorf("create stream_tables: %w", err)
	}
	return nil
}

func migrateDependenciesTable(ctx context.Context, pool *pgxpool.Pool) error {
	exists, err := tableExists(ctx, pool, "pgtrickle", "dependencies")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE pgtrickle.dependencies (
			pgt_id                BIGINT NOT NULL REFERENCES pgtrickle.stream_tables(pgt_id) ON DELETE CASCADE,
			source_relid          OID NOT NULL,
			source_type           TEXT NOT NULL CHECK (source_type IN ('base_table', 'stream_table')),
			columns_used          TEXT[],
			column_snapshot       JSONB,
			schema_fingerprint    TEXT,
			cdc_mode              TEXT NOT NULL DEFAULT 'TRIGGER'
			                      CHECK (cdc_mode IN ('TRIGGER', 'TRANSITIONING', 'WAL')),
			slot_name             TEXT,
			decoder_confirmed_lsn TEXT,
			transition_started_at TIMESTAMPTZ,
			PRIMARY KEY (pgt_id, source_relid)
		);
		CREATE INDEX idx_dependencies_source_relid ON pgtrickle.dependencies (source_relid);
	`)
	if err != nil {
		return fmt.Errorf("create dependencies: %w", err)
	}
	return nil
}

func migrateRefreshHistoryTable(ctx context.Context, pool *pgxpool.Pool) error {
	exists, err := tableExists(ctx, pool, "pgtrickle", "refresh_history")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE pgtrickle.refresh_history (
			refresh_id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			pgt_id             BIGINT NOT NULL REFERENCES pgtrickle.stream_tables(pgt_id) ON DELETE CASCADE,
			data_timestamp     TIMESTAMPTZ NOT NULL,
			start_time         TIMESTAMPTZ NOT NULL DEFAULT now(),
			end_time           TIMESTAMPTZ,
			action             TEXT NOT NULL,
			rows_inserted      BIGINT NOT NULL DEFAULT 0,
			rows_deleted       BIGINT NOT NULL DEFAULT 0,
			error_message      TEXT,
			status             TEXT NOT NULL DEFAULT 'RUNNING'
			                   CHECK (status IN ('RUNNING', 'SUCCEEDED', 'FAILED')),
			initiated_by       TEXT,
			freshness_deadline TIMESTAMPTZ,
			delta_row_count    BIGINT NOT NULL DEFAULT 0,
			merge_strategy_used TEXT,
			was_full_fallback  BOOLEAN NOT NULL DEFAULT FALSE
		);
	`)
	if err != nil {
		return fmt.Errorf("create refresh_history: %w", err)
	}
	return nil
}

func migrateRefreshHistoryIndexes(ctx context.Context, pool *pgxpool.Pool) error {
	exists, err := indexExists(ctx, pool, "pgtrickle", "idx_refresh_history_pgt_id_start")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `
		CREATE INDEX idx_refresh_history_pgt_id_start
			ON pgtrickle.refresh_history (pgt_id, start_time DESC);
	`)
	if err != nil {
		return fmt.Errorf("create refresh_history indexes: %w", err)
	}
	return nil
}

func eventTriggerExists(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_event_trigger WHERE evtname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event trigger %s: %w", name, err)
	}
	return exists, nil
}

// migrateDDLHookEventTriggers installs the server-side half of
// internal/ddlhook's contract: a ddl_command_end event trigger fires on
// every completed DDL command, a sql_drop trigger fires on drops, and both
// call pg_notify('trickle_ddl', ...) with the JSON payload the ddlhook
// goroutine's Event type unmarshals.
func migrateDDLHookEventTriggers(ctx context.Context, pool *pgxpool.Pool) error {
	exists, err := eventTriggerExists(ctx, pool, "pg_trickle_ddl_end")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, `
		CREATE OR REPLACE FUNCTION pgtrickle.notify_ddl_command_end() RETURNS event_trigger
		LANGUAGE plpgsql AS $$
		DECLARE
			obj record;
		BEGIN
			FOR obj IN SELECT * FROM pg_event_trigger_ddl_commands() LOOP
				IF obj.object_type = 'table column' OR obj.command_tag IN ('ALTER TABLE', 'DROP TABLE') THEN
					PERFORM pg_notify('trickle_ddl', json_build_object(
						'source_oid', obj.objid,
						'command_tag', obj.command_tag,
						'alters_columns', obj.command_tag IN ('ALTER TABLE', 'DROP TABLE')
					)::text);
				END IF;
			END LOOP;
		END;
		$$;

		CREATE EVENT TRIGGER pg_trickle_ddl_end ON ddl_command_end
			WHEN TAG IN ('ALTER TABLE', 'DROP TABLE')
			EXECUTE FUNCTION pgtrickle.notify_ddl_command_end();

		CREATE OR REPLACE FUNCTION pgtrickle.notify_ddl_sql_drop() RETURNS event_trigger
		LANGUAGE plpgsql AS $$
		DECLARE
			obj record;
		BEGIN
			FOR obj IN SELECT * FROM pg_event_trigger_dropped_objects() LOOP
				IF obj.object_type = 'table' THEN
					PERFORM pg_notify('trickle_ddl', json_build_object(
						'source_oid', obj.objid,
						'command_tag', 'DROP TABLE',
						'alters_columns', true
					)::text);
				END IF;
			END LOOP;
		END;
		$$;

		CREATE EVENT TRIGGER pg_trickle_ddl_drop ON sql_drop
			EXECUTE FUNCTION pgtrickle.notify_ddl_sql_drop();
	`)
	if err != nil {
		return fmt.Errorf("create ddl hook event triggers: %w", err)
	}
	return nil
}
