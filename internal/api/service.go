// Package api implements the five user-callable operations spec.md §6
// names (create_stream_table, alter_stream_table, drop_stream_table,
// refresh_stream_table, and read-only status functions) as a plain Go
// library, the way the teacher's cmd/bd commands are thin wrappers over
// internal/storage: cmd/trickled's subcommands call straight into
// Service, and nothing in here knows about cobra or stdout formatting.
package api

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/config"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/refresh"
	"github.com/pgtrickle/trickled/internal/scheduler"
)

// Service wires the catalog, DAG validation, and refresh execution needed
// to implement the five operations. It shares its pool, store, template
// cache, and executor with the scheduler so a manual create/alter/refresh
// is immediately visible to the next scheduler tick.
type Service struct {
	pool     *pgxpool.Pool
	store    *catalog.Store
	cache    *dvm.TemplateCache
	executor *refresh.Executor
	resolver *scheduler.ColumnResolver
	cfg      *config.Config
	log      *slog.Logger
}

// New wires a Service from its dependencies.
func New(pool *pgxpool.Pool, store *catalog.Store, cache *dvm.TemplateCache, executor *refresh.Executor, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:     pool,
		store:    store,
		cache:    cache,
		executor: executor,
		resolver: scheduler.NewColumnResolver(pool),
		cfg:      cfg,
		log:      log,
	}
}

// changeSchema is the fixed schema CDC buffer tables live in, matching
// the migrations' CREATE SCHEMA pgtrickle.
const changeSchema = "pgtrickle"

// relidOf resolves the OID of a just-created or existing relation.
func relidOf(ctx context.Context, pool *pgxpool.Pool, schema, name string) (uint32, error) {
	var oid uint32
	err := pool.QueryRow(ctx, `
		SELECT c.oid FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`, schema, name).Scan(&oid)
	return oid, err
}
