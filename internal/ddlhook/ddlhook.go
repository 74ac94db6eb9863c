// Package ddlhook is the receiving end of Postgres's DDL-change
// notifications. The actual hook lives server-side as event triggers
// installed by a catalog migration (ddl_command_end, sql_drop) that call
// pg_notify on a fixed channel; this package LISTENs on that channel via
// a dedicated connection and reacts by bumping the DVM template-cache
// generation counter and marking affected stream tables for
// reinitialization, closing the loop spec.md's component table describes
// as an external collaborator ("the host provides a hook").
package ddlhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/dvm"
)

// Channel is the fixed LISTEN/NOTIFY channel name the migration's event
// triggers publish on.
const Channel = "trickle_ddl"

// Event is the JSON payload a ddl_command_end/sql_drop event trigger
// publishes via pg_notify(Channel, ...).
type Event struct {
	SourceOID     uint32 `json:"source_oid"`
	CommandTag    string `json:"command_tag"`
	AltersColumns bool   `json:"alters_columns"`
}

// Listener owns a dedicated connection subscribed to Channel for the
// lifetime of the daemon.
type Listener struct {
	conn  *pgx.Conn
	store *catalog.Store
	cache *dvm.TemplateCache
	log   *slog.Logger
}

// New wraps an already-established LISTEN connection. The caller is
// responsible for issuing `LISTEN trickle_ddl` on conn before passing it
// here (keeping connection setup, which needs its own pgx.Connect call
// outside the pool, separate from this package's event-handling logic).
func New(conn *pgx.Conn, store *catalog.Store, cache *dvm.TemplateCache, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{conn: conn, store: store, cache: cache, log: log}
}

// Run blocks, processing notifications until ctx is canceled or the
// connection errors. The serve command runs this in its own goroutine
// alongside the scheduler.
func (l *Listener) Run(ctx context.Context) error {
	for {
		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt Event
		if err := json.Unmarshal([]byte(notification.Payload), &evt); err != nil {
			l.log.Warn("ddlhook: malformed notification payload", "error", err, "payload", notification.Payload)
			continue
		}
		l.react(ctx, evt)
	}
}

// react applies one DDL event: every schema change on a tracked source
// invalidates that source's cached delta templates. Bumping the
// process-wide generation counter is conservative — it flushes every
// stream table's cached template, not just the ones depending on
// evt.SourceOID — but DDL is rare enough that re-differentiating on the
// next refresh is cheap compared to tracking per-source invalidation
// sets. Column-altering DDL additionally marks every stream table
// depending on the source for reinitialization, since a dropped or
// retyped column can silently break a MERGE's column list.
func (l *Listener) react(ctx context.Context, evt Event) {
	dvm.BumpCacheGeneration()
	if !evt.AltersColumns {
		return
	}

	deps, err := l.store.GetAllDependencies(ctx)
	if err != nil {
		l.log.Warn("ddlhook: load dependencies failed", "source_oid", evt.SourceOID, "error", err)
		return
	}
	for _, d := range deps {
		if d.SourceRelid != evt.SourceOID {
			continue
		}
		if err := l.store.MarkForReinitialize(ctx, d.StreamTableID); err != nil {
			l.log.Warn("ddlhook: mark for reinitialize failed", "pgt_id", d.StreamTableID, "source_oid", evt.SourceOID, "error", err)
		}
	}
}
