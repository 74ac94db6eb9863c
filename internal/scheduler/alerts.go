package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notify channels, per spec.md §6 "Notify channels".
const (
	ChannelAlert   = "stream_alert"
	ChannelRefresh = "stream_refresh"
)

// Alert is one of the six kinds emitted on ChannelAlert.
type Alert string

const (
	AlertAutoSuspended      Alert = "auto_suspended"
	AlertStaleData          Alert = "stale_data"
	AlertReinitializeNeeded Alert = "reinitialize_needed"
	AlertBufferGrowth       Alert = "buffer_growth"
	AlertRefreshCompleted   Alert = "refresh_completed"
	AlertRefreshFailed      Alert = "refresh_failed"
)

type alertPayload struct {
	Event     string `json:"event"`
	Schema    string `json:"pgs_schema"`
	Name      string `json:"pgs_name"`
	Detail    string `json:"detail,omitempty"`
	RowCount  int64  `json:"row_count,omitempty"`
}

// emitAlert publishes one JSON alert object on ChannelAlert via
// pg_notify. Notify failures are logged by the caller, not propagated,
// per spec.md's "errors for one ST never affect other STs' processing" —
// a failed NOTIFY must never fail the refresh it describes.
func emitAlert(ctx context.Context, pool *pgxpool.Pool, event Alert, schema, name, detail string, rowCount int64) error {
	payload := alertPayload{Event: string(event), Schema: schema, Name: name, Detail: detail, RowCount: rowCount}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	_, err = pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelAlert, string(body))
	if err != nil {
		return fmt.Errorf("notify %s: %w", ChannelAlert, err)
	}
	return nil
}

// emitRefreshNotify announces a completed FULL refresh on ChannelRefresh,
// the second channel spec.md §6 names ("A second channel (stream_refresh)
// announces FULL refreshes").
func emitRefreshNotify(ctx context.Context, pool *pgxpool.Pool, schema, name string) error {
	payload := alertPayload{Event: "full_refresh", Schema: schema, Name: name}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal refresh notify payload: %w", err)
	}
	_, err = pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelRefresh, string(body))
	if err != nil {
		return fmt.Errorf("notify %s: %w", ChannelRefresh, err)
	}
	return nil
}
