// Package catalog is the typed storage layer over the pgtrickle schema:
// stream_tables, dependencies, and refresh_history. It mirrors the shape of
// original_source/src/catalog.rs's SPI-backed StreamTableMeta/StDependency/
// RefreshRecord abstractions, but talks to Postgres over
// github.com/jackc/pgx/v5 rather than PL/SPI, since this rewrite runs as a
// standalone daemon rather than a loadable extension. CRUD method shape
// (explicit pgxpool.Pool, context-first, %w-wrapped errors) follows the
// teacher's internal/storage/dolt layer.
package catalog

import (
	"time"

	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/frontier"
)

// CDCMode records which change-capture mechanism feeds a source dependency's
// buffer table.
type CDCMode string

const (
	CDCModeTrigger       CDCMode = "TRIGGER"
	CDCModeTransitioning CDCMode = "TRANSITIONING"
	CDCModeWAL           CDCMode = "WAL"
)

// ParseCDCMode parses a stored CDC mode string, defaulting unknown values to
// CDCModeTrigger the way the original prototype's from_str did.
func ParseCDCMode(s string) CDCMode {
	switch CDCMode(s) {
	case CDCModeTrigger, CDCModeTransitioning, CDCModeWAL:
		return CDCMode(s)
	default:
		return CDCModeTrigger
	}
}

// StreamTableMeta mirrors a row of pgtrickle.stream_tables.
type StreamTableMeta struct {
	ID              int64
	Relid           uint32
	Name            string
	Schema          string
	DefiningQuery   string
	OriginalQuery   string
	Schedule        string // raw schedule text; empty means CALCULATED
	RefreshMode     dag.RefreshMode
	Status          dag.Status
	IsPopulated     bool
	DataTimestamp   *time.Time
	LastRefreshAt   *time.Time
	ConsecutiveErrs int
	NeedsReinit     bool
	AutoThreshold   *float64
	LastFullMs      *float64
	FunctionsUsed   []string
	Frontier        *frontier.Frontier
}

// QualifiedName returns "schema.name".
func (m *StreamTableMeta) QualifiedName() string {
	return m.Schema + "." + m.Name
}

// Dependency mirrors a row of pgtrickle.dependencies: an edge from a stream
// table to one of its upstream sources.
type Dependency struct {
	StreamTableID         int64
	SourceRelid           uint32
	SourceType            string // "base_table" or "stream_table"
	ColumnsUsed           []string
	ColumnSnapshot        []byte // JSONB: [{"name":..,"type_oid":..,"ordinal":..}]
	SchemaFingerprint     string
	CDCMode               CDCMode
	SlotName              string
	DecoderConfirmedLSN   string
	TransitionStartedAt   *time.Time
}

// RefreshRecord mirrors a row of pgtrickle.refresh_history.
type RefreshRecord struct {
	RefreshID         int64
	StreamTableID     int64
	DataTimestamp     time.Time
	StartTime         time.Time
	EndTime           *time.Time
	Action            string // FULL, DIFFERENTIAL, REINITIALIZE
	RowsInserted      int64
	RowsDeleted       int64
	ErrorMessage      string
	Status            string // RUNNING, SUCCEEDED, FAILED
	InitiatedBy       string // SCHEDULER, MANUAL, INITIAL
	FreshnessDeadline *time.Time
	DeltaRowCount     int64
	MergeStrategyUsed string
	WasFullFallback   bool
}
