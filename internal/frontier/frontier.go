package frontier

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceMark is the per-source component of a Frontier: a version (LSN)
// paired with the wall-clock time it was sampled at.
type SourceMark struct {
	LSN        LSN       `json:"lsn"`
	SnapshotTS time.Time `json:"snapshot_ts"`
}

// Frontier is a per-source version vector plus an overall data timestamp,
// anchoring Delayed View Semantics: a stream table's contents equal its
// defining query evaluated at the frontier's data timestamp.
type Frontier struct {
	Sources       map[uint32]SourceMark `json:"sources"`
	DataTimestamp time.Time             `json:"data_timestamp"`
}

// New returns an empty frontier (every source at "0/0").
func New() *Frontier {
	return &Frontier{Sources: make(map[uint32]SourceMark)}
}

// GetLSN returns the last observed LSN for oid, or ZeroLSN ("0/0") if the
// source has never been recorded.
func (f *Frontier) GetLSN(oid uint32) LSN {
	if f == nil {
		return ZeroLSN
	}
	mark, ok := f.Sources[oid]
	if !ok {
		return ZeroLSN
	}
	return mark.LSN
}

// SetSource records the observed LSN and snapshot time for a source.
func (f *Frontier) SetSource(oid uint32, lsn LSN, ts time.Time) {
	if f.Sources == nil {
		f.Sources = make(map[uint32]SourceMark)
	}
	f.Sources[oid] = SourceMark{LSN: lsn, SnapshotTS: ts}
}

// MergeFrom folds other into f, keeping the higher LSN per source. Used
// when a stream table's frontier must account for more than one upstream
// contributor (e.g. recomputing a CALCULATED schedule).
func (f *Frontier) MergeFrom(other *Frontier) {
	if other == nil {
		return
	}
	if f.Sources == nil {
		f.Sources = make(map[uint32]SourceMark)
	}
	for oid, mark := range other.Sources {
		existing, ok := f.Sources[oid]
		if !ok || mark.LSN.GreaterThan(existing.LSN) {
			f.Sources[oid] = mark
		}
	}
	if other.DataTimestamp.After(f.DataTimestamp) {
		f.DataTimestamp = other.DataTimestamp
	}
}

// jsonSourceMark is the wire shape for SourceMark: LSNs serialize as their
// canonical "X/Y" text form so the JSON stays forward-compatible with the
// SQL-side pg_lsn representation rather than leaking the internal struct.
type jsonSourceMark struct {
	LSN        string    `json:"lsn"`
	SnapshotTS time.Time `json:"snapshot_ts"`
}

type jsonFrontier struct {
	Sources       map[string]jsonSourceMark `json:"sources"`
	DataTimestamp time.Time                 `json:"data_timestamp"`
}

// MarshalJSON implements the binary-safe, forward-compatible wire form
// stored in stream_tables.frontier.
func (f *Frontier) MarshalJSON() ([]byte, error) {
	jf := jsonFrontier{
		Sources:       make(map[string]jsonSourceMark, len(f.Sources)),
		DataTimestamp: f.DataTimestamp,
	}
	for oid, mark := range f.Sources {
		jf.Sources[fmt.Sprintf("%d", oid)] = jsonSourceMark{
			LSN:        mark.LSN.String(),
			SnapshotTS: mark.SnapshotTS,
		}
	}
	return json.Marshal(jf)
}

// UnmarshalJSON is the inverse of MarshalJSON. Unknown object keys are
// tolerated silently so the format can gain fields without breaking old
// frontiers (objects are forward-compatible per spec).
func (f *Frontier) UnmarshalJSON(data []byte) error {
	var jf jsonFrontier
	if err := json.Unmarshal(data, &jf); err != nil {
		return fmt.Errorf("unmarshal frontier: %w", err)
	}
	f.Sources = make(map[uint32]SourceMark, len(jf.Sources))
	f.DataTimestamp = jf.DataTimestamp
	for oidStr, mark := range jf.Sources {
		var oid uint32
		if _, err := fmt.Sscanf(oidStr, "%d", &oid); err != nil {
			return fmt.Errorf("unmarshal frontier: bad source oid %q: %w", oidStr, err)
		}
		f.Sources[oid] = SourceMark{LSN: ParseLSN(mark.LSN), SnapshotTS: mark.SnapshotTS}
	}
	return nil
}

// Range is the half-open LSN range (prev, new] for a single source,
// consumed by a differential refresh's scan delta.
type Range struct {
	OID       uint32
	Prev, New LSN
}

// RangesFrom computes the per-source consumption ranges between prev and
// new, restricted to sources present in new (a source dropped from new
// simply stops contributing deltas).
func RangesFrom(prev, new *Frontier) []Range {
	ranges := make([]Range, 0, len(new.Sources))
	for oid, newMark := range new.Sources {
		ranges = append(ranges, Range{
			OID:  oid,
			Prev: prev.GetLSN(oid),
			New:  newMark.LSN,
		})
	}
	return ranges
}

// HasChanges reports whether any range actually advanced: prev == new
// for every source means the fast no-op probe can skip SQL generation
// entirely.
func HasChanges(ranges []Range) bool {
	for _, r := range ranges {
		if r.New.GreaterThan(r.Prev) {
			return true
		}
	}
	return false
}
