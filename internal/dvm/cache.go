// Package dvm is the differential view maintenance engine: it turns a
// stream table's defining query into a delta query that computes only
// the rows changed between two frontiers, grounded on
// original_source/src/dvm/mod.rs.
//
// The differential-computation framework follows the same line the
// original cites:
//   - Budiu et al. (2023), "DBSP: Automatic Incremental View Maintenance
//     for Rich Query Languages", PVLDB 16(7) — the Z-set (+1/-1
//     multiplicity) abstraction maps directly onto the __pgt_action
//     column the delta queries below produce.
//   - Gupta & Mumick (1995), "Maintenance of Materialized Views:
//     Problems, Techniques, and Applications", IEEE Data Eng. Bull.
//     18(2) — the per-operator differentiation rules in delta.go follow
//     section 3's derivation.
package dvm

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// cacheGeneration is bumped whenever DDL invalidates every cached
// template at once (e.g. a schema change to pgtrickle.pg_trickle_hash
// itself). The original keeps this in shared memory so every backend's
// thread-local cache notices the bump; a single long-running daemon has
// no per-connection thread-locals to reconcile, so one process-wide
// atomic counter serves the same role without the shmem plumbing.
var cacheGeneration atomic.Uint64

// BumpCacheGeneration invalidates every cached delta template process-wide.
func BumpCacheGeneration() {
	cacheGeneration.Add(1)
}

// CacheGeneration reads the current process-wide generation counter, used
// by the scheduler to decide whether its in-memory DAG needs a reload.
func CacheGeneration() uint64 {
	return cacheGeneration.Load()
}

// cachedTemplate is a delta SQL template with LSN placeholder tokens
// (__PREV_LSN_<oid>__ / __NEW_LSN_<oid>__) plus the metadata that
// stays stable across refreshes of the same defining query.
type cachedTemplate struct {
	queryHash      uint64
	sqlTemplate    string
	outputColumns  []string
	sourceOIDs     []uint32
	isDeduplicated bool
}

// TemplateCache is a per-stream-table cache of delta SQL templates, keyed
// by stream table ID, avoiding a reparse/redifferentiation of the defining
// query on every scheduler tick. Safe for concurrent use across the
// scheduler's worker goroutines.
type TemplateCache struct {
	mu        sync.RWMutex
	entries   map[int64]cachedTemplate
	localGen  atomic.Uint64
}

// NewTemplateCache returns an empty cache.
func NewTemplateCache() *TemplateCache {
	return &TemplateCache{entries: make(map[int64]cachedTemplate)}
}

// Invalidate drops the cached template for one stream table, e.g. after
// ALTER STREAM TABLE changes its defining query.
func (c *TemplateCache) Invalidate(streamTableID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, streamTableID)
}

func (c *TemplateCache) reconcileGeneration() {
	shared := cacheGeneration.Load()
	if c.localGen.Load() >= shared {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localGen.Load() < shared {
		c.entries = make(map[int64]cachedTemplate)
		c.localGen.Store(shared)
	}
}

func (c *TemplateCache) get(streamTableID int64, queryHash uint64) (cachedTemplate, bool) {
	c.reconcileGeneration()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[streamTableID]
	if !ok || entry.queryHash != queryHash {
		return cachedTemplate{}, false
	}
	return entry, true
}

func (c *TemplateCache) put(streamTableID int64, entry cachedTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[streamTableID] = entry
}

func hashQuery(s string) uint64 {
	return xxhash.Sum64String(s)
}
