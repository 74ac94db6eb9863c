// Package dag is the in-memory dependency graph of stream tables and their
// upstream sources (base tables or other stream tables). It implements
// Kahn's algorithm for topological sort and cycle detection, CALCULATED
// schedule resolution, and diamond/consistency-group detection, grounded on
// the cycle-checking dependency graph in the teacher's
// internal/storage/dolt/dependencies.go (there expressed as a recursive SQL
// CTE; here as an explicit in-memory graph since the refresh scheduler
// needs repeated topological walks per tick, not a one-off check).
package dag

import (
	"fmt"
	"time"

	"github.com/pgtrickle/trickled/internal/errkind"
)

// NodeKind distinguishes the two kinds of graph node.
type NodeKind int

const (
	BaseTableKind NodeKind = iota
	StreamTableKind
)

// NodeID identifies a node: either a Postgres relation OID (base table) or
// a stream table catalog ID.
type NodeID struct {
	Kind NodeKind
	OID  uint32 // valid when Kind == BaseTableKind
	ID   int64  // valid when Kind == StreamTableKind
}

// BaseTable constructs a base-table node ID.
func BaseTable(oid uint32) NodeID { return NodeID{Kind: BaseTableKind, OID: oid} }

// StreamTable constructs a stream-table node ID.
func StreamTable(id int64) NodeID { return NodeID{Kind: StreamTableKind, ID: id} }

func (n NodeID) String() string {
	switch n.Kind {
	case BaseTableKind:
		return fmt.Sprintf("base_table(oid=%d)", n.OID)
	case StreamTableKind:
		return fmt.Sprintf("stream_table(id=%d)", n.ID)
	default:
		return "unknown_node"
	}
}

// Status is a stream table's lifecycle status.
type Status int

const (
	StatusInitializing Status = iota
	StatusActive
	StatusSuspended
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusActive:
		return "ACTIVE"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses a catalog status string.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "INITIALIZING":
		return StatusInitializing, nil
	case "ACTIVE":
		return StatusActive, nil
	case "SUSPENDED":
		return StatusSuspended, nil
	case "ERROR":
		return StatusError, nil
	default:
		return 0, errkind.Newf(errkind.InvalidArgument, "unknown status: %s", s)
	}
}

// RefreshMode selects FULL vs DIFFERENTIAL maintenance for a stream table.
type RefreshMode int

const (
	RefreshFull RefreshMode = iota
	RefreshDifferential
)

func (m RefreshMode) String() string {
	if m == RefreshFull {
		return "FULL"
	}
	return "DIFFERENTIAL"
}

// ParseRefreshMode accepts FULL, DIFFERENTIAL, and the deprecated alias
// INCREMENTAL (kept for backward compatibility with early callers of this
// API, the way the original prototype accepted it).
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch s {
	case "FULL", "full":
		return RefreshFull, nil
	case "DIFFERENTIAL", "differential":
		return RefreshDifferential, nil
	case "INCREMENTAL", "incremental":
		return RefreshDifferential, nil
	default:
		return 0, errkind.Newf(errkind.InvalidArgument, "unknown refresh mode: %s, must be FULL or DIFFERENTIAL", s)
	}
}

// Node holds metadata for a stream table node. Base table nodes carry no
// metadata beyond their NodeID.
type Node struct {
	ID NodeID
	// Schedule is the user-specified schedule; nil means CALCULATED.
	Schedule *time.Duration
	// EffectiveSchedule is the resolved schedule after CALCULATED resolution.
	EffectiveSchedule time.Duration
	Name              string
	Status            Status
	ScheduleRaw       string
}

// Dag is the in-memory dependency graph.
type Dag struct {
	edges        map[NodeID][]NodeID // source -> downstream STs
	reverseEdges map[NodeID][]NodeID // ST -> upstream sources
	nodes        map[NodeID]*Node    // ST metadata
	allNodes     map[NodeID]struct{}
}

// New returns an empty graph.
func New() *Dag {
	return &Dag{
		edges:        make(map[NodeID][]NodeID),
		reverseEdges: make(map[NodeID][]NodeID),
		nodes:        make(map[NodeID]*Node),
		allNodes:     make(map[NodeID]struct{}),
	}
}

// AddStreamTableNode registers (or replaces) a stream table's metadata.
func (d *Dag) AddStreamTableNode(n Node) {
	d.allNodes[n.ID] = struct{}{}
	nc := n
	d.nodes[n.ID] = &nc
}

// AddEdge records that downstream depends on source.
func (d *Dag) AddEdge(source, downstream NodeID) {
	d.allNodes[source] = struct{}{}
	d.allNodes[downstream] = struct{}{}
	d.edges[source] = append(d.edges[source], downstream)
	d.reverseEdges[downstream] = append(d.reverseEdges[downstream], source)
}

// Upstream returns the immediate upstream sources of node.
func (d *Dag) Upstream(node NodeID) []NodeID { return d.reverseEdges[node] }

// Downstream returns the immediate downstream dependents of node.
func (d *Dag) Downstream(node NodeID) []NodeID { return d.edges[node] }

// AllStreamTableNodes returns every registered stream table node's metadata.
func (d *Dag) AllStreamTableNodes() []*Node {
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// Node looks up a stream table's metadata by ID.
func (d *Dag) Node(id NodeID) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

func (d *Dag) nodeName(id NodeID) string {
	if n, ok := d.nodes[id]; ok {
		return n.Name
	}
	return id.String()
}

// topologicalSortInner runs Kahn's algorithm over the full graph (base
// tables and stream tables alike). Nodes absent from the returned slice
// (relative to allNodes) are part of a cycle.
func (d *Dag) topologicalSortInner() []NodeID {
	inDegree := make(map[NodeID]int, len(d.allNodes))
	for node := range d.allNodes {
		inDegree[node] = 0
	}
	for _, targets := range d.edges {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	queue := make([]NodeID, 0, len(inDegree))
	for node, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]NodeID, 0, len(d.allNodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)
		for _, down := range d.edges[node] {
			inDegree[down]--
			if inDegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}
	return result
}

// DetectCycles reports a *errkind.Error of kind Cycle naming the unresolved
// nodes if the graph is not a DAG.
func (d *Dag) DetectCycles() error {
	topo := d.topologicalSortInner()
	if len(topo) >= len(d.allNodes) {
		return nil
	}
	processed := make(map[NodeID]struct{}, len(topo))
	for _, n := range topo {
		processed[n] = struct{}{}
	}
	var names []string
	for n := range d.allNodes {
		if _, ok := processed[n]; !ok {
			names = append(names, d.nodeName(n))
		}
	}
	return errkind.Newf(errkind.Cycle, "dependency cycle detected among: %v", names)
}

// TopologicalOrder returns stream table nodes in upstream-first order. Base
// table nodes are excluded since they are never refreshed.
func (d *Dag) TopologicalOrder() ([]NodeID, error) {
	all := d.topologicalSortInner()
	if len(all) < len(d.allNodes) {
		if err := d.DetectCycles(); err != nil {
			return nil, err
		}
	}
	out := make([]NodeID, 0, len(d.nodes))
	for _, n := range all {
		if n.Kind == StreamTableKind {
			out = append(out, n)
		}
	}
	return out, nil
}

// ResolveCalculatedSchedule fixes up EffectiveSchedule for every node: nodes
// with an explicit Schedule use it verbatim; CALCULATED nodes (Schedule ==
// nil) take the minimum EffectiveSchedule of their immediate downstream
// dependents, falling back to fallback when they have none. Iterates to a
// fixed point since a CALCULATED node's value can depend on another
// CALCULATED node's freshly resolved value.
func (d *Dag) ResolveCalculatedSchedule(fallback time.Duration) {
	maxIterations := len(d.nodes) + 1
	for iter, changed := 0, true; changed && iter < maxIterations; iter++ {
		changed = false
		for id, node := range d.nodes {
			if node.Schedule != nil {
				if node.EffectiveSchedule != *node.Schedule {
					node.EffectiveSchedule = *node.Schedule
					changed = true
				}
				continue
			}
			min := fallback
			first := true
			for _, down := range d.edges[id] {
				dn, ok := d.nodes[down]
				if !ok {
					continue
				}
				if first || dn.EffectiveSchedule < min {
					min = dn.EffectiveSchedule
					first = false
				}
			}
			if node.EffectiveSchedule != min {
				node.EffectiveSchedule = min
				changed = true
			}
		}
	}
}

func (d *Dag) collectAncestors(node NodeID, ancestors map[NodeID]struct{}) {
	for _, up := range d.reverseEdges[node] {
		if _, seen := ancestors[up]; !seen {
			ancestors[up] = struct{}{}
			d.collectAncestors(up, ancestors)
		}
	}
}
