package dag

// Diamond is a detected diamond in the ST dependency graph: two or more
// paths from shared source(s) converge at a single fan-in stream table via
// different intermediate STs. Example: A -> B -> D and A -> C -> D converge
// at D, with shared source A and intermediates {B, C}.
type Diamond struct {
	Convergence   NodeID
	SharedSources []NodeID
	Intermediates []NodeID
}

// ConsistencyGroup is a set of stream tables that must refresh atomically
// (in one transaction, when diamond_consistency=atomic) to maintain
// cross-path consistency.
type ConsistencyGroup struct {
	// Members in topological order, convergence ST(s) last.
	Members []NodeID
	// ConvergencePoints are the fan-in ST(s) that required this group.
	ConvergencePoints []NodeID
	// Epoch advances on every successful group refresh.
	Epoch uint64
}

// IsSingleton reports whether the group is a single, non-diamond ST.
func (g *ConsistencyGroup) IsSingleton() bool { return len(g.Members) == 1 }

// AdvanceEpoch increments the group's epoch after a successful refresh.
func (g *ConsistencyGroup) AdvanceEpoch() { g.Epoch++ }

// DetectDiamonds finds every fan-in ST whose upstream branches share a
// common ancestor, merging diamonds whose intermediate sets overlap.
func (d *Dag) DetectDiamonds() []Diamond {
	var diamonds []Diamond

	for node := range d.allNodes {
		if node.Kind != StreamTableKind {
			continue
		}
		upstream := d.Upstream(node)
		if len(upstream) < 2 {
			continue
		}

		type branch struct {
			up        NodeID
			ancestors map[NodeID]struct{}
		}
		branches := make([]branch, 0, len(upstream))
		for _, up := range upstream {
			anc := make(map[NodeID]struct{})
			d.collectAncestors(up, anc)
			anc[up] = struct{}{}
			branches = append(branches, branch{up: up, ancestors: anc})
		}

		for i := 0; i < len(branches); i++ {
			for j := i + 1; j < len(branches); j++ {
				var shared []NodeID
				sharedSet := make(map[NodeID]struct{})
				for n := range branches[i].ancestors {
					if _, ok := branches[j].ancestors[n]; ok {
						shared = append(shared, n)
						sharedSet[n] = struct{}{}
					}
				}
				if len(shared) == 0 {
					continue
				}

				intermediateSet := make(map[NodeID]struct{})
				for n := range branches[i].ancestors {
					if _, ok := sharedSet[n]; !ok && n != node {
						intermediateSet[n] = struct{}{}
					}
				}
				for n := range branches[j].ancestors {
					if _, ok := sharedSet[n]; !ok && n != node {
						intermediateSet[n] = struct{}{}
					}
				}
				if _, ok := sharedSet[branches[i].up]; !ok {
					intermediateSet[branches[i].up] = struct{}{}
				}
				if _, ok := sharedSet[branches[j].up]; !ok {
					intermediateSet[branches[j].up] = struct{}{}
				}

				var intermediates []NodeID
				for n := range intermediateSet {
					if n.Kind == StreamTableKind {
						intermediates = append(intermediates, n)
					}
				}

				diamonds = append(diamonds, Diamond{
					Convergence:   node,
					SharedSources: shared,
					Intermediates: intermediates,
				})
			}
		}
	}

	return mergeOverlappingDiamonds(diamonds)
}

// mergeOverlappingDiamonds transitively merges diamonds whose Intermediates
// sets overlap, handling nested diamonds where two fan-in nodes share an
// intermediate ST.
func mergeOverlappingDiamonds(diamonds []Diamond) []Diamond {
	if len(diamonds) == 0 {
		return nil
	}

	groups := make([]map[NodeID]struct{}, len(diamonds))
	convergences := make([]map[NodeID]struct{}, len(diamonds))
	sharedSources := make([]map[NodeID]struct{}, len(diamonds))
	for i, dm := range diamonds {
		g := make(map[NodeID]struct{})
		for _, n := range dm.Intermediates {
			g[n] = struct{}{}
		}
		groups[i] = g
		convergences[i] = map[NodeID]struct{}{dm.Convergence: {}}
		ss := make(map[NodeID]struct{})
		for _, n := range dm.SharedSources {
			ss[n] = struct{}{}
		}
		sharedSources[i] = ss
	}

	parent := make([]int, len(diamonds))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < len(diamonds); i++ {
		for j := i + 1; j < len(diamonds); j++ {
			overlap := false
			for n := range groups[i] {
				if _, ok := groups[j][n]; ok {
					overlap = true
					break
				}
			}
			if overlap {
				union(i, j)
			}
		}
	}

	merged := make(map[int]*Diamond)
	for i := range diamonds {
		root := find(i)
		if merged[root] == nil {
			merged[root] = &Diamond{}
		}
		m := merged[root]
		m.Intermediates = unionNodeIDs(m.Intermediates, diamonds[i].Intermediates)
		m.SharedSources = unionNodeIDs(m.SharedSources, diamonds[i].SharedSources)
		// Convergence is singular per original diamond; a merged diamond may
		// legitimately have only one since group merging is driven by
		// overlapping intermediates, but keep the first seen as canonical
		// and fold the rest into the shared/intermediate sets above.
		if m.Convergence == (NodeID{}) {
			m.Convergence = diamonds[i].Convergence
		}
	}

	out := make([]Diamond, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	return out
}

func unionNodeIDs(a, b []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(a)+len(b))
	out := make([]NodeID, 0, len(a)+len(b))
	for _, n := range a {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for _, n := range b {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// ComputeConsistencyGroups builds the full partition of stream tables into
// consistency groups: one group per (possibly merged) diamond, plus a
// singleton group for every ST not involved in any diamond. Groups are
// returned in topological order of their first member.
func (d *Dag) ComputeConsistencyGroups() []ConsistencyGroup {
	diamonds := d.DetectDiamonds()

	nodeToGroup := make(map[NodeID]int)
	var groups []map[NodeID]struct{}
	var convergencePoints []map[NodeID]struct{}

	for _, dm := range diamonds {
		members := make(map[NodeID]struct{}, len(dm.Intermediates)+1)
		for _, n := range dm.Intermediates {
			members[n] = struct{}{}
		}
		members[dm.Convergence] = struct{}{}

		overlapSeen := make(map[int]struct{})
		for n := range members {
			if idx, ok := nodeToGroup[n]; ok {
				overlapSeen[idx] = struct{}{}
			}
		}

		if len(overlapSeen) == 0 {
			idx := len(groups)
			for n := range members {
				nodeToGroup[n] = idx
			}
			groups = append(groups, members)
			convergencePoints = append(convergencePoints, map[NodeID]struct{}{dm.Convergence: {}})
			continue
		}

		var targets []int
		for idx := range overlapSeen {
			targets = append(targets, idx)
		}
		target := targets[0]
		for n := range members {
			nodeToGroup[n] = target
			groups[target][n] = struct{}{}
		}
		convergencePoints[target][dm.Convergence] = struct{}{}
		for _, other := range targets[1:] {
			for n := range groups[other] {
				nodeToGroup[n] = target
				groups[target][n] = struct{}{}
			}
			for n := range convergencePoints[other] {
				convergencePoints[target][n] = struct{}{}
			}
			groups[other] = map[NodeID]struct{}{}
			convergencePoints[other] = map[NodeID]struct{}{}
		}
	}

	topoOrder, _ := d.TopologicalOrder()
	topoPos := make(map[NodeID]int, len(topoOrder))
	for i, n := range topoOrder {
		topoPos[n] = i
	}

	var result []ConsistencyGroup
	assigned := make(map[NodeID]struct{})

	for i, g := range groups {
		if len(g) == 0 {
			continue
		}
		members := make([]NodeID, 0, len(g))
		for n := range g {
			members = append(members, n)
			assigned[n] = struct{}{}
		}
		sortByTopoPos(members, topoPos)

		cps := make([]NodeID, 0, len(convergencePoints[i]))
		for n := range convergencePoints[i] {
			cps = append(cps, n)
		}

		result = append(result, ConsistencyGroup{
			Members:           members,
			ConvergencePoints: cps,
		})
	}

	for node := range d.allNodes {
		if node.Kind == StreamTableKind {
			if _, ok := assigned[node]; !ok {
				result = append(result, ConsistencyGroup{Members: []NodeID{node}})
			}
		}
	}

	sortGroupsByTopoPos(result, topoPos)
	return result
}

func sortByTopoPos(nodes []NodeID, pos map[NodeID]int) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && posOf(nodes[j-1], pos) > posOf(nodes[j], pos); j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

func sortGroupsByTopoPos(groups []ConsistencyGroup, pos map[NodeID]int) {
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && firstPos(groups[j-1], pos) > firstPos(groups[j], pos); j-- {
			groups[j-1], groups[j] = groups[j], groups[j-1]
		}
	}
}

func firstPos(g ConsistencyGroup, pos map[NodeID]int) int {
	if len(g.Members) == 0 {
		return int(^uint(0) >> 1)
	}
	return posOf(g.Members[0], pos)
}

func posOf(n NodeID, pos map[NodeID]int) int {
	if p, ok := pos[n]; ok {
		return p
	}
	return int(^uint(0) >> 1)
}
