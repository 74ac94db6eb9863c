package dag

import (
	"testing"
	"time"
)

func TestTopologicalOrderSimpleChain(t *testing.T) {
	d := New()
	a := BaseTable(1)
	b := StreamTable(1)
	c := StreamTable(2)
	d.AddStreamTableNode(Node{ID: b, Name: "b"})
	d.AddStreamTableNode(Node{ID: c, Name: "c"})
	d.AddEdge(a, b)
	d.AddEdge(b, c)

	order, err := d.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if len(order) != 2 || order[0] != b || order[1] != c {
		t.Fatalf("order = %v, want [b c]", order)
	}
}

func TestDetectCyclesNoCycle(t *testing.T) {
	d := New()
	a, b := StreamTable(1), StreamTable(2)
	d.AddStreamTableNode(Node{ID: a, Name: "a"})
	d.AddStreamTableNode(Node{ID: b, Name: "b"})
	d.AddEdge(a, b)
	if err := d.DetectCycles(); err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}
}

func TestDetectCyclesFindsCycle(t *testing.T) {
	d := New()
	a, b := StreamTable(1), StreamTable(2)
	d.AddStreamTableNode(Node{ID: a, Name: "a"})
	d.AddStreamTableNode(Node{ID: b, Name: "b"})
	d.AddEdge(a, b)
	d.AddEdge(b, a)
	if err := d.DetectCycles(); err == nil {
		t.Fatal("expected a cycle to be detected")
	}
}

func TestResolveCalculatedScheduleUsesMinDownstream(t *testing.T) {
	d := New()
	five := 5 * time.Minute
	ten := 10 * time.Minute

	calc := StreamTable(1)
	downA := StreamTable(2)
	downB := StreamTable(3)

	d.AddStreamTableNode(Node{ID: calc, Name: "calc"}) // Schedule == nil => CALCULATED
	d.AddStreamTableNode(Node{ID: downA, Name: "downA", Schedule: &five, EffectiveSchedule: five})
	d.AddStreamTableNode(Node{ID: downB, Name: "downB", Schedule: &ten, EffectiveSchedule: ten})
	d.AddEdge(calc, downA)
	d.AddEdge(calc, downB)

	d.ResolveCalculatedSchedule(time.Hour)

	n, _ := d.Node(calc)
	if n.EffectiveSchedule != five {
		t.Fatalf("CALCULATED effective schedule = %v, want %v (min of downstream)", n.EffectiveSchedule, five)
	}
}

func TestResolveCalculatedScheduleFallbackWhenNoDownstream(t *testing.T) {
	d := New()
	calc := StreamTable(1)
	d.AddStreamTableNode(Node{ID: calc, Name: "calc"})
	d.ResolveCalculatedSchedule(42 * time.Second)
	n, _ := d.Node(calc)
	if n.EffectiveSchedule != 42*time.Second {
		t.Fatalf("fallback effective schedule = %v, want 42s", n.EffectiveSchedule)
	}
}

func TestDetectDiamonds(t *testing.T) {
	d := New()
	src := BaseTable(100)
	b := StreamTable(1)
	c := StreamTable(2)
	conv := StreamTable(3)
	for _, n := range []Node{{ID: b, Name: "b"}, {ID: c, Name: "c"}, {ID: conv, Name: "conv"}} {
		d.AddStreamTableNode(n)
	}
	d.AddEdge(src, b)
	d.AddEdge(src, c)
	d.AddEdge(b, conv)
	d.AddEdge(c, conv)

	diamonds := d.DetectDiamonds()
	if len(diamonds) != 1 {
		t.Fatalf("expected 1 diamond, got %d", len(diamonds))
	}
	if diamonds[0].Convergence != conv {
		t.Fatalf("convergence = %v, want %v", diamonds[0].Convergence, conv)
	}
}

func TestComputeConsistencyGroupsSingletonsForNonDiamondSTs(t *testing.T) {
	d := New()
	solo := StreamTable(9)
	d.AddStreamTableNode(Node{ID: solo, Name: "solo"})
	d.AddEdge(BaseTable(1), solo)

	groups := d.ComputeConsistencyGroups()
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if !groups[0].IsSingleton() {
		t.Fatal("expected singleton group for non-diamond ST")
	}
}

func TestComputeConsistencyGroupsMergesDiamondMembers(t *testing.T) {
	d := New()
	src := BaseTable(1)
	b, c, conv := StreamTable(1), StreamTable(2), StreamTable(3)
	for _, n := range []Node{{ID: b, Name: "b"}, {ID: c, Name: "c"}, {ID: conv, Name: "conv"}} {
		d.AddStreamTableNode(n)
	}
	d.AddEdge(src, b)
	d.AddEdge(src, c)
	d.AddEdge(b, conv)
	d.AddEdge(c, conv)

	groups := d.ComputeConsistencyGroups()
	var diamondGroup *ConsistencyGroup
	for i := range groups {
		if len(groups[i].Members) > 1 {
			diamondGroup = &groups[i]
		}
	}
	if diamondGroup == nil {
		t.Fatal("expected one multi-member consistency group")
	}
	if len(diamondGroup.Members) != 3 {
		t.Fatalf("expected 3 members (b, c, conv), got %d", len(diamondGroup.Members))
	}
	last := diamondGroup.Members[len(diamondGroup.Members)-1]
	if last != conv {
		t.Fatalf("convergence should sort last, got %v", last)
	}
}

func TestParseRefreshModeAcceptsDeprecatedIncremental(t *testing.T) {
	mode, err := ParseRefreshMode("INCREMENTAL")
	if err != nil {
		t.Fatalf("ParseRefreshMode: %v", err)
	}
	if mode != RefreshDifferential {
		t.Fatalf("INCREMENTAL should alias to DIFFERENTIAL, got %v", mode)
	}
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseStatus("BOGUS"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
