package refresh

import (
	"strings"
	"testing"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/frontier"
)

func TestSelectActionReinitializeWins(t *testing.T) {
	meta := &catalog.StreamTableMeta{NeedsReinit: true, RefreshMode: dag.RefreshDifferential}
	if got := SelectAction(meta, nil); got != ActionReinitialize {
		t.Fatalf("got %s, want REINITIALIZE", got)
	}
}

func TestSelectActionNoData(t *testing.T) {
	meta := &catalog.StreamTableMeta{RefreshMode: dag.RefreshDifferential}
	ranges := []frontier.Range{{OID: 1, Prev: frontier.LSN{Hi: 1}, New: frontier.LSN{Hi: 1}}}
	if got := SelectAction(meta, ranges); got != ActionNoData {
		t.Fatalf("got %s, want NO_DATA", got)
	}
}

func TestSelectActionDifferentialWhenChanged(t *testing.T) {
	meta := &catalog.StreamTableMeta{RefreshMode: dag.RefreshDifferential}
	ranges := []frontier.Range{{OID: 1, Prev: frontier.LSN{Hi: 1}, New: frontier.LSN{Hi: 2}}}
	if got := SelectAction(meta, ranges); got != ActionDifferential {
		t.Fatalf("got %s, want DIFFERENTIAL", got)
	}
}

func TestSelectActionFullMode(t *testing.T) {
	meta := &catalog.StreamTableMeta{RefreshMode: dag.RefreshFull}
	ranges := []frontier.Range{{OID: 1, Prev: frontier.LSN{Hi: 1}, New: frontier.LSN{Hi: 2}}}
	if got := SelectAction(meta, ranges); got != ActionFull {
		t.Fatalf("got %s, want FULL", got)
	}
}

func TestAdvanceAutoThresholdHighRatioLowersThreshold(t *testing.T) {
	got := AdvanceAutoThreshold(0.5, 950, 1000)
	if got >= 0.5 {
		t.Fatalf("expected threshold to drop for r=0.95, got %v", got)
	}
}

func TestAdvanceAutoThresholdLowRatioRaisesThreshold(t *testing.T) {
	got := AdvanceAutoThreshold(0.5, 100, 1000)
	want := 0.55
	if got < want-0.001 || got > want+0.001 {
		t.Fatalf("got %v, want ~%v", got, want)
	}
}

func TestAdvanceAutoThresholdClampsUpperBound(t *testing.T) {
	got := AdvanceAutoThreshold(0.79, 10, 1000)
	if got > 0.80 {
		t.Fatalf("expected clamp at 0.80, got %v", got)
	}
}

func TestAdvanceAutoThresholdClampsLowerBound(t *testing.T) {
	got := AdvanceAutoThreshold(0.02, 999, 1000)
	if got < 0.01 {
		t.Fatalf("expected clamp at 0.01, got %v", got)
	}
}

func TestAdvanceAutoThresholdNoLastFullIsNoop(t *testing.T) {
	if got := AdvanceAutoThreshold(0.5, 100, 0); got != 0.5 {
		t.Fatalf("expected no change without a prior FULL baseline, got %v", got)
	}
}

func TestSelectStrategyExplicitDMLWhenTriggersAttached(t *testing.T) {
	got := SelectStrategy(Options{UserTriggersAttached: true}, true)
	if got != StrategyExplicitDML {
		t.Fatalf("got %s, want explicit_dml", got)
	}
}

func TestSelectStrategyPreparedOnCacheHit(t *testing.T) {
	got := SelectStrategy(Options{UsePreparedStatement: true}, true)
	if got != StrategyPreparedMerge {
		t.Fatalf("got %s, want prepared_merge", got)
	}
}

func TestSelectStrategyPlainMergeByDefault(t *testing.T) {
	got := SelectStrategy(Options{}, false)
	if got != StrategyMerge {
		t.Fatalf("got %s, want merge", got)
	}
}

func TestPlannerHintsBelowThreshold(t *testing.T) {
	hints := PlannerHints(Options{MergePlannerHints: true}, 50)
	if len(hints) != 0 {
		t.Fatalf("expected no hints below 100 rows, got %v", hints)
	}
}

func TestPlannerHintsNestloopOnly(t *testing.T) {
	hints := PlannerHints(Options{MergePlannerHints: true, MergeWorkMemMB: 64}, 500)
	if len(hints) != 1 {
		t.Fatalf("expected exactly one hint for 500 rows, got %v", hints)
	}
}

func TestPlannerHintsWorkMemAtLargeDelta(t *testing.T) {
	hints := PlannerHints(Options{MergePlannerHints: true, MergeWorkMemMB: 64}, 20000)
	if len(hints) != 2 {
		t.Fatalf("expected nestloop + work_mem hints, got %v", hints)
	}
}

func TestPlannerHintsDisabled(t *testing.T) {
	hints := PlannerHints(Options{MergePlannerHints: false}, 20000)
	if len(hints) != 0 {
		t.Fatalf("expected no hints when disabled, got %v", hints)
	}
}

func TestBuildMergeSQLShape(t *testing.T) {
	result := &dvm.Result{SQL: "SELECT 1 AS __pgt_row_id, 'I' AS __pgt_action, 2 AS amount", OutputColumns: []string{"amount"}}
	sql := buildMergeSQL(`"public"."my_st"`, result)
	for _, want := range []string{"MERGE INTO", "WHEN MATCHED AND delta.__pgt_action = 'D' THEN DELETE", "WHEN NOT MATCHED AND delta.__pgt_action = 'I' THEN INSERT"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected merge SQL to contain %q, got %s", want, sql)
		}
	}
}
