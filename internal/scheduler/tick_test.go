package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/config"
)

func newTestScheduler() *Scheduler {
	return &Scheduler{
		cfg:     &config.Config{MinScheduleSeconds: 30},
		log:     slog.Default(),
		retries: newRetryTracker(),
	}
}

func TestIsDueCalculatedScheduleAlwaysDue(t *testing.T) {
	s := newTestScheduler()
	meta := &catalog.StreamTableMeta{Schedule: ""}
	if !s.isDue(meta, time.Now()) {
		t.Fatal("a CALCULATED stream table should always be reported due")
	}
}

func TestIsDueDurationNeverRefreshed(t *testing.T) {
	s := newTestScheduler()
	meta := &catalog.StreamTableMeta{Schedule: "5m"}
	if !s.isDue(meta, time.Now()) {
		t.Fatal("a never-refreshed stream table should be due")
	}
}

func TestIsDueDurationNotYetElapsed(t *testing.T) {
	s := newTestScheduler()
	last := time.Now().Add(-1 * time.Minute)
	meta := &catalog.StreamTableMeta{Schedule: "5m", LastRefreshAt: &last}
	if s.isDue(meta, time.Now()) {
		t.Fatal("expected not due: only 1m elapsed of a 5m schedule")
	}
}

func TestIsDueDurationElapsed(t *testing.T) {
	s := newTestScheduler()
	last := time.Now().Add(-6 * time.Minute)
	meta := &catalog.StreamTableMeta{Schedule: "5m", LastRefreshAt: &last}
	if !s.isDue(meta, time.Now()) {
		t.Fatal("expected due: 6m elapsed of a 5m schedule")
	}
}

func TestIsDueCronNeverRefreshed(t *testing.T) {
	s := newTestScheduler()
	meta := &catalog.StreamTableMeta{Schedule: "0 * * * *"}
	if !s.isDue(meta, time.Now()) {
		t.Fatal("a never-refreshed cron stream table should be due")
	}
}

func TestEffectiveMaxRatioFallsBackToConfigDefault(t *testing.T) {
	s := newTestScheduler()
	s.cfg.DifferentialMaxChangeRatio = 0.15
	meta := &catalog.StreamTableMeta{}
	if got := s.effectiveMaxRatio(meta); got != 0.15 {
		t.Fatalf("got %v, want config default 0.15", got)
	}
}

func TestEffectiveMaxRatioPrefersAutoThreshold(t *testing.T) {
	s := newTestScheduler()
	s.cfg.DifferentialMaxChangeRatio = 0.15
	auto := 0.42
	meta := &catalog.StreamTableMeta{AutoThreshold: &auto}
	if got := s.effectiveMaxRatio(meta); got != 0.42 {
		t.Fatalf("got %v, want adaptive threshold 0.42", got)
	}
}

func TestStreamTableIDByRelidFindsMatch(t *testing.T) {
	s := newTestScheduler()
	metas := []*catalog.StreamTableMeta{
		{ID: 1, Relid: 100},
		{ID: 2, Relid: 200},
	}
	id, ok := s.streamTableIDByRelid(metas, 200)
	if !ok || id != 2 {
		t.Fatalf("got id=%d ok=%v, want id=2 ok=true", id, ok)
	}
	if _, ok := s.streamTableIDByRelid(metas, 999); ok {
		t.Fatal("expected no match for an unregistered relid")
	}
}
