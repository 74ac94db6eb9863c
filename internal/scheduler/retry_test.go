package scheduler

import (
	"testing"
	"time"
)

func TestRetryTrackerShouldSkipUntilBackoffElapses(t *testing.T) {
	tr := newRetryTracker()
	now := time.Now()

	if tr.ShouldSkip(1, now) {
		t.Fatal("a stream table with no recorded failures should never be skipped")
	}

	delay := tr.RecordRetryableFailure(1, now)
	if delay <= 0 {
		t.Fatalf("expected a positive backoff delay, got %v", delay)
	}
	if !tr.ShouldSkip(1, now.Add(delay/2)) {
		t.Fatal("expected skip to hold mid-backoff")
	}
	if tr.ShouldSkip(1, now.Add(delay+time.Millisecond)) {
		t.Fatal("expected skip to clear once backoff has elapsed")
	}
}

func TestRetryTrackerBackoffDoubles(t *testing.T) {
	tr := newRetryTracker()
	now := time.Now()

	first := tr.RecordRetryableFailure(1, now)
	second := tr.RecordRetryableFailure(1, now)
	if second < first*2-time.Millisecond || second > first*2+time.Millisecond {
		t.Fatalf("expected backoff to double: first=%v second=%v", first, second)
	}
}

func TestRetryTrackerRecordSuccessClearsState(t *testing.T) {
	tr := newRetryTracker()
	now := time.Now()
	tr.RecordRetryableFailure(1, now)
	tr.RecordSuccess(1)
	if tr.ShouldSkip(1, now) {
		t.Fatal("expected no skip after RecordSuccess clears backoff state")
	}
}

func TestRetryTrackerPruneDropsInactiveEntries(t *testing.T) {
	tr := newRetryTracker()
	now := time.Now()
	tr.RecordRetryableFailure(1, now)
	tr.RecordRetryableFailure(2, now)

	tr.Prune(map[int64]struct{}{2: {}})

	if len(tr.state) != 1 {
		t.Fatalf("expected pruned state to have 1 entry, got %d", len(tr.state))
	}
	if _, ok := tr.state[1]; ok {
		t.Fatal("expected entry 1 to be pruned")
	}
	if _, ok := tr.state[2]; !ok {
		t.Fatal("expected entry 2 to survive pruning")
	}
}
