package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryBaseInterval is the "base" in spec.md §7 kind 7's
// "attempt i waits base * 2^i ms" retryable-error backoff.
const retryBaseInterval = 500 * time.Millisecond

// retryMaxInterval bounds the backoff so a persistently flaky source
// doesn't push a stream table's retry delay out past its own schedule.
const retryMaxInterval = 5 * time.Minute

// retryState is one stream table's in-memory backoff state. Entirely
// process-local — a restart resets every ST to attempt zero, same as the
// teacher's in-memory debouncers carry no durable state across restarts.
type retryState struct {
	backoff     backoff.BackOff
	nextAllowed time.Time
	attempts    int
}

func newRetryState() *retryState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0 // never give up; suspension is the catalog's job, not backoff's
	return &retryState{backoff: b}
}

// retryTracker holds per-stream-table retry state across scheduler ticks.
type retryTracker struct {
	mu    sync.Mutex
	state map[int64]*retryState
}

func newRetryTracker() *retryTracker {
	return &retryTracker{state: make(map[int64]*retryState)}
}

// ShouldSkip reports whether id is still within its backoff window.
func (t *retryTracker) ShouldSkip(id int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[id]
	if !ok {
		return false
	}
	return now.Before(st.nextAllowed)
}

// RecordRetryableFailure advances id's backoff and returns the delay
// before it may be attempted again.
func (t *retryTracker) RecordRetryableFailure(id int64, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[id]
	if !ok {
		st = newRetryState()
		t.state[id] = st
	}
	delay := st.backoff.NextBackOff()
	st.attempts++
	st.nextAllowed = now.Add(delay)
	return delay
}

// RecordSuccess clears id's backoff state after a cycle that didn't hit a
// retryable error, whether it succeeded or failed for some other reason
// (non-retryable failures are tracked via consecutive_errors in the
// catalog instead).
func (t *retryTracker) RecordSuccess(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, id)
}

// Prune drops retry state for stream tables no longer present in the
// active set, per spec.md §4.8 step 5.
func (t *retryTracker) Prune(activeIDs map[int64]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.state {
		if _, ok := activeIDs[id]; !ok {
			delete(t.state, id)
		}
	}
}
