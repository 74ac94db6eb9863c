package frontier

import "time"

// canonicalBasePeriod is the smallest canonical period, 48 seconds
// (48 * 2^0). Canonical periods align data timestamps to clean boundaries
// so that two STs refreshed at slightly different wall-clock moments still
// agree on "the same" data timestamp when their schedules are compatible.
const canonicalBasePeriod = 48 * time.Second

// SelectCanonicalPeriod returns the largest period p = 48*2^k seconds such
// that p <= schedule/2, or 48s when schedule/2 is shorter than 48s.
func SelectCanonicalPeriod(schedule time.Duration) time.Duration {
	half := schedule / 2
	period := canonicalBasePeriod
	result := period
	for period <= half {
		result = period
		period *= 2
	}
	return result
}

// AlignToPeriod floors now to the nearest period boundary since the Unix
// epoch.
func AlignToPeriod(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	secs := now.Unix()
	periodSecs := int64(period / time.Second)
	aligned := (secs / periodSecs) * periodSecs
	return time.Unix(aligned, 0).UTC()
}

// SelectTargetDataTimestamp picks the target data timestamp for a refresh.
// STs with an explicit duration schedule align to a canonical period; a
// CALCULATED ST (schedule == nil) uses the minimum of its upstream STs'
// data timestamps, falling back to now when it has no upstream (a
// CALCULATED ST with no upstream is degenerate but must still make
// progress).
func SelectTargetDataTimestamp(schedule *time.Duration, upstream []time.Time, now time.Time) time.Time {
	if schedule != nil {
		period := SelectCanonicalPeriod(*schedule)
		return AlignToPeriod(now, period)
	}
	if len(upstream) == 0 {
		return now
	}
	min := upstream[0]
	for _, ts := range upstream[1:] {
		if ts.Before(min) {
			min = ts
		}
	}
	return min
}
