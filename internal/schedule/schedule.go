// Package schedule parses and evaluates stream table refresh schedules:
// either a Prometheus/GNU-style duration ("5m", "1h30m", a bare integer of
// seconds) or a cron expression. Grounded on original_source/src/api.rs's
// parse_duration/parse_schedule/cron_is_due, reimplemented with
// github.com/xhit/go-str2duration/v2 for duration parsing (it already
// supports d/w units, matching the original's unit set) and
// github.com/robfig/cron/v3 for cron parsing/evaluation in place of the
// original's croner crate.
package schedule

import (
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/robfig/cron/v3"

	"github.com/pgtrickle/trickled/internal/errkind"
)

// Kind distinguishes the two schedule forms.
type Kind int

const (
	KindDuration Kind = iota
	KindCron
)

// Schedule is a parsed refresh schedule: either a fixed duration or a cron
// expression.
type Schedule struct {
	Kind     Kind
	Duration time.Duration // valid when Kind == KindDuration
	CronExpr string        // valid when Kind == KindCron
	cronSpec cron.Schedule
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseDuration parses a Prometheus/GNU-style duration string into seconds,
// accepting the units s/m/h/d/w, compound forms like "1h30m", and bare
// integers as seconds.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, errkind.New(errkind.InvalidArgument, errStr("schedule cannot be empty"))
	}
	if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if secs < 0 {
			return 0, errkind.Newf(errkind.InvalidArgument, "schedule cannot be negative: %q", trimmed)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := str2duration.ParseDuration(trimmed)
	if err != nil {
		return 0, errkind.Newf(errkind.InvalidArgument,
			"invalid duration %q: use s/m/h/d/w units, e.g. '5m', '1h30m', '2d': %v", trimmed, err)
	}
	if d < 0 {
		return 0, errkind.Newf(errkind.InvalidArgument, "schedule cannot be negative: %q", trimmed)
	}
	return d, nil
}

// looksLikeCron reports whether s should be treated as a cron expression
// rather than a duration: a '@' prefix or the presence of a space, which
// never appears in a duration string.
func looksLikeCron(s string) bool {
	return strings.HasPrefix(s, "@") || strings.Contains(s, " ")
}

// Parse parses a schedule string as either a duration or a cron expression,
// validating against minScheduleSeconds for duration schedules (cron
// schedules are not subject to the minimum since their cadence isn't known
// until evaluated).
func Parse(s string, minScheduleSeconds int) (*Schedule, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, errkind.New(errkind.InvalidArgument, errStr("schedule cannot be empty"))
	}

	if looksLikeCron(trimmed) {
		spec, err := cronParser.Parse(trimmed)
		if err != nil {
			return nil, errkind.Newf(errkind.InvalidArgument, "invalid cron expression %q: %v", trimmed, err)
		}
		return &Schedule{Kind: KindCron, CronExpr: trimmed, cronSpec: spec}, nil
	}

	d, err := ParseDuration(trimmed)
	if err != nil {
		return nil, err
	}
	if int(d/time.Second) < minScheduleSeconds {
		return nil, errkind.Newf(errkind.InvalidArgument,
			"schedule must be at least %ds, got %ds", minScheduleSeconds, int(d/time.Second))
	}
	return &Schedule{Kind: KindDuration, Duration: d}, nil
}

// IsDue reports whether a cron-scheduled ST is due for refresh: true when
// lastRefresh is the zero Time (never refreshed) or now is at/after the
// next occurrence following lastRefresh.
func (s *Schedule) IsDue(lastRefresh, now time.Time) bool {
	if s.Kind != KindCron {
		return false
	}
	if lastRefresh.IsZero() {
		return true
	}
	next := s.cronSpec.Next(lastRefresh)
	return !now.Before(next)
}

type errStr string

func (e errStr) Error() string { return string(e) }
