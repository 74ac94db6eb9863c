package schedule

import (
	"testing"
	"time"
)

func TestParseDurationUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":     30 * time.Second,
		"5m":      5 * time.Minute,
		"2h":      2 * time.Hour,
		"1d":      24 * time.Hour,
		"1w":      7 * 24 * time.Hour,
		"1h30m":   90 * time.Minute,
		"2m30s":   150 * time.Second,
		"1d12h":   36 * time.Hour,
		"60":      60 * time.Second,
		"0":       0,
		"  5m  ":  5 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDurationErrors(t *testing.T) {
	bad := []string{"", "   ", "5x", "m", "-60"}
	for _, in := range bad {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should have failed", in)
		}
	}
}

func TestParseEnforcesMinimum(t *testing.T) {
	if _, err := Parse("30s", 60); err == nil {
		t.Fatal("expected schedule below minimum to be rejected")
	}
	if _, err := Parse("60s", 60); err != nil {
		t.Fatalf("schedule at minimum should be accepted: %v", err)
	}
}

func TestParseCronDetection(t *testing.T) {
	s, err := Parse("*/5 * * * *", 60)
	if err != nil {
		t.Fatalf("Parse cron: %v", err)
	}
	if s.Kind != KindCron {
		t.Fatalf("expected KindCron, got %v", s.Kind)
	}
}

func TestParseCronDescriptorAlias(t *testing.T) {
	s, err := Parse("@hourly", 60)
	if err != nil {
		t.Fatalf("Parse @hourly: %v", err)
	}
	if s.Kind != KindCron {
		t.Fatalf("expected KindCron for @hourly, got %v", s.Kind)
	}
}

func TestIsDueNeverRefreshed(t *testing.T) {
	s, err := Parse("*/5 * * * *", 60)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsDue(time.Time{}, time.Now()) {
		t.Fatal("never-refreshed cron ST should be due")
	}
}

func TestIsDueRespectsNextOccurrence(t *testing.T) {
	s, err := Parse("0 0 * * *", 60) // daily at midnight
	if err != nil {
		t.Fatal(err)
	}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	justAfter := last.Add(time.Minute)
	if s.IsDue(last, justAfter) {
		t.Fatal("should not be due one minute after midnight refresh")
	}
	nextDay := time.Date(2026, 1, 2, 0, 0, 1, 0, time.UTC)
	if !s.IsDue(last, nextDay) {
		t.Fatal("should be due just after next midnight")
	}
}
