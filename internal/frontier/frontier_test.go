package frontier

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGetLSNDefaultsToZero(t *testing.T) {
	f := New()
	if got := f.GetLSN(12345); got != ZeroLSN {
		t.Fatalf("GetLSN on unseen source = %v, want zero", got)
	}
}

func TestSetSourceThenGetLSN(t *testing.T) {
	f := New()
	ts := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	f.SetSource(12345, ParseLSN("0/1A2B3C"), ts)
	if got, want := f.GetLSN(12345), ParseLSN("0/1A2B3C"); got != want {
		t.Fatalf("GetLSN = %v, want %v", got, want)
	}
}

func TestMergeFromKeepsHigherLSN(t *testing.T) {
	f := New()
	ts := time.Now().UTC()
	f.SetSource(1, ParseLSN("0/100"), ts)

	other := New()
	other.SetSource(1, ParseLSN("0/50"), ts)
	f.MergeFrom(other)
	if got := f.GetLSN(1); got != ParseLSN("0/100") {
		t.Fatalf("MergeFrom regressed LSN: got %v", got)
	}

	other.SetSource(1, ParseLSN("0/200"), ts)
	f.MergeFrom(other)
	if got := f.GetLSN(1); got != ParseLSN("0/200") {
		t.Fatalf("MergeFrom did not advance to higher LSN: got %v", got)
	}
}

func TestFrontierJSONRoundTrip(t *testing.T) {
	f := New()
	f.SetSource(42, ParseLSN("1A/2B"), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f.DataTimestamp = time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Frontier
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.GetLSN(42) != f.GetLSN(42) {
		t.Fatalf("round trip LSN mismatch: got %v, want %v", out.GetLSN(42), f.GetLSN(42))
	}
	if !out.DataTimestamp.Equal(f.DataTimestamp) {
		t.Fatalf("round trip data timestamp mismatch: got %v, want %v", out.DataTimestamp, f.DataTimestamp)
	}
}

func TestLSNCompare(t *testing.T) {
	a := ParseLSN("0/10")
	b := ParseLSN("0/20")
	if !b.GreaterThan(a) {
		t.Fatal("0/20 should be greater than 0/10")
	}
	if a.GreaterThan(b) {
		t.Fatal("0/10 should not be greater than 0/20")
	}
	c := ParseLSN("1/0")
	if !c.GreaterThan(b) {
		t.Fatal("1/0 should be greater than 0/20 (hi dominates lo)")
	}
}

func TestSelectCanonicalPeriod(t *testing.T) {
	cases := []struct {
		schedule time.Duration
		want     time.Duration
	}{
		{60 * time.Second, 48 * time.Second},
		{120 * time.Second, 48 * time.Second},
		{200 * time.Second, 96 * time.Second},
		{400 * time.Second, 192 * time.Second},
		{800 * time.Second, 384 * time.Second},
	}
	for _, c := range cases {
		if got := SelectCanonicalPeriod(c.schedule); got != c.want {
			t.Errorf("SelectCanonicalPeriod(%v) = %v, want %v", c.schedule, got, c.want)
		}
	}
}

func TestSelectTargetDataTimestampCalculatedUsesMinUpstream(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	got := SelectTargetDataTimestamp(nil, []time.Time{newer, older}, time.Now())
	if !got.Equal(older) {
		t.Fatalf("CALCULATED target = %v, want min upstream %v", got, older)
	}
}

func TestHasChangesFalseWhenFrontierUnchanged(t *testing.T) {
	ranges := []Range{{OID: 1, Prev: ParseLSN("0/10"), New: ParseLSN("0/10")}}
	if HasChanges(ranges) {
		t.Fatal("expected no changes when prev == new")
	}
	ranges[0].New = ParseLSN("0/20")
	if !HasChanges(ranges) {
		t.Fatal("expected changes when new > prev")
	}
}
