package rowid

import "testing"

func TestHashDeterministic(t *testing.T) {
	if Hash("hello world") != Hash("hello world") {
		t.Fatal("Hash is not deterministic")
	}
}

func TestHashDifferentInputsDiffer(t *testing.T) {
	if Hash("hello") == Hash("world") {
		t.Fatal("distinct inputs hashed to the same value")
	}
}

func TestHashMultiSingleElementMatchesHash(t *testing.T) {
	a := "a"
	if got, want := HashMulti([]*string{&a}), Hash("a"); got != want {
		t.Fatalf("HashMulti([a]) = %d, want Hash(a) = %d", got, want)
	}
}

func TestHashMultiSeparatorPreventsCollision(t *testing.T) {
	ab, c := "ab", "c"
	a, bc := "a", "bc"
	h1 := HashMulti([]*string{&ab, &c})
	h2 := HashMulti([]*string{&a, &bc})
	if h1 == h2 {
		t.Fatal(`"ab","c" and "a","bc" collided: record separator not applied`)
	}
}

func TestHashMultiNullVsLiteralNull(t *testing.T) {
	literal := "NULL"
	withMarker := HashMulti([]*string{nil})
	withLiteral := HashMulti([]*string{&literal})
	if withMarker == withLiteral {
		t.Fatal("NULL marker collided with literal string \"NULL\"")
	}
}

func TestHashMultiNullPositionMatters(t *testing.T) {
	a, b := "a", "b"
	withNullFirst := HashMulti([]*string{nil, &a})
	withNullSecond := HashMulti([]*string{&a, nil})
	if withNullFirst == withNullSecond {
		t.Fatal("NULL position should affect the resulting hash")
	}
	_ = b
}

func TestStringPtrRoundTrip(t *testing.T) {
	p := StringPtr("x")
	if p == nil || *p != "x" {
		t.Fatal("StringPtr did not round-trip")
	}
}
