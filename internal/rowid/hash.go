// Package rowid computes the deterministic row identities used to match
// delta rows against stream table storage during MERGE.
package rowid

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// seed is fixed so that row ids are stable across refresh cycles, process
// restarts, and parallel sessions (spec testable property 3).
const seed = 0x517cc1b727220a95

// recordSeparator delimits fields passed to HashMulti. Using a byte outside
// the printable range means no combination of field values can be confused
// with the separator itself.
const recordSeparator = '\x1E'

// nullMarker is the encoding for a NULL field in HashMulti. It cannot be
// produced by concatenating any non-NULL text value, so a NULL key column
// never collides with the literal string "NULL".
const nullMarker = "\x00NULL\x00"

// Hash computes the 64-bit row identity of a single text image.
func Hash(s string) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.WriteString(s)
	return d.Sum64()
}

// HashMulti computes a 64-bit row identity over several text images,
// joined with a record separator. A nil entry in parts represents SQL NULL
// and is encoded with nullMarker rather than skipped or treated as empty
// string, so "a", NULL differs from "a", "".
func HashMulti(parts []*string) uint64 {
	if len(parts) == 1 {
		// Single-element consistency: HashMulti([a]) == Hash(a).
		if parts[0] == nil {
			return Hash(nullMarker)
		}
		return Hash(*parts[0])
	}

	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(recordSeparator)
		}
		if p == nil {
			b.WriteString(nullMarker)
		} else {
			b.WriteString(*p)
		}
	}
	return Hash(b.String())
}

// StringPtr is a small helper for building HashMulti argument lists from
// plain strings without repeating `&s` at every call site.
func StringPtr(s string) *string { return &s }
