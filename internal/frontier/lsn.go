package frontier

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a parsed PostgreSQL log sequence number, "X/Y" in hex. Keeping it
// as a (hi, lo) pair rather than folding into a single uint64 up front
// matches how pg_lsn actually prints and avoids silently overflowing on the
// rare but legal X values near the top of the 32-bit range.
type LSN struct {
	Hi, Lo uint32
}

// ZeroLSN is the frontier value for a source that has never been observed.
var ZeroLSN = LSN{}

// ParseLSN parses a "X/Y" formatted LSN string. An unparsable string
// degrades to ZeroLSN rather than erroring, matching the host's "0/0"
// default for unseen sources.
func ParseLSN(s string) LSN {
	hi, lo, ok := splitLSN(s)
	if !ok {
		return ZeroLSN
	}
	return LSN{Hi: hi, Lo: lo}
}

func splitLSN(s string) (hi, lo uint32, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	l, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(h), uint32(l), true
}

// String renders the canonical "X/Y" form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.Hi, l.Lo)
}

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater than
// other, comparing (Hi, Lo) lexicographically.
func (l LSN) Compare(other LSN) int {
	switch {
	case l.Hi != other.Hi:
		if l.Hi < other.Hi {
			return -1
		}
		return 1
	case l.Lo != other.Lo:
		if l.Lo < other.Lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// GreaterThan reports whether l > other.
func (l LSN) GreaterThan(other LSN) bool { return l.Compare(other) > 0 }

// GreaterOrEqual reports whether l >= other.
func (l LSN) GreaterOrEqual(other LSN) bool { return l.Compare(other) >= 0 }

// Max returns the greater of l and other.
func (l LSN) Max(other LSN) LSN {
	if other.GreaterThan(l) {
		return other
	}
	return l
}
