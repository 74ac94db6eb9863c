// Package errkind classifies errors raised anywhere in the engine into the
// kinds spec.md §7 assigns different propagation and retry behavior to.
// It follows the teacher's habit of wrapping plain errors with %w rather
// than building a generic error-code framework; classification is done by
// a typed sentinel wrapper (Kind) checked with errors.As, not by string
// matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from spec.md §7.
type Kind int

const (
	// InvalidArgument: bad schedule string, unknown refresh mode/status.
	// Fails immediately; never counts toward suspension.
	InvalidArgument Kind = iota
	// NotFound: unknown stream table, dropped source.
	NotFound
	// AlreadyExists: duplicate create.
	AlreadyExists
	// Unsupported: operator or volatility DIFFERENTIAL cannot differentiate.
	Unsupported
	// Cycle: adding a dependency edge would close a cycle.
	Cycle
	// Skipped: advisory lock held, or fast no-op. Not a failure.
	Skipped
	// Retryable: transient SPI/lock/slot error. Exponential backoff.
	Retryable
	// SchemaError: a referenced column or function signature is gone.
	// Sets needs_reinit; counts toward suspension.
	SchemaError
	// Permanent: counts toward suspension.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Unsupported:
		return "unsupported"
	case Cycle:
		return "cycle"
	case Skipped:
		return "skipped"
	case Retryable:
		return "retryable"
	case SchemaError:
		return "schema_error"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and, for user-facing errors,
// a short remedy hint.
type Error struct {
	Kind   Kind
	Remedy string
	Err    error
}

func (e *Error) Error() string {
	if e.Remedy != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Kind, e.Err, e.Remedy)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf is New with a formatted message instead of an existing error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithRemedy attaches a short remedy hint to a user-facing error.
func (e *Error) WithRemedy(remedy string) *Error {
	e.Remedy = remedy
	return e
}

// Is reports whether err (or any error it wraps) is of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Permanent for plain
// errors that were never classified — an unclassified failure is treated
// conservatively as one that should count toward suspension rather than
// retry forever or be silently ignored.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Permanent
}

// CountsTowardSuspension reports whether a failure of this kind should
// increment an ST's consecutive_errors counter (spec.md §7 propagation
// policy).
func (k Kind) CountsTowardSuspension() bool {
	return k == SchemaError || k == Permanent
}

// IsRetryable reports whether the scheduler should apply exponential
// backoff and try again rather than treat this as a terminal failure for
// the cycle.
func (k Kind) IsRetryable() bool {
	return k == Retryable
}
