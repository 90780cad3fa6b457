package cron

import (
	"errors"
	"time"
)

// Standard errors
var (
	ErrMalformedSchedule     = errors.New("cron: malformed schedule")
	ErrInvalidField          = errors.New("cron: invalid field")
	ErrUnsatisfiableSchedule = errors.New("cron: unsatisfiable schedule")
)

// Field identifies one of the five positions of a schedule expression,
// ordered from least to most significant.
type Field int

const (
	Minute Field = iota
	Hour
	DayOfMonth
	Month
	Year

	numFields = 5
)

// String returns the field name used in error messages
func (f Field) String() string {
	switch f {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case DayOfMonth:
		return "day-of-month"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return "unknown"
	}
}

// MaxYear is the last year a schedule may name. Occurrences are written as
// RFC 3339 timestamps, which only carry four-digit years.
const MaxYear = 9999

// bounds returns the valid domain of a field. Months are zero-based.
func (f Field) bounds() (min, max int) {
	switch f {
	case Minute:
		return 0, 59
	case Hour:
		return 0, 23
	case DayOfMonth:
		return 1, 31
	case Month:
		return 0, 11
	default:
		return 0, MaxYear
	}
}

// RuleKind tags the variant held by a FieldRule
type RuleKind int

const (
	Wildcard RuleKind = iota // any value
	Step                     // every Step units counted from the last firing
	ValueSet                 // one of Values
)

// String returns a human-readable representation of the rule kind
func (k RuleKind) String() string {
	switch k {
	case Wildcard:
		return "wildcard"
	case Step:
		return "step"
	case ValueSet:
		return "value_set"
	default:
		return "unknown"
	}
}

// FieldRule is the resolved constraint for a single field
type FieldRule struct {
	Kind   RuleKind
	Step   int   // only for Step, always > 0
	Values []int // only for ValueSet, ascending and duplicate free
}

// Schedule is a parsed five-field expression. It is immutable and safe
// for concurrent use.
type Schedule struct {
	rules [numFields]FieldRule

	// Store original expression for debugging
	original string
}

// Parse parses a five-field expression (minute hour day-of-month month year).
// Returns an error wrapping:
// - ErrMalformedSchedule if the expression does not have exactly 5 fields
// - ErrInvalidField if any field has bad syntax or an out-of-domain value,
//   or if no listed day exists in any listed month
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level schedule variables.
func MustParse(expr string) *Schedule {
	s, err := parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Rule returns a copy of the rule for field f
func (s *Schedule) Rule(f Field) FieldRule {
	r := s.rules[f]
	if r.Values != nil {
		r.Values = append([]int(nil), r.Values...)
	}
	return r
}

// String returns the expression the schedule was parsed from
func (s *Schedule) String() string {
	return s.original
}

// NextN returns the next n occurrences after the given time, each one
// computed from the previous. Stops early if the solver fails.
func (s *Schedule) NextN(after time.Time, n int) ([]time.Time, error) {
	results := make([]time.Time, 0, n)

	current := after
	for len(results) < n {
		next, err := s.Next(current)
		if err != nil {
			return results, err
		}
		results = append(results, next)
		current = next
	}

	return results, nil
}

// Between returns all occurrences in the window (start, end), walking the
// solver forward from start. Both bounds are exclusive because the solver
// only ever returns instants strictly after its seed.
func (s *Schedule) Between(start, end time.Time) ([]time.Time, error) {
	results := []time.Time{}

	current := start
	for {
		next, err := s.Next(current)
		if err != nil {
			return results, err
		}
		if !next.Before(end) {
			return results, nil
		}
		results = append(results, next)
		current = next
	}
}
