package cron

import (
	"fmt"
	"time"
)

const (
	// maxIterations bounds the number of field adjustments a single
	// propagation may make
	maxIterations = 1 << 16

	// horizonYears bounds how far past the anchor a propagation may
	// search. 400 years is one full Gregorian leap cycle; a year step
	// stretches it by the step.
	horizonYears = 400

	// maxWallRetries bounds the walk over wall clock times that repeat
	// when daylight saving time falls back
	maxWallRetries = 120
)

// Next returns the earliest instant strictly after last that satisfies
// every field rule. Seconds are dropped: occurrences fall on whole
// minutes of last's wall clock and are returned in last's location.
//
// Step rules are measured from last itself: "*/15" on minutes admits
// last+15m, last+30m, ... across hour boundaries, and "*/2" on hours
// admits every second hour counted from last's hour.
//
// Daylight saving changes are resolved on the wall clock. A wall time
// repeated by a fall-back change fires once. A wall time skipped by a
// spring-forward change does not exist, so it resolves to the instant
// time.Date picks, one gap away: in Europe/Berlin "30 2 * * *" fires at
// 03:30 on that day, an hour the rule does not list.
//
// Returns an error wrapping ErrUnsatisfiableSchedule if no occurrence
// exists within the search horizon (e.g. February 29th on a year step
// that never lands on a leap year).
func (s *Schedule) Next(last time.Time) (time.Time, error) {
	anchor := fromTime(last)

	// Phase 1: forward propagation from the last firing
	if c, ok := s.propagate(anchor, anchor); ok && compare(c, anchor) > 0 {
		if t, ok := s.resolve(c, anchor, last); ok {
			return t, nil
		}
	}

	// Phase 2: nothing pushed the candidate forward, which only happens
	// when the minute is a wildcard. Bump wildcard fields one unit at a
	// time, least significant first.
	for f := Minute; f <= Year; f++ {
		if s.rules[f].Kind != Wildcard {
			continue
		}

		start := anchor
		start[f]++
		start = normalize(start)

		if c, ok := s.propagate(start, anchor); ok && compare(c, anchor) > 0 {
			if t, ok := s.resolve(c, anchor, last); ok {
				return t, nil
			}
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q could not move forward from %s",
		ErrUnsatisfiableSchedule, s.original, last.Format(time.RFC3339))
}

// propagate returns the earliest candidate at or after start admitted by
// every rule, or false if the search runs past its horizon
func (s *Schedule) propagate(start, anchor instant) (instant, bool) {
	limit := anchor[Year] + horizonYears*s.yearStride()

	c := start
	for i := 0; i < maxIterations; i++ {
		if c[Year] > limit {
			return c, false
		}

		changed, ok := s.sweep(&c, anchor)
		if !ok {
			return c, false
		}
		if !changed {
			return c, true
		}
	}

	return c, false
}

// sweep walks the fields from year down to minute and moves the first
// field that is not admitted to its next admitted value. Finer fields are
// reset to the start of their domain and the candidate is normalized,
// which carries any overflow into coarser fields; the caller then sweeps
// again. Returns changed=false once every field is admitted and ok=false
// when the year can no longer move forward.
//
// advanced records whether a coarser field already sits past the anchor.
// Until it does, the minute must move strictly forward so that the
// result lands after the last firing.
func (s *Schedule) sweep(c *instant, anchor instant) (changed, ok bool) {
	advanced := false

	for f := Year; f >= Minute; f-- {
		rule := s.rules[f]
		strict := f == Minute && !advanced && c[f] == anchor[f]

		switch rule.Kind {
		case Wildcard:
			// Deferred: keeps the current value. A strict minute is
			// left for the wildcard bump.

		case Step:
			gap := floorMod(units(anchor, f)-units(*c, f), rule.Step)
			if gap == 0 && strict {
				gap = rule.Step
			}
			if gap > 0 {
				c[f] += gap
				resetBelow(c, f)
				*c = normalize(*c)
				return true, true
			}

		case ValueSet:
			v, found := nextValue(rule.Values, c[f], strict)
			if found && v == c[f] {
				break
			}
			if found {
				c[f] = v
			} else {
				// Wrap around and carry into the coarser field
				if f == Year {
					return false, false
				}
				c[f] = rule.Values[0]
				c[f+1]++
			}
			resetBelow(c, f)
			*c = normalize(*c)
			return true, true
		}

		if !advanced && c[f] > anchor[f] {
			advanced = true
		}
	}

	return false, true
}

// resolve expresses an admitted candidate in last's location. When the
// wall clock repeats (daylight saving fall back) the candidate may land
// at or before last; the walk then continues a minute later.
func (s *Schedule) resolve(c, anchor instant, last time.Time) (time.Time, bool) {
	for i := 0; i < maxWallRetries; i++ {
		t := c.in(last.Location())
		if t.After(last) {
			return t, true
		}

		c[Minute]++
		var ok bool
		if c, ok = s.propagate(normalize(c), anchor); !ok {
			return time.Time{}, false
		}
	}
	return time.Time{}, false
}

// yearStride is the year step, or 1 when years are not stepped
func (s *Schedule) yearStride() int {
	if r := s.rules[Year]; r.Kind == Step {
		return r.Step
	}
	return 1
}

// nextValue returns the smallest member of the sorted values that is at
// least x, or strictly greater than x when strict is set
func nextValue(values []int, x int, strict bool) (int, bool) {
	for _, v := range values {
		if v > x || (v == x && !strict) {
			return v, true
		}
	}
	return 0, false
}
