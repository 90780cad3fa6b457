package cron

import "time"

// instant is a candidate occurrence indexed by Field. Months are
// zero-based. Values may be out of range until normalized.
type instant [numFields]int

// fromTime reads the wall clock fields of t, dropping seconds
func fromTime(t time.Time) instant {
	return instant{
		Minute:     t.Minute(),
		Hour:       t.Hour(),
		DayOfMonth: t.Day(),
		Month:      int(t.Month()) - 1,
		Year:       t.Year(),
	}
}

// wall converts the candidate to a time in UTC, carrying any
// out-of-range field into the next coarser one (day 32 of January
// becomes February 1st).
func (c instant) wall() time.Time {
	return time.Date(c[Year], time.Month(c[Month]+1), c[DayOfMonth], c[Hour], c[Minute], 0, 0, time.UTC)
}

// in expresses the candidate's wall clock in loc
func (c instant) in(loc *time.Location) time.Time {
	return time.Date(c[Year], time.Month(c[Month]+1), c[DayOfMonth], c[Hour], c[Minute], 0, 0, loc)
}

// normalize is the single calendar primitive of the solver: every
// field mutation is followed by a call to it.
func normalize(c instant) instant {
	return fromTime(c.wall())
}

// compare orders two normalized candidates, most significant field first
func compare(a, b instant) int {
	for f := Year; f >= Minute; f-- {
		switch {
		case a[f] < b[f]:
			return -1
		case a[f] > b[f]:
			return 1
		}
	}
	return 0
}

// resetBelow sets every field finer than f to the start of its domain
func resetBelow(c *instant, f Field) {
	for g := f - 1; g >= Minute; g-- {
		c[g], _ = g.bounds()
	}
}

// units returns the position of the candidate on the absolute timeline
// of field f: minutes, hours or days since the Unix epoch, months since
// year 0, or the year itself.
func units(c instant, f Field) int {
	switch f {
	case Minute:
		return floorDiv(c.wall().Unix(), 60)
	case Hour:
		return floorDiv(c.wall().Unix(), 3600)
	case DayOfMonth:
		return floorDiv(c.wall().Unix(), 86400)
	case Month:
		return c[Year]*12 + c[Month]
	default:
		return c[Year]
	}
}

func floorDiv(a, b int64) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return int(q)
}

// floorMod returns a mod n in [0, n)
func floorMod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// maxDaysInMonth returns the maximum number of days a zero-based month
// can have in any year
func maxDaysInMonth(month int) int {
	switch month {
	case 1: // February
		return 29 // Allow leap year
	case 3, 5, 8, 10: // Apr, Jun, Sep, Nov
		return 30
	default: // Jan, Mar, May, Jul, Aug, Oct, Dec
		return 31
	}
}
