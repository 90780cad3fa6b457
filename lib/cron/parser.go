package cron

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// monthNameRegex matches full month names and their three letter
// abbreviations as whole tokens. Full names come first so that
// "january" is not consumed as "jan" + "uary".
var monthNameRegex = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec)\b`)

var monthIndex = map[string]int{
	"jan": 0, "feb": 1, "mar": 2, "apr": 3, "may": 4, "jun": 5,
	"jul": 6, "aug": 7, "sep": 8, "oct": 9, "nov": 10, "dec": 11,
}

// parse parses an expression into a Schedule
func parse(expr string) (*Schedule, error) {
	// Split on whitespace
	fields := strings.Fields(expr)

	// Verify exactly 5 fields
	if len(fields) != numFields {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedSchedule, numFields, len(fields))
	}

	s := &Schedule{original: expr}
	for i, token := range fields {
		f := Field(i)
		rule, err := parseField(f, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %s field %q: %v", ErrInvalidField, f, token, err)
		}
		s.rules[f] = rule
	}

	// Validate impossible dates
	if err := validateImpossibleDates(s.rules[DayOfMonth], s.rules[Month]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	return s, nil
}

// parseField resolves a single field token into a rule
func parseField(f Field, token string) (FieldRule, error) {
	if token == "" {
		return FieldRule{}, fmt.Errorf("empty field")
	}

	// Handle wildcard
	if token == "*" {
		return FieldRule{Kind: Wildcard}, nil
	}

	// Handle step: */N
	if strings.HasPrefix(token, "*/") {
		step, err := parseValue(token[2:])
		if err != nil {
			return FieldRule{}, fmt.Errorf("invalid step value: %w", err)
		}
		if step <= 0 {
			return FieldRule{}, fmt.Errorf("step must be greater than 0")
		}
		return FieldRule{Kind: Step, Step: step}, nil
	}

	if f == Month {
		token = NormalizeMonthNames(token)
	}

	values, err := parseList(token, f)
	if err != nil {
		return FieldRule{}, err
	}
	return FieldRule{Kind: ValueSet, Values: values}, nil
}

// NormalizeMonthNames replaces every month name or three letter
// abbreviation in a month field with its zero-based index. Matching is
// case-insensitive and numeric tokens are left untouched.
func NormalizeMonthNames(field string) string {
	return monthNameRegex.ReplaceAllStringFunc(field, func(name string) string {
		return strconv.Itoa(monthIndex[strings.ToLower(name[:3])])
	})
}

// parseList parses comma-separated items like 1,3,5-9,10-20/5
func parseList(token string, f Field) ([]int, error) {
	min, max := f.bounds()
	result := []int{}

	for _, part := range strings.Split(token, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty value in list")
		}

		vals, err := parseItem(part)
		if err != nil {
			return nil, err
		}

		for _, v := range vals {
			if f == Year && v > max {
				return nil, fmt.Errorf("year %d is beyond the last supported year %d", v, max)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of bounds [%d, %d]", v, min, max)
			}
		}
		result = append(result, vals...)
	}

	// Sort and deduplicate
	sort.Ints(result)
	return deduplicate(result), nil
}

// parseItem parses one list item: a literal, a range a-b, or a stepped
// range a-b/s
func parseItem(item string) ([]int, error) {
	step := 1
	if rng, stepStr, found := strings.Cut(item, "/"); found {
		s, err := parseValue(stepStr)
		if err != nil {
			return nil, fmt.Errorf("invalid step value: %w", err)
		}
		if s <= 0 {
			return nil, fmt.Errorf("step must be greater than 0")
		}
		if !strings.Contains(rng, "-") {
			return nil, fmt.Errorf("step %q requires a range", item)
		}
		item, step = rng, s
	}

	bounds := strings.Split(item, "-")
	switch len(bounds) {
	case 1:
		v, err := parseValue(bounds[0])
		if err != nil {
			return nil, err
		}
		return []int{v}, nil
	case 2:
		start, err := parseValue(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %w", err)
		}
		end, err := parseValue(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %w", err)
		}
		if start > end {
			return nil, fmt.Errorf("invalid range: start %d > end %d", start, end)
		}
		vals := make([]int, 0, (end-start)/step+1)
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("invalid range syntax %q", item)
	}
}

// parseValue parses a single non-negative integer. Signs are rejected so
// that "-" stays unambiguous as the range separator.
func parseValue(s string) (int, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value: %w", err)
	}
	return v, nil
}

// deduplicate removes duplicate values from a sorted slice
func deduplicate(vals []int) []int {
	if len(vals) == 0 {
		return vals
	}

	result := []int{vals[0]}
	for i := 1; i < len(vals); i++ {
		if vals[i] != vals[i-1] {
			result = append(result, vals[i])
		}
	}
	return result
}

// validateImpossibleDates rejects schedules whose listed days exist in
// none of the listed months (e.g. the 31st of February). Only applies
// when both fields are value sets; Feb 29 is allowed.
func validateImpossibleDates(days, months FieldRule) error {
	if days.Kind != ValueSet || months.Kind != ValueSet {
		return nil
	}
	for _, month := range months.Values {
		maxDay := maxDaysInMonth(month)
		if days.Values[0] <= maxDay {
			return nil
		}
	}
	return fmt.Errorf("impossible date: no valid days exist for specified days %v in months %v", days.Values, months.Values)
}
