package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Alphabet is the canonical 7-token day alphabet used by requests:
// sUnday, Monday, Tuesday, Wednesday, thuRsday, Friday, Saturday.
const Alphabet = "UMTWRFS"

// DaySet is an immutable set of single-character day tokens, stored as a
// sorted, deduplicated string. The zero value is the empty set, which never
// clashes with anything and satisfies any day constraint.
type DaySet struct {
	tokens string
}

// NewDaySet builds a DaySet from a string of day tokens. Tokens are
// uppercased, deduplicated, and sorted in byte order (matching the
// "days sorted, concatenated" output format). Whitespace is ignored.
// Tokens outside the canonical alphabet are kept; they simply never
// match a constraint drawn from the real alphabet.
func NewDaySet(s string) DaySet {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DaySet{}
	}
	seen := make(map[byte]bool, len(s))
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			continue
		}
		if !seen[c] {
			seen[c] = true
			b = append(b, c)
		}
	}
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	return DaySet{tokens: string(b)}
}

func (d DaySet) Empty() bool { return d.tokens == "" }
func (d DaySet) Len() int    { return len(d.tokens) }

// String returns the tokens sorted ascending, concatenated (e.g. "MR").
func (d DaySet) String() string { return d.tokens }

func (d DaySet) Contains(c byte) bool {
	return strings.IndexByte(d.tokens, c) >= 0
}

// Intersects reports whether the two sets share at least one token.
// Empty sets never intersect anything.
func (d DaySet) Intersects(o DaySet) bool {
	for i := 0; i < len(d.tokens); i++ {
		if o.Contains(d.tokens[i]) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every token of d is in o. The empty set is a
// subset of everything.
func (d DaySet) SubsetOf(o DaySet) bool {
	for i := 0; i < len(d.tokens); i++ {
		if !o.Contains(d.tokens[i]) {
			return false
		}
	}
	return true
}

// Canonical reports whether every token is drawn from the day alphabet.
func (d DaySet) Canonical() bool {
	for i := 0; i < len(d.tokens); i++ {
		if strings.IndexByte(Alphabet, d.tokens[i]) < 0 {
			return false
		}
	}
	return true
}

// MinutesPerDay is the upper bound for section times; 24:00 is accepted as
// an end-of-day timestamp.
const MinutesPerDay = 24 * 60

// ParseClock converts a 24-hour "HH:MM" string to minutes since midnight.
// A single-digit hour is accepted ("9:05"); minutes must be two digits.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ':')
	if i < 1 || i > 2 || len(s)-i-1 != 2 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	var h, m int
	for _, c := range []byte(s[:i]) {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
		}
		h = h*10 + int(c-'0')
	}
	for _, c := range []byte(s[i+1:]) {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
		}
		m = m*10 + int(c-'0')
	}
	if m > 59 {
		return 0, fmt.Errorf("invalid time %q: minutes out of range", s)
	}
	t := h*60 + m
	if t > MinutesPerDay {
		return 0, fmt.Errorf("invalid time %q: past 24:00", s)
	}
	return t, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(mins int) string {
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

// Section is one scheduled meeting-time block for a course. Immutable after
// construction; the enumeration engine reads Course, Days, Start and End,
// everything else is carried for display only.
type Section struct {
	Course string // course code, uppercase
	ID     string // CRN or equivalent external identifier
	Days   DaySet
	Start  int // minutes since midnight, inclusive
	End    int // minutes since midnight, exclusive

	// Display fields, taken verbatim from the data file (may be empty).
	Title      string
	Instructor string
	Location   string
	Number     string // section number, e.g. "002"
}

// NewSection validates and builds a Section from raw catalogue fields.
// start and end are "HH:MM" strings; a zero or negative duration fails.
func NewSection(course, id, days, start, end string) (Section, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Section{}, fmt.Errorf("section %s/%s: start: %w", course, id, err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Section{}, fmt.Errorf("section %s/%s: end: %w", course, id, err)
	}
	if s >= e {
		return Section{}, fmt.Errorf("section %s/%s: start %s not before end %s",
			course, id, FormatClock(s), FormatClock(e))
	}
	return Section{
		Course: strings.ToUpper(strings.TrimSpace(course)),
		ID:     strings.TrimSpace(id),
		Days:   NewDaySet(days),
		Start:  s,
		End:    e,
	}, nil
}

// Clashes reports whether two sections meet at the same time: their day sets
// intersect and their half-open intervals [Start,End) overlap. Back-to-back
// sections sharing an endpoint do not clash.
func (s Section) Clashes(o Section) bool {
	return s.Days.Intersects(o.Days) && s.Start < o.End && o.Start < s.End
}
