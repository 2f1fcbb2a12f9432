// Package solve enumerates clash-free schedules over a catalogue snapshot.
//
// A Request names the courses and constraints; New builds an Iter that walks
// the constrained Cartesian product of the per-course section pools lazily,
// yielding valid schedules in a deterministic order until a cap or
// exhaustion. Identical inputs always yield identical sequences.
package solve

import (
	"fmt"
	"strings"

	"scbldr/internal/catalog"
)

// DefaultMax is the solution cap applied when a request does not set one.
const DefaultMax = 50

// UnknownCourseError reports requested course codes absent from the
// catalogue. Every unresolved code is listed, each once, in request order.
type UnknownCourseError struct {
	Courses []string
}

func (e *UnknownCourseError) Error() string {
	return "unknown course: " + strings.Join(e.Courses, ", ")
}

// InvalidConstraintError reports a request whose constraints cannot be
// satisfied by construction (inverted window, empty day set, ...).
type InvalidConstraintError struct {
	Detail string
}

func (e *InvalidConstraintError) Error() string {
	return "invalid constraint: " + e.Detail
}

func invalid(format string, args ...any) error {
	return &InvalidConstraintError{Detail: fmt.Sprintf(format, args...)}
}

// Request is a normalized enumeration request. Build one with ParseRequest,
// or fill the fields directly (times in minutes since midnight); New
// validates either way.
type Request struct {
	Courses  []string       // uppercase codes, request order, duplicates allowed
	Earliest int            // window start, inclusive
	Latest   int            // window end, exclusive of later sections
	Days     catalog.DaySet // allowed day tokens
	Max      int            // solution cap, >= 1
}

// ParseRequest normalizes raw request fields: course codes are trimmed and
// uppercased, start/end are "HH:MM" clock strings, days is a string of day
// tokens. max must already be resolved by the caller (zero is rejected, not
// defaulted, so that an explicit 0 cannot slip through as "unset").
func ParseRequest(courses []string, start, end, days string, max int) (Request, error) {
	req := Request{
		Courses: make([]string, 0, len(courses)),
		Days:    catalog.NewDaySet(days),
		Max:     max,
	}
	for _, c := range courses {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			return Request{}, invalid("blank course code")
		}
		req.Courses = append(req.Courses, c)
	}
	var err error
	if req.Earliest, err = catalog.ParseClock(start); err != nil {
		return Request{}, invalid("earliest start: %v", err)
	}
	if req.Latest, err = catalog.ParseClock(end); err != nil {
		return Request{}, invalid("latest finish: %v", err)
	}
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) validate() error {
	if len(r.Courses) == 0 {
		return invalid("no courses requested")
	}
	for _, c := range r.Courses {
		if c == "" {
			return invalid("blank course code")
		}
	}
	if r.Earliest < 0 || r.Latest > catalog.MinutesPerDay {
		return invalid("time window outside 00:00..24:00")
	}
	if r.Earliest >= r.Latest {
		return invalid("earliest start %s is not before latest finish %s",
			catalog.FormatClock(r.Earliest), catalog.FormatClock(r.Latest))
	}
	if r.Days.Empty() {
		return invalid("no days allowed")
	}
	if !r.Days.Canonical() {
		return invalid("day tokens must come from %q, got %q", catalog.Alphabet, r.Days)
	}
	if r.Max < 1 {
		return invalid("max solutions must be at least 1")
	}
	return nil
}
