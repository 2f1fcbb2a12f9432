package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ErrUnavailable is wrapped by every load failure: missing or unreadable
// file, malformed JSON, missing required fields, unparsable times, or an
// inverted interval. No partial catalogue is ever returned.
var ErrUnavailable = errors.New("catalogue unavailable")

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

// Catalog is an immutable mapping from course code to its ordered list of
// candidate sections. Built once per load; safe for concurrent readers.
type Catalog struct {
	pools    map[string][]Section
	codes    []string // sorted, for listings
	sections int

	path     string
	loadedAt time.Time
}

// flexString decodes a JSON string or number into a string, so integer CRNs
// and quoted section numbers both work.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// record is the on-disk section schema. Required: one of id/crn, plus days,
// start, end. The display fields are carried verbatim; any other key in the
// file is ignored.
type record struct {
	ID  *flexString `json:"id"`
	CRN *flexString `json:"crn"` // legacy alias for id

	Days  *string `json:"days"`
	Start *string `json:"start"`
	End   *string `json:"end"`

	Title      string     `json:"title"`
	Instructor string     `json:"instructor"`
	Location   string     `json:"location"`
	Number     flexString `json:"section"`
}

// Load reads and parses the catalogue data file. Any failure wraps
// ErrUnavailable; the caller must treat it as fatal at startup.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unavailable("read %s: %v", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.path = path
	return c, nil
}

// Parse builds a Catalog from raw JSON bytes: a map from course code to a
// non-empty list of section records. Course codes are normalized to
// uppercase; pool order within each course is preserved.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string][]record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, unavailable("malformed JSON: %v", err)
	}

	c := &Catalog{
		pools:    make(map[string][]Section, len(raw)),
		codes:    make([]string, 0, len(raw)),
		loadedAt: time.Now(),
	}

	// Deterministic iteration keeps error messages stable across loads.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		code := strings.ToUpper(strings.TrimSpace(key))
		if code == "" {
			return nil, unavailable("empty course code")
		}
		if _, dup := c.pools[code]; dup {
			return nil, unavailable("duplicate course code %s after normalization", code)
		}
		recs := raw[key]
		if len(recs) == 0 {
			return nil, unavailable("course %s has no sections", code)
		}

		pool := make([]Section, 0, len(recs))
		for i, r := range recs {
			sec, err := parseRecord(code, i, r)
			if err != nil {
				return nil, err
			}
			pool = append(pool, sec)
		}
		c.pools[code] = pool
		c.codes = append(c.codes, code)
		c.sections += len(pool)
	}
	sort.Strings(c.codes)
	return c, nil
}

func parseRecord(code string, idx int, r record) (Section, error) {
	id := r.ID
	if id == nil {
		id = r.CRN
	}
	switch {
	case id == nil:
		return Section{}, unavailable("course %s section %d: missing id", code, idx)
	case r.Days == nil:
		return Section{}, unavailable("course %s section %d: missing days", code, idx)
	case r.Start == nil:
		return Section{}, unavailable("course %s section %d: missing start", code, idx)
	case r.End == nil:
		return Section{}, unavailable("course %s section %d: missing end", code, idx)
	}

	sec, err := NewSection(code, string(*id), *r.Days, *r.Start, *r.End)
	if err != nil {
		return Section{}, unavailable("%v", err)
	}
	sec.Title = r.Title
	sec.Instructor = r.Instructor
	sec.Location = r.Location
	sec.Number = string(r.Number)
	return sec, nil
}

// Pool returns the ordered candidate sections for a course code
// (case-insensitive). ok is false when the course is not listed.
func (c *Catalog) Pool(code string) ([]Section, bool) {
	pool, ok := c.pools[strings.ToUpper(strings.TrimSpace(code))]
	return pool, ok
}

// Courses returns the sorted course codes.
func (c *Catalog) Courses() []string {
	return append([]string(nil), c.codes...)
}

// Len is the number of courses; Sections the total section count.
func (c *Catalog) Len() int      { return len(c.codes) }
func (c *Catalog) Sections() int { return c.sections }

func (c *Catalog) Path() string        { return c.path }
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }

// Stamp identifies this catalogue generation; cached solve results are keyed
// on it so a reload invalidates them implicitly.
func (c *Catalog) Stamp() int64 { return c.loadedAt.UnixNano() }
