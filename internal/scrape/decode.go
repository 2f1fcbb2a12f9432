package scrape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"scbldr/internal/catalog"
)

// Record is one section as written to the catalogue file, shaped the way
// the catalogue loader reads it back.
type Record struct {
	ID         string `json:"id"`
	Days       string `json:"days"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Location   string `json:"location"`
	Number     string `json:"section"`
	Instructor string `json:"instructor"`
	Title      string `json:"title"`
}

// The upstream data service answers with JavaScript, not JSON: a
// define({...}) wrapper around an object literal with bare identifier keys.
// defineRE captures the argument; the two key passes quote identifiers
// (first those after '{' or ',', then those after '[' or ',') so the text
// parses as JSON.
var (
	defineRE      = regexp.MustCompile(`(?s)define\((.*)\)\s*;?\s*$`)
	keyAfterBrace = regexp.MustCompile(`([{,])\s*(\w+)\s*:`)
	keyAfterArray = regexp.MustCompile(`(\[|,)\s*(\w+)\s*:`)
)

// Decode converts a raw data-service payload into catalogue records keyed
// by course code.
func Decode(raw []byte) (map[string][]Record, error) {
	m := defineRE.FindSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("no define(...) wrapper in payload; upstream format changed?")
	}
	txt := bytes.TrimSpace(m[1])
	txt = keyAfterBrace.ReplaceAll(txt, []byte(`${1}"${2}":`))
	txt = keyAfterArray.ReplaceAll(txt, []byte(`${1}"${2}":`))

	var doc struct {
		Data []any `json:"data"`
	}
	if err := json.Unmarshal(txt, &doc); err != nil {
		return nil, fmt.Errorf("payload is not JSON after key quoting: %w", err)
	}
	return transform(doc.Data)
}

// transform flattens the site's array-heavy structure. Each data entry is
// [code, ?, ?, sectionRow...]; entries with no section rows contribute
// nothing.
func transform(data []any) (map[string][]Record, error) {
	out := make(map[string][]Record, len(data))
	for i, entry := range data {
		arr, ok := entry.([]any)
		if !ok || len(arr) == 0 {
			return nil, fmt.Errorf("course entry %d: want a non-empty array, got %T", i, entry)
		}
		code, ok := arr[0].(string)
		if !ok {
			return nil, fmt.Errorf("course entry %d: code is %T, want string", i, arr[0])
		}
		if len(arr) < 4 {
			continue
		}
		for j, rawRow := range arr[3:] {
			row, ok := rawRow.([]any)
			if !ok {
				return nil, fmt.Errorf("course %s: section row %d is not an array", code, j)
			}
			rec, usable, err := sectionRecord(code, row)
			if err != nil {
				return nil, err
			}
			if usable {
				out[code] = append(out[code], rec)
			}
		}
	}
	return out, nil
}

// Section rows are [course, sectionID, crn, units, instructor,
// <numeric flags>..., title, meetings]; title and meetings are always the
// last two elements. Meetings are [dayNum, startSec, endSec, room] rows.
// Sections without a single usable meeting row report usable=false (online
// sections have an empty meetings list).
func sectionRecord(code string, row []any) (rec Record, usable bool, err error) {
	if len(row) < 7 {
		return Record{}, false, fmt.Errorf("course %s: section row has %d elements, want >= 7", code, len(row))
	}
	meetings, ok := row[len(row)-1].([]any)
	if !ok || len(meetings) == 0 {
		return Record{}, false, nil
	}

	var (
		tokens   strings.Builder
		startSec = -1
		endSec   = -1
		room     string
	)
	for _, rawMeeting := range meetings {
		m, ok := rawMeeting.([]any)
		if !ok || len(m) < 4 {
			continue
		}
		day, dayOK := asInt(m[0])
		start, startOK := asInt(m[1])
		end, endOK := asInt(m[2])
		if !dayOK || !startOK || !endOK {
			continue
		}
		tokens.WriteString(dayToken(day))
		if startSec < 0 || start < startSec {
			startSec = start
		}
		if end > endSec {
			endSec = end
		}
		if r, _ := m[3].(string); r != "" {
			room = r
		}
	}
	if startSec < 0 {
		return Record{}, false, nil
	}

	return Record{
		ID:         stringish(row[2]),
		Days:       catalog.NewDaySet(tokens.String()).String(),
		Start:      catalog.FormatClock(startSec / 60),
		End:        catalog.FormatClock(endSec / 60),
		Location:   room,
		Number:     stringish(row[1]),
		Instructor: stringish(row[4]),
		Title:      stringish(row[len(row)-2]),
	}, true, nil
}

// dayToken maps the feed's 1..7 day numbers onto the catalogue alphabet;
// anything else becomes "?", which the loader tolerates.
func dayToken(n int) string {
	const week = "UMTWRFS" // 1=Sunday .. 7=Saturday
	if n < 1 || n > 7 {
		return "?"
	}
	return string(week[n-1])
}

// stringish renders feed values that arrive as either strings or numbers
// (CRNs and section numbers do both).
func stringish(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
