package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleData = `{
  "cs100": [
    {"crn": 90210, "days": "M", "start": "09:00", "end": "10:15",
     "title": "Intro to CS", "instructor": "Knuth", "location": "KUPF 117",
     "section": "002", "credits": 3},
    {"id": "90211", "days": "T", "start": "09:00", "end": "10:15"}
  ],
  "MA100": [
    {"crn": 80001, "days": "MR", "start": "10:15", "end": "11:30"}
  ]
}`

func TestParseSampleData(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(sampleData))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Len() != 2 || c.Sections() != 3 {
		t.Fatalf("Len=%d Sections=%d, want 2 and 3", c.Len(), c.Sections())
	}

	// Lookup is case-insensitive; codes are normalized to uppercase.
	pool, ok := c.Pool("Cs100")
	if !ok {
		t.Fatal("Pool(Cs100) not found")
	}
	if len(pool) != 2 {
		t.Fatalf("len(pool) = %d, want 2", len(pool))
	}
	first := pool[0]
	if first.Course != "CS100" || first.ID != "90210" {
		t.Errorf("first section = %q/%q", first.Course, first.ID)
	}
	if first.Days.String() != "M" || first.Start != 540 || first.End != 615 {
		t.Errorf("first section time = %s %d-%d", first.Days, first.Start, first.End)
	}
	if first.Title != "Intro to CS" || first.Instructor != "Knuth" ||
		first.Location != "KUPF 117" || first.Number != "002" {
		t.Errorf("display fields = %+v", first)
	}
	// Second record: "id" (string) form, no display fields.
	if pool[1].ID != "90211" || pool[1].Title != "" {
		t.Errorf("second section = %+v", pool[1])
	}

	if got := c.Courses(); len(got) != 2 || got[0] != "CS100" || got[1] != "MA100" {
		t.Errorf("Courses() = %v", got)
	}
	if _, ok := c.Pool("CS999"); ok {
		t.Error("Pool(CS999) should not resolve")
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed json", data: `{"CS100": [`},
		{name: "empty pool", data: `{"CS100": []}`},
		{name: "missing id", data: `{"CS100": [{"days": "M", "start": "09:00", "end": "10:00"}]}`},
		{name: "missing days", data: `{"CS100": [{"crn": 1, "start": "09:00", "end": "10:00"}]}`},
		{name: "missing start", data: `{"CS100": [{"crn": 1, "days": "M", "end": "10:00"}]}`},
		{name: "missing end", data: `{"CS100": [{"crn": 1, "days": "M", "start": "09:00"}]}`},
		{name: "bad time", data: `{"CS100": [{"crn": 1, "days": "M", "start": "9am", "end": "10:00"}]}`},
		{name: "inverted interval", data: `{"CS100": [{"crn": 1, "days": "M", "start": "10:00", "end": "09:00"}]}`},
		{name: "duplicate after normalization", data: `{"cs100": [{"crn": 1, "days": "M", "start": "09:00", "end": "10:00"}], "CS100": [{"crn": 2, "days": "T", "start": "09:00", "end": "10:00"}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("error %v does not wrap ErrUnavailable", err)
			}
		})
	}
}

func TestParseAllowsEmptyDaysAndUnknownTokens(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(`{"WEB300": [
		{"crn": 1, "days": "", "start": "09:00", "end": "10:00"},
		{"crn": 2, "days": "?", "start": "09:00", "end": "10:00"}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pool, _ := c.Pool("WEB300")
	if !pool[0].Days.Empty() {
		t.Error("online section should have an empty day set")
	}
	if pool[1].Days.Canonical() {
		t.Error("'?' day token should parse but not be canonical")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Load of missing file: %v, want ErrUnavailable", err)
	}
}

func TestLoadStampsPathAndTime(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "all_sections.json")
	if err := os.WriteFile(path, []byte(sampleData), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Path() != path {
		t.Errorf("Path() = %q", c.Path())
	}
	if c.LoadedAt().IsZero() || c.Stamp() == 0 {
		t.Error("load stamp not set")
	}
}
