package solve

import (
	"errors"
	"strings"
	"testing"

	"scbldr/internal/catalog"
)

func TestParseRequestNormalizes(t *testing.T) {
	t.Parallel()

	req, err := ParseRequest([]string{" cs100 ", "ma100"}, "9:00", "16:00", "wmf", 50)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got := strings.Join(req.Courses, " "); got != "CS100 MA100" {
		t.Errorf("Courses = %q", got)
	}
	if req.Earliest != 9*60 || req.Latest != 16*60 {
		t.Errorf("window = %d..%d", req.Earliest, req.Latest)
	}
	if req.Days.String() != "FMW" {
		t.Errorf("Days = %q, want sorted FMW", req.Days)
	}
	if req.Max != 50 {
		t.Errorf("Max = %d", req.Max)
	}
}

func TestParseRequestErrors(t *testing.T) {
	t.Parallel()

	valid := []string{"CS100"}
	tests := []struct {
		name    string
		courses []string
		start   string
		end     string
		days    string
		max     int
		detail  string
	}{
		{"no courses", nil, "09:00", "16:00", "MTWRF", 50, "no courses"},
		{"blank course", []string{"CS100", "  "}, "09:00", "16:00", "MTWRF", 50, "blank course"},
		{"bad start", valid, "nine", "16:00", "MTWRF", 50, "earliest start"},
		{"bad end", valid, "09:00", "26:00", "MTWRF", 50, "latest finish"},
		{"inverted window", valid, "16:00", "09:00", "MTWRF", 50, "not before"},
		{"empty window", valid, "09:00", "09:00", "MTWRF", 50, "not before"},
		{"no days", valid, "09:00", "16:00", "", 50, "no days"},
		{"bad day token", valid, "09:00", "16:00", "MX", 50, "day tokens"},
		{"zero max", valid, "09:00", "16:00", "MTWRF", 0, "max solutions"},
		{"negative max", valid, "09:00", "16:00", "MTWRF", -5, "max solutions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRequest(tt.courses, tt.start, tt.end, tt.days, tt.max)
			var ice *InvalidConstraintError
			if !errors.As(err, &ice) {
				t.Fatalf("err = %v, want *InvalidConstraintError", err)
			}
			if !strings.Contains(ice.Detail, tt.detail) {
				t.Errorf("detail = %q, want substring %q", ice.Detail, tt.detail)
			}
		})
	}
}

func TestValidateDirectRequest(t *testing.T) {
	t.Parallel()

	base := Request{
		Courses:  []string{"CS100"},
		Earliest: 9 * 60,
		Latest:   16 * 60,
		Days:     catalog.NewDaySet("MTWRF"),
		Max:      50,
	}

	if err := base.validate(); err != nil {
		t.Fatalf("base request should validate, got %v", err)
	}

	neg := base
	neg.Earliest = -10
	if neg.validate() == nil {
		t.Error("negative earliest should fail")
	}

	late := base
	late.Latest = catalog.MinutesPerDay + 1
	if late.validate() == nil {
		t.Error("latest past 24:00 should fail")
	}
}
