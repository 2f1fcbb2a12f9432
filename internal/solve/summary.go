package solve

import "scbldr/internal/catalog"

// SectionSummary is the wire form of one scheduled section: tokens sorted
// and concatenated for days, "HH:MM" clock strings, display fields echoed
// from the catalogue (empty when absent).
type SectionSummary struct {
	Course     string `json:"course"`
	ID         string `json:"id"`
	Days       string `json:"days"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Title      string `json:"title,omitempty"`
	Instructor string `json:"instructor,omitempty"`
	Location   string `json:"location,omitempty"`
	Number     string `json:"section,omitempty"`
}

// Summarize renders one section for output.
func Summarize(s catalog.Section) SectionSummary {
	return SectionSummary{
		Course:     s.Course,
		ID:         s.ID,
		Days:       s.Days.String(),
		Start:      catalog.FormatClock(s.Start),
		End:        catalog.FormatClock(s.End),
		Title:      s.Title,
		Instructor: s.Instructor,
		Location:   s.Location,
		Number:     s.Number,
	}
}

// SummarizeAll renders every schedule of a collected result.
func SummarizeAll(schedules [][]catalog.Section) [][]SectionSummary {
	out := make([][]SectionSummary, len(schedules))
	for i, sched := range schedules {
		row := make([]SectionSummary, len(sched))
		for j, s := range sched {
			row[j] = Summarize(s)
		}
		out[i] = row
	}
	return out
}
