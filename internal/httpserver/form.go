package httpserver

import (
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"scbldr/internal/catalog"
	"scbldr/internal/solve"
)

//go:embed index.html
var indexHTML string

var pageTmpl = template.Must(template.New("index").Parse(indexHTML))

type formPage struct {
	Courses string
	Start   string
	End     string
	Days    string
	Max     string

	Error     string
	HaveRun   bool
	Schedules []formSchedule
	Count     int
	Truncated bool
	Cap       int

	Footer *pageFooter
}

type formSchedule struct {
	Num   int
	Lines []string
}

type pageFooter struct {
	Courses  string
	Sections string
	Age      string
}

func (s *Service) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index", s.blankPage())
}

func (s *Service) blankPage() formPage {
	p := formPage{Start: "09:00", End: "16:00", Days: "MTWRF"}
	if cat := s.catalogue(); cat != nil {
		p.Footer = &pageFooter{
			Courses:  humanize.Comma(int64(cat.Len())),
			Sections: humanize.Comma(int64(cat.Sections())),
			Age:      humanize.Time(cat.LoadedAt()),
		}
	}
	return p
}

// handleForm runs the browser path. Errors render as a box on the page
// rather than a status code; the form inputs are echoed back so a typo
// can be fixed in place.
func (s *Service) handleForm(c *gin.Context) {
	p := s.blankPage()
	p.Courses = strings.TrimSpace(c.PostForm("courses"))
	if v := strings.TrimSpace(c.PostForm("start")); v != "" {
		p.Start = v
	}
	if v := strings.TrimSpace(c.PostForm("end")); v != "" {
		p.End = v
	}
	if v := strings.TrimSpace(c.PostForm("days")); v != "" {
		p.Days = v
	}
	p.Max = strings.TrimSpace(c.PostForm("max"))

	st := s.snapshot()
	max := st.defaultMax
	if p.Max != "" {
		n, err := strconv.Atoi(p.Max)
		if err != nil {
			p.Error = "max solutions must be a number"
			c.HTML(http.StatusOK, "index", p)
			return
		}
		max = n
		if max > st.maxLimit {
			max = st.maxLimit
		}
	}

	req, err := solve.ParseRequest(strings.Fields(p.Courses), p.Start, p.End, p.Days, max)
	if err != nil {
		p.Error = err.Error()
		c.HTML(http.StatusOK, "index", p)
		return
	}

	cat := s.catalogue()
	if cat == nil {
		p.Error = "catalogue unavailable; try again shortly"
		c.HTML(http.StatusOK, "index", p)
		return
	}

	startAt := time.Now()
	res, err := solve.Solve(c.Request.Context(), cat, req)
	took := time.Since(startAt)
	if err != nil {
		s.audit(c, req, 0, false, took, err)
		p.Error = err.Error()
		c.HTML(http.StatusOK, "index", p)
		return
	}
	s.audit(c, req, len(res.Schedules), res.Truncated, took, nil)

	p.HaveRun = true
	p.Count = len(res.Schedules)
	p.Truncated = res.Truncated
	p.Cap = req.Max
	for i, sched := range res.Schedules {
		fs := formSchedule{Num: i + 1, Lines: make([]string, 0, len(sched))}
		for _, sec := range sched {
			fs.Lines = append(fs.Lines, formatLine(sec))
		}
		p.Schedules = append(p.Schedules, fs)
	}
	c.HTML(http.StatusOK, "index", p)
}

func formatLine(sec catalog.Section) string {
	return fmt.Sprintf("%s  CRN:%s  %s  %s-%s",
		sec.Course, sec.ID, sec.Days,
		catalog.FormatClock(sec.Start), catalog.FormatClock(sec.End))
}
