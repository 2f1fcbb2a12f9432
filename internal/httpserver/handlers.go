package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocarina/gocsv"

	"scbldr/internal/catalog"
	"scbldr/internal/solve"
	"scbldr/internal/storage"
	logx "scbldr/pkg/logx"
)

// solveRequest is the body of POST /api/solve. Max is a pointer so an
// absent cap falls back to the configured default instead of reading as 0.
type solveRequest struct {
	Courses []string `json:"courses"`
	Start   string   `json:"start"`
	End     string   `json:"end"`
	Days    string   `json:"days"`
	Max     *int     `json:"max"`
}

type solveResponse struct {
	Schedules [][]solve.SectionSummary `json:"schedules"`
	Count     int                      `json:"count"`
	Truncated bool                     `json:"truncated"`
}

func (s *Service) handleAPISolve(c *gin.Context) {
	var body solveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed-request"})
		return
	}
	// An absent courses field is a malformed request; a present-but-empty
	// list falls through to the constraint check.
	if body.Courses == nil || strings.TrimSpace(body.Start) == "" ||
		strings.TrimSpace(body.End) == "" || strings.TrimSpace(body.Days) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed-request"})
		return
	}

	st := s.snapshot()
	max := st.defaultMax
	if body.Max != nil {
		max = *body.Max
		if max > st.maxLimit {
			max = st.maxLimit
		}
	}

	req, err := solve.ParseRequest(body.Courses, body.Start, body.End, body.Days, max)
	if err != nil {
		s.solveError(c, err)
		return
	}

	cat := s.catalogue()
	if cat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalogue-unavailable"})
		return
	}

	asCSV := strings.EqualFold(c.Query("format"), "csv")

	// The cache stores finished JSON envelopes keyed against this
	// catalogue generation; CSV renders are cheap relative to the
	// enumeration they share, but carrying two payload shapes per key is
	// not worth it.
	var key string
	if st.cacheEnabled && !asCSV {
		key = storage.CacheKey(req.Courses,
			catalog.FormatClock(req.Earliest), catalog.FormatClock(req.Latest),
			req.Days.String(), req.Max, cat.Stamp())
		payload, ok, err := s.store.GetCached(c.Request.Context(), key)
		if err != nil {
			s.log.Warn("solve cache read failed", logx.Err(err))
		} else if ok {
			s.log.Debug("solve cache hit", logx.String("key", key))
			c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
			return
		}
	}

	startAt := time.Now()
	res, err := solve.Solve(c.Request.Context(), cat, req)
	took := time.Since(startAt)
	if err != nil {
		s.audit(c, req, 0, false, took, err)
		s.solveError(c, err)
		return
	}
	s.audit(c, req, len(res.Schedules), res.Truncated, took, nil)

	if len(res.Schedules) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no-schedule"})
		return
	}

	if asCSV {
		out, err := renderCSV(res.Schedules)
		if err != nil {
			s.log.Error("csv render failed", logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(out))
		return
	}

	payload, err := json.Marshal(solveResponse{
		Schedules: solve.SummarizeAll(res.Schedules),
		Count:     len(res.Schedules),
		Truncated: res.Truncated,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)

	if key != "" {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.store.PutCached(pctx, key, payload, time.Now().Add(st.cacheTTL)); err != nil {
			s.log.Warn("solve cache write failed", logx.Err(err))
		}
		cancel()
	}
}

// solveError maps engine errors onto the response taxonomy. Anything
// unrecognized (a cancelled request context, mostly) reads as internal.
func (s *Service) solveError(c *gin.Context, err error) {
	var unknown *solve.UnknownCourseError
	var invalid *solve.InvalidConstraintError
	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown-course", "courses": unknown.Courses})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid-constraint", "detail": invalid.Detail})
	case errors.Is(err, catalog.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalogue-unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// audit appends one solve record. Background context: the row must land
// even when the client has already hung up.
func (s *Service) audit(c *gin.Context, req solve.Request, count int, truncated bool, took time.Duration, solveErr error) {
	rec := storage.SolveRecord{
		At:         time.Now(),
		RequestID:  c.GetString(requestIDKey),
		Courses:    req.Courses,
		Start:      catalog.FormatClock(req.Earliest),
		End:        catalog.FormatClock(req.Latest),
		Days:       req.Days.String(),
		Max:        req.Max,
		Count:      count,
		Truncated:  truncated,
		DurationMS: took.Milliseconds(),
	}
	if solveErr != nil {
		rec.Error = solveErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendSolve(ctx, rec); err != nil {
		s.log.Warn("solve audit append failed", logx.Err(err))
	}
}

type csvRow struct {
	Schedule   int    `csv:"schedule"`
	Course     string `csv:"course"`
	ID         string `csv:"id"`
	Days       string `csv:"days"`
	Start      string `csv:"start"`
	End        string `csv:"end"`
	Title      string `csv:"title"`
	Instructor string `csv:"instructor"`
	Location   string `csv:"location"`
	Number     string `csv:"section"`
}

// renderCSV flattens schedules to one row per section; the schedule
// column is the 1-based index of the block the row belongs to.
func renderCSV(schedules [][]catalog.Section) (string, error) {
	n := 0
	for _, sched := range schedules {
		n += len(sched)
	}
	rows := make([]csvRow, 0, n)
	for i, sched := range schedules {
		for _, sec := range sched {
			sum := solve.Summarize(sec)
			rows = append(rows, csvRow{
				Schedule:   i + 1,
				Course:     sum.Course,
				ID:         sum.ID,
				Days:       sum.Days,
				Start:      sum.Start,
				End:        sum.End,
				Title:      sum.Title,
				Instructor: sum.Instructor,
				Location:   sum.Location,
				Number:     sum.Number,
			})
		}
	}
	return gocsv.MarshalString(&rows)
}

func (s *Service) handleCourses(c *gin.Context) {
	cat := s.catalogue()
	if cat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalogue-unavailable"})
		return
	}
	type courseInfo struct {
		Code     string `json:"code"`
		Sections int    `json:"sections"`
	}
	codes := cat.Courses()
	out := make([]courseInfo, 0, len(codes))
	for _, code := range codes {
		pool, _ := cat.Pool(code)
		out = append(out, courseInfo{Code: code, Sections: len(pool)})
	}
	c.JSON(http.StatusOK, gin.H{"courses": out, "count": len(out)})
}

// handleHealthz always answers 200: the process is alive. A missing
// catalogue shows as status "degraded" for operators to act on.
func (s *Service) handleHealthz(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if cat := s.catalogue(); cat != nil {
		resp["catalogue"] = gin.H{
			"courses":   cat.Len(),
			"sections":  cat.Sections(),
			"loaded_at": cat.LoadedAt().UTC().Format(time.RFC3339),
			"path":      cat.Path(),
		}
	} else {
		resp["status"] = "degraded"
	}
	if s.counters != nil {
		ct := s.counters()
		resp["supervisor"] = gin.H{"active": ct.Active, "started": ct.Started}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) catalogue() *catalog.Catalog {
	if s.holder == nil {
		return nil
	}
	return s.holder.Get()
}
