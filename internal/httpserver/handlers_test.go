package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"scbldr/internal/catalog"
	"scbldr/internal/config"
	rtsup "scbldr/internal/runtime/supervisor"
	"scbldr/internal/storage"
	logx "scbldr/pkg/logx"
)

// Boundary fixture: CS100/1 and MA100/3 share the 10:15 endpoint (no
// clash), CS100/2 sits on another day, PHYS1/PHYS2 overlap outright.
const fixture = `{
  "CS100": [
    {"id": 1, "days": "M", "start": "09:00", "end": "10:15"},
    {"id": 2, "days": "T", "start": "09:00", "end": "10:15"}
  ],
  "MA100": [
    {"id": 3, "days": "M", "start": "10:15", "end": "11:30", "title": "Calculus I", "instructor": "Rivera", "location": "KUPF 117", "section": "002"}
  ],
  "PHYS1": [
    {"id": 4, "days": "M", "start": "09:00", "end": "10:00"}
  ],
  "PHYS2": [
    {"id": 5, "days": "M", "start": "09:30", "end": "10:30"}
  ]
}`

// Two courses, three day-disjoint sections each: 9 valid combinations.
const grid = `{
  "A1": [
    {"id": 1, "days": "M", "start": "09:00", "end": "10:00"},
    {"id": 2, "days": "T", "start": "09:00", "end": "10:00"},
    {"id": 3, "days": "W", "start": "09:00", "end": "10:00"}
  ],
  "B1": [
    {"id": 4, "days": "R", "start": "09:00", "end": "10:00"},
    {"id": 5, "days": "F", "start": "09:00", "end": "10:00"},
    {"id": 6, "days": "S", "start": "09:00", "end": "10:00"}
  ]
}`

func testHolder(t *testing.T, data string) *catalog.Holder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sections.json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	h := catalog.NewHolder(path, logx.Nop(), nil)
	if err := h.LoadInitial(); err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	return h
}

// emptyHolder points at a missing file and is never loaded, so Get is nil.
func emptyHolder(t *testing.T) *catalog.Holder {
	t.Helper()
	return catalog.NewHolder(filepath.Join(t.TempDir(), "absent.json"), logx.Nop(), nil)
}

// newTestService builds a Service with handlers exercised in-process via
// the router; the listener stays off (Server.Enabled false).
func newTestService(t *testing.T, h *catalog.Holder, cfg *config.Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Server.Enabled = false
	svc := New(Deps{Holder: h, Log: logx.Nop()})
	if err := svc.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	return svc
}

func doJSON(t *testing.T, svc *Service, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	svc.router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAPISolveHappyPath(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	w := doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": ["cs100", "ma100"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Error("missing X-Request-ID header")
	}

	var resp solveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Schedules) != 2 {
		t.Fatalf("count = %d, schedules = %d, want 2", resp.Count, len(resp.Schedules))
	}
	if resp.Truncated {
		t.Error("truncated = true on an exhausted product")
	}
	first := resp.Schedules[0]
	if len(first) != 2 || first[0].Course != "CS100" || first[0].ID != "1" || first[1].Course != "MA100" {
		t.Errorf("first schedule = %+v", first)
	}
	if first[1].Title != "Calculus I" || first[1].Number != "002" {
		t.Errorf("display fields not carried: %+v", first[1])
	}
}

func TestAPISolveErrors(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	tests := []struct {
		name    string
		body    string
		status  int
		errCode string
	}{
		{"garbage body", `{nonsense`, http.StatusBadRequest, "malformed-request"},
		{"wrong type", `{"courses": "CS100", "start": "09:00", "end": "16:00", "days": "M"}`, http.StatusBadRequest, "malformed-request"},
		{"missing courses", `{"start": "09:00", "end": "16:00", "days": "M"}`, http.StatusBadRequest, "malformed-request"},
		{"missing days", `{"courses": ["CS100"], "start": "09:00", "end": "16:00"}`, http.StatusBadRequest, "malformed-request"},
		{"empty course list", `{"courses": [], "start": "09:00", "end": "16:00", "days": "M"}`, http.StatusUnprocessableEntity, "invalid-constraint"},
		{"unknown course", `{"courses": ["CS999", "cs999", "MA100"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`, http.StatusUnprocessableEntity, "unknown-course"},
		{"inverted window", `{"courses": ["CS100"], "start": "16:00", "end": "09:00", "days": "MTWRF"}`, http.StatusUnprocessableEntity, "invalid-constraint"},
		{"bad day token", `{"courses": ["CS100"], "start": "09:00", "end": "16:00", "days": "MX"}`, http.StatusUnprocessableEntity, "invalid-constraint"},
		{"explicit zero max", `{"courses": ["CS100"], "start": "09:00", "end": "16:00", "days": "MTWRF", "max": 0}`, http.StatusUnprocessableEntity, "invalid-constraint"},
		{"overlapping pair", `{"courses": ["PHYS1", "PHYS2"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`, http.StatusNotFound, "no-schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := doJSON(t, svc, http.MethodPost, "/api/solve", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			body := decodeBody(t, w)
			if body["error"] != tt.errCode {
				t.Errorf("error = %v, want %s", body["error"], tt.errCode)
			}
		})
	}
}

func TestAPISolveUnknownCourseListsEachOnce(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	w := doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": ["CS999", "cs999", "NOPE1"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	raw, ok := body["courses"].([]any)
	if !ok {
		t.Fatalf("courses missing from payload: %v", body)
	}
	got := make([]string, len(raw))
	for i, v := range raw {
		got[i] = v.(string)
	}
	if strings.Join(got, ",") != "CS999,NOPE1" {
		t.Errorf("courses = %v, want [CS999 NOPE1]", got)
	}
}

func TestAPISolveCapResolution(t *testing.T) {
	t.Parallel()

	t.Run("configured default applies when max absent", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Solver: config.SolverConfig{DefaultMaxSolutions: 1}}
		svc := newTestService(t, testHolder(t, grid), cfg)
		w := doJSON(t, svc, http.MethodPost, "/api/solve",
			`{"courses": ["A1", "B1"], "start": "09:00", "end": "16:00", "days": "MTWRFS"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp solveResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 1 || !resp.Truncated {
			t.Errorf("count = %d truncated = %v, want 1/true", resp.Count, resp.Truncated)
		}
	})

	t.Run("oversized max clamps to the limit", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Solver: config.SolverConfig{MaxSolutionsLimit: 4}}
		svc := newTestService(t, testHolder(t, grid), cfg)
		w := doJSON(t, svc, http.MethodPost, "/api/solve",
			`{"courses": ["A1", "B1"], "start": "09:00", "end": "16:00", "days": "MTWRFS", "max": 2000}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp solveResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 4 || !resp.Truncated {
			t.Errorf("count = %d truncated = %v, want 4/true", resp.Count, resp.Truncated)
		}
	})

	t.Run("explicit max below limit is honored", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, testHolder(t, grid), nil)
		w := doJSON(t, svc, http.MethodPost, "/api/solve",
			`{"courses": ["A1", "B1"], "start": "09:00", "end": "16:00", "days": "MTWRFS", "max": 50}`)
		var resp solveResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 9 || resp.Truncated {
			t.Errorf("count = %d truncated = %v, want 9/false", resp.Count, resp.Truncated)
		}
	})
}

func TestAPISolveCSV(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	w := doJSON(t, svc, http.MethodPost, "/api/solve?format=csv",
		`{"courses": ["cs100", "ma100"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 5 { // header + 2 schedules x 2 sections
		t.Fatalf("lines = %d, want 5:\n%s", len(lines), w.Body.String())
	}
	if lines[0] != "schedule,course,id,days,start,end,title,instructor,location,section" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1,CS100,1,M,09:00,10:15") {
		t.Errorf("first row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "Calculus I") || !strings.Contains(lines[2], "002") {
		t.Errorf("display fields missing from %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "2,CS100,2,T") {
		t.Errorf("second schedule row = %q", lines[3])
	}
}

func TestAPISolveCSVErrorsStayJSON(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	w := doJSON(t, svc, http.MethodPost, "/api/solve?format=csv",
		`{"courses": ["CS999"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want JSON error", ct)
	}
	if body := decodeBody(t, w); body["error"] != "unknown-course" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestAPISolveCatalogueUnavailable(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, emptyHolder(t), nil)

	w := doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": ["CS100"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "catalogue-unavailable" {
		t.Errorf("error = %v", body["error"])
	}
}

// fakeStore records calls; the cache is a plain map without expiry.
type fakeStore struct {
	mu      sync.Mutex
	appends []storage.SolveRecord
	cache   map[string][]byte
	gets    int
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{cache: make(map[string][]byte)}
}

func (f *fakeStore) AppendSolve(_ context.Context, rec storage.SolveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, rec)
	return nil
}

func (f *fakeStore) GetCached(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	p, ok := f.cache[key]
	return p, ok, nil
}

func (f *fakeStore) PutCached(_ context.Context, key string, payload []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.cache[key] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) counts() (gets, puts, appends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.puts, len(f.appends)
}

func TestAPISolveCacheRoundTrip(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	cfg := &config.Config{
		Storage: &config.StorageConfig{
			Enabled: true, Driver: "file", Path: "unused",
			Cache: config.CacheConfig{Enabled: true, TTL: "1m"},
		},
	}
	svc := New(Deps{Holder: testHolder(t, fixture), Store: st, Log: logx.Nop()})
	cfg.Server.Enabled = false
	if err := svc.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	body := `{"courses": ["CS100", "MA100"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`
	first := doJSON(t, svc, http.MethodPost, "/api/solve", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := doJSON(t, svc, http.MethodPost, "/api/solve", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("cached response differs from computed response")
	}

	gets, puts, appends := st.counts()
	if gets != 2 || puts != 1 {
		t.Errorf("gets = %d puts = %d, want 2/1", gets, puts)
	}
	// Only the computed solve is audited; the hit served bytes verbatim.
	if appends != 1 {
		t.Errorf("audit rows = %d, want 1", appends)
	}

	// An equivalent request with different spelling hits the same entry.
	third := doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": [" cs100 ", "ma100"], "start": "9:00", "end": "16:00", "days": "frmtw"}`)
	if third.Code != http.StatusOK {
		t.Fatalf("third status = %d", third.Code)
	}
	gets, puts, _ = st.counts()
	if gets != 3 || puts != 1 {
		t.Errorf("after normalized repeat: gets = %d puts = %d, want 3/1", gets, puts)
	}
}

func TestAuditRecordsSolves(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc := New(Deps{Holder: testHolder(t, fixture), Store: st, Log: logx.Nop()})
	if err := svc.Reconfigure(context.Background(), &config.Config{}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": ["CS100", "MA100"], "start": "9:00", "end": "16:00", "days": "MTWRF"}`)
	doJSON(t, svc, http.MethodPost, "/api/solve",
		`{"courses": ["CS999"], "start": "09:00", "end": "16:00", "days": "MTWRF"}`)

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.appends) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(st.appends))
	}
	ok := st.appends[0]
	if ok.Count != 2 || ok.Truncated || ok.Error != "" {
		t.Errorf("success row = %+v", ok)
	}
	if ok.Start != "09:00" || ok.Days != "FMRTW" {
		t.Errorf("row not normalized: start %q days %q", ok.Start, ok.Days)
	}
	if ok.RequestID == "" {
		t.Error("success row missing request id")
	}
	bad := st.appends[1]
	if bad.Count != 0 || !strings.Contains(bad.Error, "unknown course") {
		t.Errorf("failure row = %+v", bad)
	}
}

func TestAPICourses(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testHolder(t, fixture), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	w := httptest.NewRecorder()
	svc.router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Courses []struct {
			Code     string `json:"code"`
			Sections int    `json:"sections"`
		} `json:"courses"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 4 || len(resp.Courses) != 4 {
		t.Fatalf("count = %d, want 4", resp.Count)
	}
	if resp.Courses[0].Code != "CS100" || resp.Courses[0].Sections != 2 {
		t.Errorf("first = %+v, want CS100 with 2 sections", resp.Courses[0])
	}
	if resp.Courses[1].Code != "MA100" || resp.Courses[1].Sections != 1 {
		t.Errorf("second = %+v", resp.Courses[1])
	}
}

func TestAPICoursesUnavailable(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, emptyHolder(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	w := httptest.NewRecorder()
	svc.router().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("with catalogue and counters", func(t *testing.T) {
		t.Parallel()
		svc := New(Deps{
			Holder:   testHolder(t, fixture),
			Log:      logx.Nop(),
			Counters: func() rtsup.SupervisorCounters { return rtsup.SupervisorCounters{Active: 2, Started: 5} },
		})
		if err := svc.Reconfigure(context.Background(), &config.Config{}); err != nil {
			t.Fatalf("Reconfigure: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		svc.router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["status"] != "ok" {
			t.Errorf("status = %v", body["status"])
		}
		cat, ok := body["catalogue"].(map[string]any)
		if !ok {
			t.Fatalf("catalogue missing: %v", body)
		}
		if cat["courses"].(float64) != 4 || cat["sections"].(float64) != 5 {
			t.Errorf("catalogue = %v", cat)
		}
		sup, ok := body["supervisor"].(map[string]any)
		if !ok {
			t.Fatalf("supervisor missing: %v", body)
		}
		if sup["active"].(float64) != 2 || sup["started"].(float64) != 5 {
			t.Errorf("supervisor = %v", sup)
		}
	})

	t.Run("degraded without catalogue", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, emptyHolder(t), nil)
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		svc.router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, liveness must stay 200", w.Code)
		}
		if body := decodeBody(t, w); body["status"] != "degraded" {
			t.Errorf("status = %v, want degraded", body["status"])
		}
	})
}
