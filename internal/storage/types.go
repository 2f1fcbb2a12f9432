package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (behind the sqlite build tag)
//
// If Driver is empty or "none", Open returns the no-op store.
type Config struct {
	Driver      string
	Path        string        // file prefix (file driver) or db path (sqlite)
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CacheKey fingerprints a normalized solve request against one catalogue
// generation: FNV-1a over the request fields plus the catalogue load
// stamp, so a reload invalidates every cached result implicitly.
func CacheKey(courses []string, start, end, days string, max int, stamp int64) string {
	h := fnv.New64a()
	for _, c := range courses {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte(","))
	}
	fmt.Fprintf(h, "|%s|%s|%s|%d|%d", start, end, days, max, stamp)
	return fmt.Sprintf("%x", h.Sum64())
}

// SolveRecord is one audit row for a solve request.
// Keep it compact and schema-stable.
type SolveRecord struct {
	At         time.Time `json:"at"`
	RequestID  string    `json:"request_id"`
	Courses    []string  `json:"courses"`
	Start      string    `json:"start"`
	End        string    `json:"end"`
	Days       string    `json:"days"`
	Max        int       `json:"max"`
	Count      int       `json:"count"`
	Truncated  bool      `json:"truncated"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
