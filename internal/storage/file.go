package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "scbldr/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files, derived from Config.Path ("data/scbldr" -> "data/scbldr.*"):
//   - <prefix>.audit.jsonl          (append-only JSON Lines, created lazily)
//   - <prefix>.cache.snapshot.json  (periodic cache snapshot)
//   - <prefix>.cache.journal.jsonl  (append-only cache journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File // nil until the first append

	cacheSnapshotPath string
	cacheJournalFile  *os.File
	cache             map[string]cacheEntry

	cacheWrites int
}

type cacheEntry struct {
	Payload []byte `json:"payload"`
	Until   int64  `json:"until"` // unix milli
}

type cacheRecord struct {
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
	Until   int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".cache.snapshot.json"
	journalPath := prefix + ".cache.journal.jsonl"

	// Rebuild the cache from snapshot + journal; both are optional.
	cache := map[string]cacheEntry{}
	_ = loadCacheSnapshot(snapPath, cache)
	_ = replayCacheJournal(journalPath, cache)
	pruneExpired(cache)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:               log,
		auditPath:         prefix + ".audit.jsonl",
		cacheSnapshotPath: snapPath,
		cacheJournalFile:  jf,
		cache:             cache,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.cacheJournalFile != nil {
		err2 = s.cacheJournalFile.Close()
		s.cacheJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendSolve(ctx context.Context, rec SolveRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		s.auditFile = f
	}
	return json.NewEncoder(s.auditFile).Encode(rec)
}

func (s *fileStore) PutCached(ctx context.Context, key string, payload []byte, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheJournalFile == nil {
		return errors.New("cache journal closed")
	}
	s.cache[key] = cacheEntry{Payload: payload, Until: ms}

	if err := json.NewEncoder(s.cacheJournalFile).Encode(cacheRecord{Key: key, Payload: payload, Until: ms}); err != nil {
		return err
	}
	s.cacheWrites++
	if s.cacheWrites%256 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cache compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetCached(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	if e.Until < time.Now().UnixMilli() {
		delete(s.cache, key)
		return nil, false, nil
	}
	return e.Payload, true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.cache)

	tmp := s.cacheSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.cache); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.cacheSnapshotPath); err != nil {
		return err
	}
	// Truncate the journal; the snapshot now carries everything.
	if err := s.cacheJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.cacheJournalFile.Seek(0, 2)
	return err
}

func loadCacheSnapshot(path string, out map[string]cacheEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]cacheEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayCacheJournal(path string, out map[string]cacheEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r cacheRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = cacheEntry{Payload: r.Payload, Until: r.Until}
	}
	return sc.Err()
}

func pruneExpired(m map[string]cacheEntry) {
	now := time.Now().UnixMilli()
	for k, e := range m {
		if e.Until < now {
			delete(m, k)
		}
	}
}
