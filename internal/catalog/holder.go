package catalog

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scbldr/internal/eventbus"
	logx "scbldr/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Holder serves the current catalogue snapshot and hot-swaps it when the
// data file changes. In-flight solves keep the snapshot they started with;
// a failed reload keeps the previous snapshot serving.
type Holder struct {
	path string
	cur  atomic.Pointer[Catalog]

	log logx.Logger
	bus eventbus.Bus
}

func NewHolder(path string, log logx.Logger, bus eventbus.Bus) *Holder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Holder{path: path, log: log, bus: bus}
}

// Get returns the current snapshot (nil before the first successful load).
func (h *Holder) Get() *Catalog { return h.cur.Load() }

func (h *Holder) Path() string { return h.path }

// LoadInitial performs the startup load and publishes catalog.loaded.
// Failure here is fatal to the process; no requests are served without a
// resident catalogue.
func (h *Holder) LoadInitial() error {
	c, err := Load(h.path)
	if err != nil {
		return err
	}
	h.cur.Store(c)
	h.log.Info("catalogue loaded",
		logx.String("path", h.path),
		logx.Int("courses", c.Len()),
		logx.Int("sections", c.Sections()),
	)
	h.publish(eventbus.TypeCatalogLoaded, c, nil)
	return nil
}

// Reload loads a fresh catalogue and swaps it in on success. On failure the
// previous snapshot keeps serving; both outcomes are published on the bus.
// Returns true when a new snapshot was installed.
func (h *Holder) Reload() bool {
	c, err := Load(h.path)
	if err != nil {
		h.log.Warn("catalogue reload failed; keeping previous snapshot",
			logx.String("path", h.path), logx.Err(err))
		h.publish(eventbus.TypeCatalogReloadFailed, h.Get(), err)
		return false
	}
	h.cur.Store(c)
	h.log.Info("catalogue reloaded",
		logx.String("path", h.path),
		logx.Int("courses", c.Len()),
		logx.Int("sections", c.Sections()),
	)
	h.publish(eventbus.TypeCatalogReloaded, c, nil)
	return true
}

func (h *Holder) publish(typ string, c *Catalog, err error) {
	if h.bus == nil {
		return
	}
	ev := eventbus.CatalogEvent{Path: h.path}
	if c != nil {
		ev.Courses = c.Len()
		ev.Sections = c.Sections()
		ev.Stamp = c.LoadedAt()
	}
	if err != nil {
		ev.Err = err.Error()
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Watch follows the data file with fsnotify until ctx is canceled. Events
// are debounced so the scraper's write-then-rename lands as one reload; a
// broken watcher is recreated with jittered backoff.
func (h *Holder) Watch(ctx context.Context) error {
	dir := filepath.Dir(h.path)
	file := filepath.Base(h.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		h.log.Debug("catalogue change detected; scheduling reload", logx.String("path", h.path))
		timer = time.AfterFunc(250*time.Millisecond, func() { h.Reload() })
	}

	wait := func() time.Duration {
		w := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return w
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			h.log.Warn("catalogue watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}

		backoff = restartBackoffBase
		h.log.Debug("catalogue watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed the rename; reload once.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					h.log.Warn("catalogue watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				h.log.Warn("catalogue watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		d := wait()
		h.log.Warn("catalogue watcher stopped; restarting",
			logx.String("dir", dir), logx.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}
