package scrape

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"scbldr/internal/config"
	"scbldr/internal/eventbus"
	logx "scbldr/pkg/logx"
)

// Service runs scheduled catalogue refreshes. The loop itself is started by
// the application under its supervisor; Apply may be called concurrently
// whenever the configuration changes.
type Service struct {
	dest   string
	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client

	mu      sync.Mutex
	enabled bool
	url     string
	ua      string
	timeout time.Duration
	spec    Spec
	pending bool // run requested before the next scheduled slot

	wake chan struct{}
}

// New builds a Service that refreshes the catalogue file at dest. Call
// Apply before Run.
func New(dest string, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		dest:   dest,
		log:    log.With(logx.String("comp", "scrape")),
		bus:    bus,
		client: &http.Client{},
		wake:   make(chan struct{}, 1),
	}
}

// Apply installs new scrape settings and wakes the loop so the next run is
// recomputed. A bad schedule or timeout is returned and the previous
// settings stay in effect.
func (s *Service) Apply(cfg config.ScrapeConfig) error {
	timeout, err := config.ParseDurationOrDefault("scrape.timeout", cfg.Timeout, 2*time.Minute)
	if err != nil {
		return err
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = "every:24h"
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasEnabled := s.enabled
	s.enabled = cfg.Enabled
	s.url = strings.TrimSpace(cfg.URL)
	s.ua = strings.TrimSpace(cfg.UserAgent)
	s.timeout = timeout
	s.spec = spec
	if cfg.Enabled && !wasEnabled && cfg.RunOnStart {
		s.pending = true
	}
	s.mu.Unlock()
	s.poke()
	return nil
}

// Run is the refresh loop. It sleeps until the next scheduled slot, a
// configuration change, or ctx cancellation; a disabled service just waits.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		enabled := s.enabled
		pending := s.pending
		s.pending = false
		spec := s.spec
		s.mu.Unlock()

		if !enabled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		if pending {
			_ = s.RunOnce(ctx)
			continue
		}

		next := spec.Next(time.Now())
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		s.log.Debug("next refresh scheduled", logx.Time("at", next), logx.String("schedule", spec.String()))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one refresh under the configured timeout, logging the
// outcome and publishing a scrape event either way.
func (s *Service) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	url := s.url
	ua := s.ua
	timeout := s.timeout
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	courses, sections, err := Refresh(runCtx, s.client, url, ua, s.dest)
	took := time.Since(start)
	if err != nil {
		s.log.Error("catalogue refresh failed", logx.Err(err), logx.Duration("took", took))
		s.publish(eventbus.TypeScrapeFailed, eventbus.ScrapeEvent{
			URL: url, Duration: took, Err: err.Error(),
		})
		return err
	}
	s.log.Info("catalogue refreshed",
		logx.Int("courses", courses),
		logx.Int("sections", sections),
		logx.Duration("took", took))
	s.publish(eventbus.TypeScrapeSucceeded, eventbus.ScrapeEvent{
		URL: url, Courses: courses, Sections: sections, Duration: took,
	})
	return nil
}

func (s *Service) publish(typ string, ev eventbus.ScrapeEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
