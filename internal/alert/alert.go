// Package alert pushes operator notifications for failures observed on
// the event bus, with a recovery notice once the failing component
// succeeds again.
//
// Pipeline: event -> message -> dedup -> bounded queue -> worker
// (rate limit, retry with backoff) -> Sender. Everything is best-effort;
// a slow or broken alert channel never blocks serving.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"scbldr/internal/config"
	"scbldr/internal/eventbus"
	rtsup "scbldr/internal/runtime/supervisor"
	logx "scbldr/pkg/logx"
)

const dedupMaxEntries = 2000

// Alert severities. Failure and recovery map to the failure state
// tracked per source; info is everything else.
const (
	levelInfo = iota
	levelRecovery
	levelFailure
)

func prefixFor(level int) string {
	switch level {
	case levelFailure:
		return "⚠️ "
	case levelRecovery:
		return "✅ "
	default:
		return "ℹ️ "
	}
}

type settings struct {
	enabled       bool
	workers       int
	queueSize     int
	ratePerSec    int
	retryMax      int
	retryBase     time.Duration
	retryMaxDelay time.Duration
	dedupWindow   time.Duration
}

type job struct {
	text string
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
	source   string
}

// Service implements the async alert pipeline. It is safe for
// concurrent use; Apply may be called while the pipeline runs.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	st      settings
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	stopCh   chan struct{}
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Failure state per source, so the matching success event becomes a
	// recovery notice instead of noise.
	fmu     sync.Mutex
	failing map[string]bool
}

// New builds a Service around sender. A nil sender is tolerated until
// Start; call Apply before Start.
func New(sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "alerts")),
		bus:     bus,
		dedup:   map[string]time.Time{},
		failing: map[string]bool{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.st.enabled
	s.mu.Unlock()
	return en
}

// Apply resolves and installs new settings. Omitted fields get defaults;
// on error the previous settings stay in effect. Workers and queue size
// only take effect on the next Start.
func (s *Service) Apply(cfg *config.AlertsConfig) error {
	st, err := resolve(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.st = st
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(st.ratePerSec), st.ratePerSec)
	s.mu.Unlock()
	return nil
}

func resolve(cfg *config.AlertsConfig) (settings, error) {
	st := settings{
		workers:       1,
		queueSize:     128,
		ratePerSec:    3,
		retryMax:      3,
		retryBase:     500 * time.Millisecond,
		retryMaxDelay: 10 * time.Second,
		dedupWindow:   10 * time.Minute,
	}
	if cfg == nil {
		return st, nil
	}
	st.enabled = cfg.Enabled
	if cfg.Workers != 0 {
		st.workers = cfg.Workers
	}
	if cfg.QueueSize != 0 {
		st.queueSize = cfg.QueueSize
	}
	if cfg.RatePerSec != 0 {
		st.ratePerSec = cfg.RatePerSec
	}
	if cfg.RetryMax != 0 {
		st.retryMax = cfg.RetryMax
	}

	var err error
	st.retryBase, err = config.ParseDurationOrDefault("alerts.retry_base", cfg.RetryBase, st.retryBase)
	if err != nil {
		return settings{}, err
	}
	st.retryMaxDelay, err = config.ParseDurationOrDefault("alerts.retry_max_delay", cfg.RetryMaxDelay, st.retryMaxDelay)
	if err != nil {
		return settings{}, err
	}
	st.dedupWindow, err = config.ParseDurationOrDefault("alerts.dedup_window", cfg.DedupWindow, st.dedupWindow)
	if err != nil {
		return settings{}, err
	}

	if st.workers < 0 {
		return settings{}, fmt.Errorf("alerts.workers: must be >= 0")
	}
	if st.queueSize < 0 {
		return settings{}, fmt.Errorf("alerts.queue_size: must be >= 0")
	}
	if st.ratePerSec < 0 {
		return settings{}, fmt.Errorf("alerts.rate_per_sec: must be >= 0")
	}
	if st.retryMax < 0 {
		return settings{}, fmt.Errorf("alerts.retry_max: must be >= 0")
	}
	return st, nil
}

// Start launches the bus consumer, the queue, and the workers. It is
// idempotent and a no-op while the service is disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.st.enabled {
		s.mu.Unlock()
		return
	}
	if s.sender == nil {
		s.mu.Unlock()
		s.log.Warn("alerts enabled but no sender configured")
		return
	}

	s.queue = make(chan job, s.st.queueSize)
	s.stopCh = make(chan struct{})
	s.accepting = true
	workers := s.st.workers
	if workers <= 0 {
		workers = 1
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Alert delivery is best-effort; never take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	stop := s.stopCh
	s.mu.Unlock()

	sup.GoRestart("events", func(c context.Context) error {
		s.consumeEvents(c, stop)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return context.Canceled
		}
		return errors.New("alert event loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	stop := s.stopCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		if stop != nil {
			func() {
				defer func() { _ = recover() }()
				close(stop)
			}()
		}
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) consumeEvents(ctx context.Context, stop <-chan struct{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.bus == nil {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		return
	}

	ch, unsub := s.bus.SubscribeTypes(64,
		eventbus.TypeCatalogReloadFailed,
		eventbus.TypeCatalogReloaded,
		eventbus.TypeScrapeFailed,
		eventbus.TypeScrapeSucceeded,
		eventbus.TypeServerStarted,
		eventbus.TypeServerStopped,
	)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.handle(e)
		}
	}
}

func (s *Service) handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeCatalogReloadFailed:
		d, ok := e.Data.(eventbus.CatalogEvent)
		if !ok {
			return
		}
		s.noteFailure("catalog")
		s.submit("catalog", levelFailure, fmt.Sprintf("catalogue reload failed\npath: %s\nerr: %s", d.Path, d.Err))

	case eventbus.TypeCatalogReloaded:
		d, ok := e.Data.(eventbus.CatalogEvent)
		if !ok || !s.clearFailure("catalog") {
			return
		}
		s.submit("catalog", levelRecovery, fmt.Sprintf("catalogue reload recovered\n%s courses, %s sections",
			humanize.Comma(int64(d.Courses)), humanize.Comma(int64(d.Sections))))

	case eventbus.TypeScrapeFailed:
		d, ok := e.Data.(eventbus.ScrapeEvent)
		if !ok {
			return
		}
		s.noteFailure("scrape")
		s.submit("scrape", levelFailure, fmt.Sprintf("catalogue refresh failed\nurl: %s\nafter: %s\nerr: %s",
			d.URL, d.Duration.Round(time.Millisecond), d.Err))

	case eventbus.TypeScrapeSucceeded:
		d, ok := e.Data.(eventbus.ScrapeEvent)
		if !ok || !s.clearFailure("scrape") {
			return
		}
		s.submit("scrape", levelRecovery, fmt.Sprintf("catalogue refresh recovered\n%s courses, %s sections in %s",
			humanize.Comma(int64(d.Courses)), humanize.Comma(int64(d.Sections)), d.Duration.Round(time.Millisecond)))

	case eventbus.TypeServerStarted:
		d, ok := e.Data.(eventbus.ServerEvent)
		if !ok {
			return
		}
		if s.clearFailure("server") {
			s.submit("server", levelRecovery, "http server recovered on "+d.Addr)
			return
		}
		s.submit("server", levelInfo, "http server listening on "+d.Addr)

	case eventbus.TypeServerStopped:
		d, ok := e.Data.(eventbus.ServerEvent)
		if !ok || d.Err == "" {
			return
		}
		s.noteFailure("server")
		s.submit("server", levelFailure, fmt.Sprintf("http server stopped\naddr: %s\nerr: %s", d.Addr, d.Err))
	}
}

func (s *Service) noteFailure(src string) {
	s.fmu.Lock()
	if s.failing == nil {
		s.failing = map[string]bool{}
	}
	s.failing[src] = true
	s.fmu.Unlock()
}

// clearFailure reports whether src was failing, and resets it.
func (s *Service) clearFailure(src string) bool {
	s.fmu.Lock()
	was := s.failing[src]
	delete(s.failing, src)
	s.fmu.Unlock()
	return was
}

func (s *Service) submit(src string, level int, text string) {
	s.mu.Lock()
	if !s.st.enabled || !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue
	window := s.st.dedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	text = prefixFor(level) + text
	key := dedupKey(src, level, text)
	if window > 0 && !s.dedupAllow(key, window) {
		s.publish(eventbus.TypeAlertDeduped, eventbus.AlertEvent{Source: src, Key: key})
		return
	}

	select {
	case q <- job{text: text, dedupKey: key, source: src}:
	default:
		s.log.Warn("alert dropped (queue full)", logx.String("source", src), logx.String("key", key))
		s.publish(eventbus.TypeAlertDropped, eventbus.AlertEvent{Source: src, Key: key, Err: "queue full"})
	}
}

func (s *Service) publish(typ string, data eventbus.AlertEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	if runCtx == nil {
		runCtx = context.Background()
	}

	// Config snapshot for this send.
	s.mu.Lock()
	st := s.st
	lim := s.limiter
	snd := s.sender
	log := s.log
	s.mu.Unlock()

	if snd == nil || j.text == "" {
		return
	}

	maxAttempts := 1
	if st.retryMax > 0 {
		maxAttempts = 1 + st.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := snd.Send(callCtx, j.text)
		cancel()
		if err == nil {
			s.publish(eventbus.TypeAlertSent, eventbus.AlertEvent{Source: j.source, Key: j.dedupKey})
			return
		}
		lastErr = err
		log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(st.retryBase, st.retryMaxDelay, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		log.Warn("alert delivery failed", logx.Err(lastErr), logx.String("source", j.source))
		s.publish(eventbus.TypeAlertFailed, eventbus.AlertEvent{Source: j.source, Key: j.dedupKey, Err: lastErr.Error()})
	}
}

func dedupKey(src string, level int, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(src))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d|", level)))
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > dedupMaxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is exponential backoff (base * 2^(attempt-1)) with 0.7..1.3
// jitter, capped at maxD.
func retryDelay(base, maxD time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
