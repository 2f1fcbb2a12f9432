// Package httpserver is the public serving surface: the HTML form page,
// the JSON/CSV solve API, the course listing, and /healthz. One gin
// engine behind one http.Server, run under a supervisor restart loop.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scbldr/internal/catalog"
	"scbldr/internal/config"
	"scbldr/internal/eventbus"
	rtsup "scbldr/internal/runtime/supervisor"
	"scbldr/internal/solve"
	"scbldr/internal/storage"
	logx "scbldr/pkg/logx"
)

// MaxSolutionsLimit is the ceiling applied to requested caps when the
// config does not set one. Requests above it are clamped, not rejected.
const MaxSolutionsLimit = 500

type settings struct {
	enabled bool
	addr    string

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	rateEnabled bool
	rps         int
	burst       int

	defaultMax int
	maxLimit   int

	cacheEnabled bool
	cacheTTL     time.Duration
}

func resolve(cfg *config.Config) (settings, error) {
	st := settings{
		enabled:    cfg.Server.Enabled,
		addr:       strings.TrimSpace(cfg.Server.Addr),
		defaultMax: solve.DefaultMax,
		maxLimit:   MaxSolutionsLimit,
	}
	if st.addr == "" {
		st.addr = ":8080"
	}

	var err error
	if st.readTimeout, err = config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second); err != nil {
		return settings{}, err
	}
	if st.writeTimeout, err = config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second); err != nil {
		return settings{}, err
	}
	if st.shutdownTimeout, err = config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second); err != nil {
		return settings{}, err
	}

	if cfg.Server.Rate.Enabled {
		st.rateEnabled = true
		st.rps = cfg.Server.Rate.RPS
		if st.rps < 0 {
			return settings{}, errors.New("server.rate.rps: must be >= 0")
		}
		if st.rps == 0 {
			st.rps = 10
		}
		st.burst = cfg.Server.Rate.Burst
		if st.burst < 0 {
			return settings{}, errors.New("server.rate.burst: must be >= 0")
		}
		if st.burst == 0 {
			st.burst = 2 * st.rps
		}
	}

	if cfg.Solver.DefaultMaxSolutions < 0 || cfg.Solver.MaxSolutionsLimit < 0 {
		return settings{}, errors.New("solver: caps must be >= 0")
	}
	if cfg.Solver.DefaultMaxSolutions > 0 {
		st.defaultMax = cfg.Solver.DefaultMaxSolutions
	}
	if cfg.Solver.MaxSolutionsLimit > 0 {
		st.maxLimit = cfg.Solver.MaxSolutionsLimit
	}
	if st.defaultMax > st.maxLimit {
		st.defaultMax = st.maxLimit
	}

	if sc := cfg.Storage; sc != nil && sc.Enabled && sc.Cache.Enabled {
		st.cacheEnabled = true
		if st.cacheTTL, err = config.ParseDurationOrDefault("storage.cache.ttl", sc.Cache.TTL, 10*time.Minute); err != nil {
			return settings{}, err
		}
	}
	return st, nil
}

// Deps are the collaborators the handlers read. Counters feeds /healthz;
// a nil func reports zeros.
type Deps struct {
	Holder   *catalog.Holder
	Store    storage.Store
	Counters func() rtsup.SupervisorCounters
	Log      logx.Logger
	Bus      eventbus.Bus
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus

	holder   *catalog.Holder
	store    storage.Store
	counters func() rtsup.SupervisorCounters

	st  settings
	lim *rate.Limiter

	ln       net.Listener
	srv      *http.Server
	applied  settings
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	store := d.Store
	if store == nil {
		store = storage.Nop()
	}
	return &Service{
		log:      log.With(logx.String("comp", "server")),
		bus:      d.Bus,
		holder:   d.Holder,
		store:    store,
		counters: d.Counters,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.st.enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg. Rate limits and solver caps take effect on the
// next request; listener settings (addr, read/write timeouts) only apply
// to a fresh listener, so a change while running is logged as
// restart-required instead of bouncing the server mid-traffic.
func (s *Service) Reconfigure(ctx context.Context, cfg *config.Config) error {
	st, err := resolve(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.st
	s.st = st
	if !st.rateEnabled {
		s.lim = nil
	} else if s.lim == nil || prev.rps != st.rps || prev.burst != st.burst {
		s.lim = rate.NewLimiter(rate.Limit(st.rps), st.burst)
	}
	running := s.sup != nil
	applied := s.applied
	s.mu.Unlock()

	if !st.enabled {
		if running {
			s.Stop(ctx)
		}
		return nil
	}
	if !running {
		s.Start(ctx)
		return nil
	}
	if listenerChanged(applied, st) {
		s.log.Warn("server listener settings changed; restart required to apply",
			logx.String("addr", st.addr))
	}
	return nil
}

func listenerChanged(a, b settings) bool {
	return a.addr != b.addr ||
		a.readTimeout != b.readTimeout ||
		a.writeTimeout != b.writeTimeout
}

// Start is idempotent; a start racing a stop waits the stop out first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		if !s.st.enabled {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
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
	srv := s.srv
	ln := s.ln
	sup := s.sup
	drain := s.st.shutdownTimeout
	s.mu.Unlock()

	// Drain in the background so callers can time out without leaking state.
	go func() {
		defer close(done)

		if srv != nil {
			dctx, cancel := context.WithTimeout(context.Background(), drain)
			_ = srv.Shutdown(dctx)
			cancel()
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.st
	s.mu.Unlock()

	if !cur.enabled {
		return context.Canceled
	}

	ln, err := net.Listen("tcp", cur.addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cur.addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  cur.readTimeout,
		WriteTimeout: cur.writeTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.applied = cur
	s.mu.Unlock()

	// Stop(ctx) does the graceful drain; this is the bounded fallback for
	// supervisor cancellation.
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	addr := ln.Addr().String()
	s.log.Info("http server listening", logx.String("addr", addr))
	s.publish(eventbus.TypeServerStarted, addr, nil)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		s.publish(eventbus.TypeServerStopped, addr, nil)
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("http server exited unexpectedly")
	}
	s.publish(eventbus.TypeServerStopped, addr, err)
	return err
}

func (s *Service) publish(typ, addr string, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.ServerEvent{Addr: addr}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) snapshot() settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Service) limiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lim
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
