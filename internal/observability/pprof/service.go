// Package pprof serves net/http/pprof on its own listener, guarded
// against accidental public exposure: a non-loopback bind requires a
// token or an explicit allow_insecure.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"scbldr/internal/config"
	rtsup "scbldr/internal/runtime/supervisor"
	logx "scbldr/pkg/logx"
)

type settings struct {
	enabled       bool
	addr          string
	token         string
	allowInsecure bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func resolve(cfg config.PprofConfig) (settings, error) {
	st := settings{
		enabled:       cfg.Enabled,
		addr:          strings.TrimSpace(cfg.Addr),
		token:         strings.TrimSpace(cfg.Token),
		allowInsecure: cfg.AllowInsecure,
	}
	if st.addr == "" {
		st.addr = "127.0.0.1:6060"
	}
	var err error
	if st.readTimeout, err = config.ParseDurationField("pprof.read_timeout", cfg.ReadTimeout); err != nil {
		return settings{}, err
	}
	// Zero write timeout keeps /profile (30s+) working.
	if st.writeTimeout, err = config.ParseDurationField("pprof.write_timeout", cfg.WriteTimeout); err != nil {
		return settings{}, err
	}
	if st.idleTimeout, err = config.ParseDurationField("pprof.idle_timeout", cfg.IdleTimeout); err != nil {
		return settings{}, err
	}
	return st, nil
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	st  settings

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "pprof"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.st.enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg config.PprofConfig) error {
	st, err := resolve(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.st
	running := s.sup != nil
	s.st = st
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

	if needsRestart(prev, st) {
		s.Stop(ctx)
		s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b settings) bool {
	if a.addr != b.addr {
		return true
	}
	if a.token != b.token {
		return true
	}
	if a.allowInsecure != b.allowInsecure {
		return true
	}
	// Timeouts affect server behavior; easiest is restart.
	if a.readTimeout != b.readTimeout || a.writeTimeout != b.writeTimeout || a.idleTimeout != b.idleTimeout {
		return true
	}
	return false
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
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
			// pprof is optional observability; never hard-kill the app.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// Run the HTTP server under a restart loop so pprof self-heals.
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
	// If not running, nothing to do.
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)

		if srv != nil {
			_ = srv.Shutdown(ctx)
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
		s.log.Info("pprof stopped")
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.st
	log := s.log
	s.mu.Unlock()

	if !cur.enabled {
		return context.Canceled
	}

	// Safety: prevent accidental public exposure without auth.
	if !cur.allowInsecure && cur.token == "" && !isLoopbackAddr(cur.addr) {
		log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", cur.addr),
		)
		return errors.New("pprof refused to start: insecure bind")
	}
	if cur.allowInsecure && cur.token == "" && !isLoopbackAddr(cur.addr) {
		log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", cur.addr))
	}

	ln, err := net.Listen("tcp", cur.addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", cur.addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.token, h) }

	// Lightweight liveness endpoint on the private listener.
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cur.readTimeout,
		WriteTimeout: cur.writeTimeout,
		IdleTimeout:  cur.idleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Expose server handles for Stop().
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Ensure the server is stopped when the supervisor context is cancelled.
	go func() {
		<-ctx.Done()
		// Keep this bounded; the outer Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	listenAddr := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", listenAddr),
		logx.Bool("token_set", cur.token != ""),
		logx.String("hint", fmt.Sprintf("http://%s/debug/pprof/", listenAddr)),
	)

	err = srv.Serve(ln)

	// Clear handles if we still own them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
