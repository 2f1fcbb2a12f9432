package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scbldr/internal/alert"
	"scbldr/internal/catalog"
	"scbldr/internal/config"
	"scbldr/internal/eventbus"
	"scbldr/internal/httpserver"
	"scbldr/internal/observability/pprof"
	"scbldr/internal/scrape"
	"scbldr/internal/storage"
	logx "scbldr/pkg/logx"
	"scbldr/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	holder *catalog.Holder

	scraper *scrape.Service
	alerts  *alert.Service
	pprof   *pprof.Service
	server  *httpserver.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	store := storage.Nop()
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	holder := catalog.NewHolder(cfg.Catalog.Path, log, bus)

	scraper := scrape.New(cfg.Catalog.Path, log, bus)
	if err := scraper.Apply(cfg.Scrape); err != nil {
		return nil, err
	}

	// The Telegram sender is built whenever a token is present, not only when
	// alerts are enabled, so a reload can enable alerting without a restart.
	var sender alert.Sender
	if cfg.Alerts != nil && strings.TrimSpace(cfg.Alerts.Telegram.Token) != "" {
		tg, err := alert.NewTelegram(cfg.Alerts.Telegram)
		if err != nil {
			return nil, err
		}
		sender = tg
	}
	alerts := alert.New(sender, log, bus)
	if err := alerts.Apply(cfg.Alerts); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		holder:  holder,
		scraper: scraper,
		alerts:  alerts,
		pprof:   pprof.New(log),
	}
	a.server = httpserver.New(httpserver.Deps{
		Holder:   holder,
		Store:    store,
		Counters: a.counters,
		Log:      log,
		Bus:      bus,
	})
	return a, nil
}

func (a *App) counters() SupervisorCounters {
	if a.sup == nil {
		return SupervisorCounters{}
	}
	return a.sup.Counters()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return config.Validate(cfg)
	})

	cfg := a.cfgm.Get()

	// Initial catalogue load. A missing or broken file is fatal unless the
	// scraper can produce one, in which case serving starts degraded (503 on
	// solve routes) until the first refresh lands.
	if err := a.holder.LoadInitial(); err != nil {
		if !cfg.Scrape.Enabled {
			return fmt.Errorf("catalog: %w", err)
		}
		a.log.Warn("catalogue not loadable at startup; waiting for first refresh",
			logx.String("path", cfg.Catalog.Path), logx.Err(err))
	}

	if cfg.Catalog.Watch {
		a.sup.GoRestart("catalog.watch", func(c context.Context) error {
			return a.holder.Watch(c)
		})
	}

	// The refresh loop idles while scrape.enabled is false, so it always runs.
	a.sup.GoRestart("scrape.run", func(c context.Context) error {
		return a.scraper.Run(c)
	})

	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}

	if err := a.pprof.Reconfigure(a.sup.Context(), cfg.Pprof); err != nil {
		return err
	}
	if err := a.server.Reconfigure(a.sup.Context(), cfg); err != nil {
		return err
	}

	// Optional: log events for observability/debug (components also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for the logs.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				if telegramChanged(lastApplied, newCfg) {
					a.log.Warn("alerts.telegram changed; restart required to apply")
				}
				lastApplied = newCfg

				for _, sec := range sections {
					switch sec {
					case "storage":
						a.log.Warn("storage config changed; restart required to apply")
					case "catalog":
						a.log.Warn("catalog config changed; restart required to apply")
					case "watchdog":
						a.log.Warn("watchdog config changed; restart required to apply")
					}
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:  newCfg.Logging.Level,
					Format: newCfg.Logging.Format,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply scrape updates (live; the loop re-plans on Apply)
				if err := a.scraper.Apply(newCfg.Scrape); err != nil {
					a.log.Warn("invalid scrape config; keeping previous", logx.Err(err))
				}

				// apply alert updates (live)
				prevAlerts := a.alerts.Enabled()
				if err := a.alerts.Apply(newCfg.Alerts); err != nil {
					a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
				} else if nowAlerts := a.alerts.Enabled(); prevAlerts && !nowAlerts {
					a.log.Info("alerts disabled via config")
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.alerts.Stop(stopCtx)
					cancel()
				} else if !prevAlerts && nowAlerts {
					a.log.Info("alerts enabled via config")
					a.alerts.Start(c)
				}

				// apply pprof updates (live)
				if err := a.pprof.Reconfigure(c, newCfg.Pprof); err != nil {
					a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				}

				// apply server updates (rate/caps/cache live; listener changes log
				// their own restart-required warning)
				if err := a.server.Reconfigure(c, newCfg); err != nil {
					a.log.Warn("invalid server config; keeping previous", logx.Err(err))
				}

				// Keep the final log line concise (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("config.sighup", func(c context.Context) {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGHUP)
		defer signal.Stop(ch)
		for {
			select {
			case <-c.Done():
				return
			case <-ch:
				a.log.Info("SIGHUP received; reloading config")
				a.cfgm.Reload(c)
			}
		}
	})

	if cfg.Watchdog.Enabled {
		if sent, err := systemd.Ready(); err != nil {
			a.log.Warn("systemd ready notify failed", logx.Err(err))
		} else if sent {
			a.log.Debug("systemd notified ready")
		}
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.WatchdogLoop(c, a.log)
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Watchdog.Enabled {
		_, _ = systemd.Stopping()
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Order: stop intake (server) before the pipelines behind it, storage last
	// so late audit/cache writes still land.
	step("server", 5*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (watchers, refresh loop, reload fan-out).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// telegramChanged reports whether the sender-affecting part of the alerts
// section differs. The sender is constructed once at boot.
func telegramChanged(oldCfg, newCfg *Config) bool {
	var o, n config.TelegramConfig
	if oldCfg != nil && oldCfg.Alerts != nil {
		o = oldCfg.Alerts.Telegram
	}
	if newCfg != nil && newCfg.Alerts != nil {
		n = newCfg.Alerts.Telegram
	}
	return o != n
}
