package config

import (
	"fmt"
	"strings"
)

// Validate checks a parsed config for values that can never work.
// It is used both at startup and as the hot-reload gate, so it must not
// touch the filesystem or the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
		}
	}
	if f := strings.TrimSpace(cfg.Logging.Format); f != "" {
		switch strings.ToLower(f) {
		case "console", "json":
		default:
			return fmt.Errorf("logging.format: must be console or json, got %q", cfg.Logging.Format)
		}
	}

	if strings.TrimSpace(cfg.Catalog.Path) == "" {
		return fmt.Errorf("catalog.path: required")
	}

	if cfg.Solver.DefaultMaxSolutions < 0 {
		return fmt.Errorf("solver.default_max_solutions: must be >= 0")
	}
	if cfg.Solver.MaxSolutionsLimit < 0 {
		return fmt.Errorf("solver.max_solutions_limit: must be >= 0")
	}
	if cfg.Solver.DefaultMaxSolutions > 0 && cfg.Solver.MaxSolutionsLimit > 0 &&
		cfg.Solver.DefaultMaxSolutions > cfg.Solver.MaxSolutionsLimit {
		return fmt.Errorf("solver.default_max_solutions: exceeds max_solutions_limit")
	}

	if cfg.Server.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"server.read_timeout", cfg.Server.ReadTimeout},
			{"server.write_timeout", cfg.Server.WriteTimeout},
			{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if cfg.Server.Rate.Enabled {
			if cfg.Server.Rate.RPS < 0 {
				return fmt.Errorf("server.rate.rps: must be >= 0")
			}
			if cfg.Server.Rate.Burst < 0 {
				return fmt.Errorf("server.rate.burst: must be >= 0")
			}
		}
	}

	if cfg.Scrape.Enabled {
		if strings.TrimSpace(cfg.Scrape.URL) == "" {
			return fmt.Errorf("scrape.url: required when scrape.enabled")
		}
		if _, err := ParseDurationField("scrape.timeout", cfg.Scrape.Timeout); err != nil {
			return err
		}
	}

	if cfg.Storage != nil {
		switch d := strings.TrimSpace(cfg.Storage.Driver); d {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", d)
		}
		if cfg.Storage.Enabled && strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required when storage.enabled")
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.cache.ttl", cfg.Storage.Cache.TTL); err != nil {
			return err
		}
	}

	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		if strings.TrimSpace(cfg.Alerts.Telegram.Token) == "" {
			return fmt.Errorf("alerts.telegram.token: required when alerts.enabled")
		}
		if cfg.Alerts.Telegram.ChatID == 0 {
			return fmt.Errorf("alerts.telegram.chat_id: required when alerts.enabled")
		}
		for _, f := range []struct{ path, raw string }{
			{"alerts.retry_base", cfg.Alerts.RetryBase},
			{"alerts.retry_max_delay", cfg.Alerts.RetryMaxDelay},
			{"alerts.dedup_window", cfg.Alerts.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	if cfg.Pprof.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
			{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
			{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	return nil
}
