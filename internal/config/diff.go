package config

import (
	"reflect"
	"sort"
	"strings"

	logx "scbldr/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (telegram token, pprof token) are
// reported as booleans, never as values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.path", strings.TrimSpace(newCfg.Catalog.Path)),
			logx.Bool("catalog.watch", newCfg.Catalog.Watch),
		)
	}

	if !reflect.DeepEqual(oldCfg.Solver, newCfg.Solver) {
		changed = append(changed, "solver")
		attrs = append(attrs,
			logx.Int("solver.default_max_solutions", newCfg.Solver.DefaultMaxSolutions),
			logx.Int("solver.max_solutions_limit", newCfg.Solver.MaxSolutionsLimit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.rate_enabled", newCfg.Server.Rate.Enabled),
			logx.Int("server.rate_rps", newCfg.Server.Rate.RPS),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scrape, newCfg.Scrape) {
		changed = append(changed, "scrape")
		attrs = append(attrs,
			logx.Bool("scrape.enabled", newCfg.Scrape.Enabled),
			logx.String("scrape.schedule", strings.TrimSpace(newCfg.Scrape.Schedule)),
			logx.Bool("scrape.url_set", strings.TrimSpace(newCfg.Scrape.URL) != ""),
		)
	}

	// Storage: nil means disabled.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if (oldS == nil) != (newS == nil) || (oldS != nil && newS != nil && !reflect.DeepEqual(*oldS, *newS)) {
		changed = append(changed, "storage")
		var driver string
		var cacheOn bool
		if newS != nil {
			driver = strings.TrimSpace(newS.Driver)
			cacheOn = newS.Cache.Enabled
		}
		attrs = append(attrs,
			logx.Bool("storage.present", newS != nil),
			logx.String("storage.driver", driver),
			logx.Bool("storage.cache_enabled", cacheOn),
		)
	}

	// Alerts: nil means disabled; never log the token.
	oldA, newA := oldCfg.Alerts, newCfg.Alerts
	if (oldA == nil) != (newA == nil) || (oldA != nil && newA != nil && !reflect.DeepEqual(*oldA, *newA)) {
		changed = append(changed, "alerts")
		var enabled, tokenSet bool
		var ratePerSec int
		if newA != nil {
			enabled = newA.Enabled
			tokenSet = strings.TrimSpace(newA.Telegram.Token) != ""
			ratePerSec = newA.RatePerSec
		}
		attrs = append(attrs,
			logx.Bool("alerts.enabled", enabled),
			logx.Bool("alerts.token_set", tokenSet),
			logx.Int("alerts.rate_per_sec", ratePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}
