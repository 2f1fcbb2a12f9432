package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Catalog CatalogConfig `json:"catalog"`
	Solver  SolverConfig  `json:"solver,omitempty"`
	Server  ServerConfig  `json:"server"`
	Scrape  ScrapeConfig  `json:"scrape,omitempty"`

	// Storage and Alerts are optional; nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`

	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format selects the stdout sink: "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CatalogConfig points at the section data file produced by the scraper
// (or by hand). Watch enables hot reload on file change.
type CatalogConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

// SolverConfig bounds the enumeration cap.
//
// Defaults (when fields are omitted/zero):
//   - default_max_solutions: 50
//   - max_solutions_limit: 500
//
// Requests asking for more than the limit are clamped, not rejected.
type SolverConfig struct {
	DefaultMaxSolutions int `json:"default_max_solutions,omitempty"`
	MaxSolutionsLimit   int `json:"max_solutions_limit,omitempty"`
}

// ServerConfig controls the public HTTP server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"

	ReadTimeout     string `json:"read_timeout,omitempty"`     // default "10s"
	WriteTimeout    string `json:"write_timeout,omitempty"`    // default "30s"
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default "10s"

	Rate RateConfig `json:"rate"`
}

// RateConfig is a token-bucket limit applied to solve requests.
type RateConfig struct {
	Enabled bool `json:"enabled"`
	RPS     int  `json:"rps,omitempty"`   // default 10
	Burst   int  `json:"burst,omitempty"` // default 2*RPS
}

// ScrapeConfig controls the upstream catalogue refresh.
//
// Schedule accepts "cron:<spec>", "every:<duration>" (alias "interval:"),
// or a daily "HH:MM" local time.
type ScrapeConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Schedule   string `json:"schedule,omitempty"` // default "every:24h"
	Timeout    string `json:"timeout,omitempty"`  // default "2m"
	RunOnStart bool   `json:"run_on_start,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// StorageConfig controls the optional persistence layer
// (solve audit log + result cache). Omitting the section or leaving
// enabled false disables persistence.
//
// Example:
//
//	"storage": { "enabled": true, "driver": "file", "path": "data/scbldr" }
type StorageConfig struct {
	Enabled     bool        `json:"enabled"`
	Driver      string      `json:"driver,omitempty"` // default "file"
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Cache       CacheConfig `json:"cache"`
}

// CacheConfig controls solve-result memoization.
type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	TTL     string `json:"ttl,omitempty"` // default "10m"
}

// AlertsConfig controls operator notifications (Telegram).
//
// All durations are Go duration strings.
type AlertsConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`

	Workers       int    `json:"workers,omitempty"`      // default 1
	QueueSize     int    `json:"queue_size,omitempty"`   // default 128
	RatePerSec    int    `json:"rate_per_sec,omitempty"` // default 3
	RetryMax      int    `json:"retry_max,omitempty"`    // default 3
	RetryBase     string `json:"retry_base,omitempty"`   // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"` // default "10m"
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// WatchdogConfig enables systemd readiness + watchdog integration.
type WatchdogConfig struct {
	Enabled bool `json:"enabled"`
}
