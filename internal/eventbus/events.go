package eventbus

import "time"

// Event types published by scbldr components. Payload types are documented
// next to each constant; subscribers type-assert Event.Data.
const (
	// TypeCatalogLoaded fires once after the initial catalogue load.
	// Payload: CatalogEvent.
	TypeCatalogLoaded = "catalog.loaded"
	// TypeCatalogReloaded fires when a watched catalogue file was reloaded
	// and the served snapshot swapped. Payload: CatalogEvent.
	TypeCatalogReloaded = "catalog.reloaded"
	// TypeCatalogReloadFailed fires when a reload attempt failed and the
	// previous snapshot is still serving. Payload: CatalogEvent (Err set).
	TypeCatalogReloadFailed = "catalog.reload_failed"

	// TypeScrapeSucceeded / TypeScrapeFailed report refresh runs.
	// Payload: ScrapeEvent.
	TypeScrapeSucceeded = "scrape.succeeded"
	TypeScrapeFailed    = "scrape.failed"

	// TypeServerStarted / TypeServerStopped report HTTP listener state.
	// Payload: ServerEvent.
	TypeServerStarted = "server.started"
	TypeServerStopped = "server.stopped"

	// TypeAlertSent / TypeAlertDropped / TypeAlertDeduped / TypeAlertFailed
	// report alert pipeline outcomes. Payload: AlertEvent.
	TypeAlertSent    = "alert.sent"
	TypeAlertDropped = "alert.dropped"
	TypeAlertDeduped = "alert.deduped"
	TypeAlertFailed  = "alert.failed"
)

// CatalogEvent describes a catalogue (re)load.
type CatalogEvent struct {
	Path     string    `json:"path"`
	Courses  int       `json:"courses"`
	Sections int       `json:"sections"`
	Stamp    time.Time `json:"stamp"`
	Err      string    `json:"err,omitempty"`
}

// ScrapeEvent describes one catalogue refresh run.
type ScrapeEvent struct {
	URL      string        `json:"url"`
	Courses  int           `json:"courses"`
	Sections int           `json:"sections"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
}

// ServerEvent describes HTTP listener lifecycle.
type ServerEvent struct {
	Addr string `json:"addr"`
	Err  string `json:"err,omitempty"`
}

// AlertEvent describes one alert pipeline outcome. Key is the dedup key
// of the underlying message.
type AlertEvent struct {
	Source string `json:"source"`
	Key    string `json:"key"`
	Err    string `json:"err,omitempty"`
}
