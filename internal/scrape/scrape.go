// Package scrape refreshes the catalogue file from the upstream
// schedule-builder data service: fetch the JS payload, decode it into
// catalogue records, and atomically replace the file so the catalogue
// watcher picks it up.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"scbldr/internal/catalog"
)

// DefaultUserAgent identifies refresh requests upstream.
const DefaultUserAgent = "scbldr-refresh/1.0 (+https://github.com/scbldr)"

// maxPayload bounds the upstream response; a full-term payload is a few MB.
const maxPayload = 64 << 20

// Fetch downloads the raw data-service payload.
func Fetch(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > maxPayload {
		return nil, fmt.Errorf("fetch %s: payload exceeds %d bytes", url, maxPayload)
	}
	return body, nil
}

// WriteFile marshals records and replaces path via a same-directory temp
// file and rename, so the catalogue watcher never observes a partial file.
func WriteFile(path string, records map[string][]Record) error {
	data, err := json.MarshalIndent(records, "", " ")
	if err != nil {
		return fmt.Errorf("marshal catalogue: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Refresh runs one full refresh: fetch, decode, sanity-check against the
// catalogue loader, write. Counts are reported for logging and events. Any
// failure leaves the current file untouched.
func Refresh(ctx context.Context, client *http.Client, url, userAgent, dest string) (courses, sections int, err error) {
	raw, err := Fetch(ctx, client, url, userAgent)
	if err != nil {
		return 0, 0, err
	}
	records, err := Decode(raw)
	if err != nil {
		return 0, 0, err
	}
	for _, pool := range records {
		sections += len(pool)
	}
	if sections == 0 {
		return 0, 0, fmt.Errorf("decoded zero sections; refusing to replace %s", dest)
	}

	// Round-trip through the loader before touching the file: a record the
	// loader would reject must fail the refresh, not poison the catalogue.
	data, err := json.Marshal(records)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal catalogue: %w", err)
	}
	if _, err := catalog.Parse(data); err != nil {
		return 0, 0, fmt.Errorf("decoded catalogue fails to load: %w", err)
	}

	if err := WriteFile(dest, records); err != nil {
		return 0, 0, err
	}
	return len(records), sections, nil
}
