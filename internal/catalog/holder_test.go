package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"scbldr/internal/eventbus"
	logx "scbldr/pkg/logx"
)

func TestHolderReloadSwapsSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "all_sections.json")
	write := func(data string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"CS100": [{"crn": 1, "days": "M", "start": "09:00", "end": "10:00"}]}`)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	h := NewHolder(path, logx.Nop(), bus)
	if h.Get() != nil {
		t.Fatal("holder should be empty before LoadInitial")
	}
	if err := h.LoadInitial(); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	expectEvent(t, events, eventbus.TypeCatalogLoaded)
	old := h.Get()
	if old == nil || old.Len() != 1 {
		t.Fatalf("initial snapshot = %+v", old)
	}

	// A good reload swaps the snapshot.
	write(`{"CS100": [{"crn": 1, "days": "M", "start": "09:00", "end": "10:00"}],
	        "MA100": [{"crn": 2, "days": "T", "start": "09:00", "end": "10:00"}]}`)
	if !h.Reload() {
		t.Fatal("Reload should succeed")
	}
	expectEvent(t, events, eventbus.TypeCatalogReloaded)
	if h.Get() == old || h.Get().Len() != 2 {
		t.Fatal("snapshot was not swapped")
	}

	// A bad reload keeps the previous snapshot serving.
	cur := h.Get()
	write(`{broken`)
	if h.Reload() {
		t.Fatal("Reload of broken file should fail")
	}
	expectEvent(t, events, eventbus.TypeCatalogReloadFailed)
	if h.Get() != cur {
		t.Fatal("failed reload must not replace the snapshot")
	}
}

func expectEvent(t *testing.T, ch <-chan eventbus.Event, typ string) {
	t.Helper()
	select {
	case e := <-ch:
		if e.Type != typ {
			t.Fatalf("event type = %q, want %q", e.Type, typ)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %q event", typ)
	}
}
