package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scbldr/internal/config"
	"scbldr/internal/eventbus"
	logx "scbldr/pkg/logx"
)

// fakeSender records sends and can be told to fail the next n calls.
type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  atomic.Int32
	calls atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.calls.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return errors.New("send refused")
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// blockingSender parks every Send until release is closed.
type blockingSender struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	texts []string
}

func newBlockingSender() *blockingSender {
	return &blockingSender{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingSender) Send(ctx context.Context, text string) error {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()
	return nil
}

func (b *blockingSender) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func fastConfig() *config.AlertsConfig {
	return &config.AlertsConfig{
		Enabled:    true,
		Workers:    1,
		QueueSize:  8,
		RatePerSec: 1000,
		RetryMax:   3,
		RetryBase:  "1ms",
	}
}

func startService(t *testing.T, snd Sender, cfg *config.AlertsConfig) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	svc := New(snd, logx.Nop(), bus)
	if err := svc.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	t.Run("nil section is disabled with defaults", func(t *testing.T) {
		st, err := resolve(nil)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if st.enabled {
			t.Error("enabled = true for nil section")
		}
		if st.workers != 1 || st.queueSize != 128 || st.ratePerSec != 3 || st.retryMax != 3 {
			t.Errorf("defaults = %+v", st)
		}
		if st.retryBase != 500*time.Millisecond || st.retryMaxDelay != 10*time.Second || st.dedupWindow != 10*time.Minute {
			t.Errorf("duration defaults = %+v", st)
		}
	})

	t.Run("non-zero fields override", func(t *testing.T) {
		st, err := resolve(&config.AlertsConfig{
			Enabled:     true,
			Workers:     4,
			QueueSize:   16,
			RatePerSec:  1,
			RetryMax:    9,
			RetryBase:   "2s",
			DedupWindow: "1h",
		})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !st.enabled || st.workers != 4 || st.queueSize != 16 || st.ratePerSec != 1 || st.retryMax != 9 {
			t.Errorf("overrides = %+v", st)
		}
		if st.retryBase != 2*time.Second || st.dedupWindow != time.Hour {
			t.Errorf("duration overrides = %+v", st)
		}
	})

	t.Run("bad duration rejected", func(t *testing.T) {
		if _, err := resolve(&config.AlertsConfig{RetryBase: "soon"}); err == nil {
			t.Error("resolve accepted retry_base=soon")
		}
	})

	t.Run("negative workers rejected", func(t *testing.T) {
		if _, err := resolve(&config.AlertsConfig{Workers: -1}); err == nil {
			t.Error("resolve accepted workers=-1")
		}
	})
}

func TestApplyErrorKeepsOldSettings(t *testing.T) {
	t.Parallel()

	svc := New(&fakeSender{}, logx.Nop(), nil)
	if err := svc.Apply(&config.AlertsConfig{Enabled: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := svc.Apply(&config.AlertsConfig{Enabled: false, RetryBase: "nope"}); err == nil {
		t.Fatal("Apply accepted a bad duration")
	}
	if !svc.Enabled() {
		t.Error("previous settings were not kept after a failed Apply")
	}
}

func TestFailureThenRecovery(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	_, bus := startService(t, snd, fastConfig())
	sentCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertSent)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{
		URL: "http://upstream/datasvc", Duration: 1500 * time.Millisecond, Err: "boom",
	}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	bus.Publish(eventbus.Event{Type: eventbus.TypeScrapeSucceeded, Data: eventbus.ScrapeEvent{
		URL: "http://upstream/datasvc", Courses: 1234, Sections: 56789, Duration: 2 * time.Second,
	}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	// A success with no preceding failure must not alert. Publish one,
	// then a failure whose delivery proves the success was skipped.
	bus.Publish(eventbus.Event{Type: eventbus.TypeScrapeSucceeded, Data: eventbus.ScrapeEvent{URL: "http://upstream/datasvc"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCatalogReloadFailed, Data: eventbus.CatalogEvent{
		Path: "data/sections.json", Err: "parse error",
	}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	got := snd.sent()
	if len(got) != 3 {
		t.Fatalf("sent %d messages, want 3: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "⚠️ catalogue refresh failed") || !strings.Contains(got[0], "boom") {
		t.Errorf("failure text = %q", got[0])
	}
	if !strings.HasPrefix(got[1], "✅ catalogue refresh recovered") {
		t.Errorf("recovery text = %q", got[1])
	}
	if !strings.Contains(got[1], "1,234 courses") || !strings.Contains(got[1], "56,789 sections") {
		t.Errorf("recovery text lacks humanized counts: %q", got[1])
	}
	if !strings.Contains(got[2], "catalogue reload failed") || !strings.Contains(got[2], "parse error") {
		t.Errorf("catalog failure text = %q", got[2])
	}
}

func TestServerLifecycleAlerts(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	_, bus := startService(t, snd, fastConfig())
	sentCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertSent)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeServerStarted, Data: eventbus.ServerEvent{Addr: ":8080"}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	// Clean stop is not alert-worthy.
	bus.Publish(eventbus.Event{Type: eventbus.TypeServerStopped, Data: eventbus.ServerEvent{Addr: ":8080"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeServerStopped, Data: eventbus.ServerEvent{Addr: ":8080", Err: "listen tcp: address already in use"}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	bus.Publish(eventbus.Event{Type: eventbus.TypeServerStarted, Data: eventbus.ServerEvent{Addr: ":8080"}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	got := snd.sent()
	if len(got) != 3 {
		t.Fatalf("sent %d messages, want 3: %q", len(got), got)
	}
	if !strings.Contains(got[0], "http server listening on :8080") {
		t.Errorf("started text = %q", got[0])
	}
	if !strings.Contains(got[1], "http server stopped") || !strings.Contains(got[1], "address already in use") {
		t.Errorf("stopped text = %q", got[1])
	}
	if !strings.HasPrefix(got[2], "✅ http server recovered") {
		t.Errorf("recovery text = %q", got[2])
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.DedupWindow = "1h"
	snd := &fakeSender{}
	_, bus := startService(t, snd, cfg)
	outCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertSent, eventbus.TypeAlertDeduped)
	defer unsub()

	ev := eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{
		URL: "http://upstream/datasvc", Err: "timeout",
	}}
	bus.Publish(ev)
	waitEvent(t, outCh, eventbus.TypeAlertSent)

	bus.Publish(ev)
	dd := waitEvent(t, outCh, eventbus.TypeAlertDeduped)
	if data, ok := dd.Data.(eventbus.AlertEvent); !ok || data.Source != "scrape" {
		t.Errorf("deduped event data = %#v", dd.Data)
	}

	if got := snd.sent(); len(got) != 1 {
		t.Fatalf("sent %d messages, want 1: %q", len(got), got)
	}
}

func TestRetryEventuallyDelivers(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	snd.fail.Store(2)
	_, bus := startService(t, snd, fastConfig())
	sentCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertSent)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{URL: "u", Err: "x"}})
	waitEvent(t, sentCh, eventbus.TypeAlertSent)

	if got := snd.calls.Load(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
	if got := snd.sent(); len(got) != 1 {
		t.Errorf("delivered %d messages, want 1", len(got))
	}
}

func TestRetryExhaustionPublishesFailed(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.RetryMax = 1
	snd := &fakeSender{}
	snd.fail.Store(10)
	_, bus := startService(t, snd, cfg)
	failCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertFailed)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{URL: "u", Err: "x"}})
	fe := waitEvent(t, failCh, eventbus.TypeAlertFailed)

	data, ok := fe.Data.(eventbus.AlertEvent)
	if !ok || !strings.Contains(data.Err, "send refused") {
		t.Errorf("failed event data = %#v", fe.Data)
	}
	if got := snd.calls.Load(); got != 2 {
		t.Errorf("send attempts = %d, want 2", got)
	}
	if got := snd.sent(); len(got) != 0 {
		t.Errorf("delivered %d messages, want 0", len(got))
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.QueueSize = 1
	snd := newBlockingSender()
	_, bus := startService(t, snd, cfg)
	outCh, unsub := bus.SubscribeTypes(16, eventbus.TypeAlertSent, eventbus.TypeAlertDropped)
	defer unsub()

	fail := func(err string) eventbus.Event {
		return eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{URL: "u", Err: err}}
	}

	// Worker parks on the first message, the second fills the queue, the
	// third has nowhere to go.
	bus.Publish(fail("one"))
	select {
	case <-snd.started:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up the first alert")
	}
	bus.Publish(fail("two"))
	bus.Publish(fail("three"))
	dd := waitEvent(t, outCh, eventbus.TypeAlertDropped)
	if data, ok := dd.Data.(eventbus.AlertEvent); !ok || data.Err != "queue full" {
		t.Errorf("dropped event data = %#v", dd.Data)
	}

	close(snd.release)
	waitEvent(t, outCh, eventbus.TypeAlertSent)
	waitEvent(t, outCh, eventbus.TypeAlertSent)
	if got := snd.sent(); len(got) != 2 {
		t.Errorf("delivered %d messages, want 2: %q", len(got), got)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	snd := newBlockingSender()
	svc, bus := startService(t, snd, fastConfig())

	fail := func(err string) eventbus.Event {
		return eventbus.Event{Type: eventbus.TypeScrapeFailed, Data: eventbus.ScrapeEvent{URL: "u", Err: err}}
	}
	bus.Publish(fail("one"))
	select {
	case <-snd.started:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up the first alert")
	}
	bus.Publish(fail("two"))

	stopRet := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
		close(stopRet)
	}()

	// Wait until intake is closed, then let the parked send finish.
	deadline := time.Now().Add(3 * time.Second)
	for {
		svc.mu.Lock()
		acc := svc.accepting
		svc.mu.Unlock()
		if !acc {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Stop never closed intake")
		}
		time.Sleep(time.Millisecond)
	}
	close(snd.release)

	select {
	case <-stopRet:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := snd.sent(); len(got) != 2 {
		t.Errorf("delivered %d messages, want 2 (queue was not drained): %q", len(got), got)
	}
}

func TestDisabledServiceDoesNotStart(t *testing.T) {
	t.Parallel()

	svc := New(&fakeSender{}, logx.Nop(), eventbus.New())
	if err := svc.Apply(&config.AlertsConfig{Enabled: false}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	svc.Start(context.Background())

	if svc.Enabled() {
		t.Error("Enabled() = true")
	}
	svc.mu.Lock()
	q := svc.queue
	svc.mu.Unlock()
	if q != nil {
		t.Error("pipeline started while disabled")
	}
}
