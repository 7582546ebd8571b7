package logging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"lockstepd/logging"
	"lockstepd/logging/sinks"
)

func TestRouterForwardsToEnabledSinks(t *testing.T) {
	memory := sinks.NewMemorySink()
	ignored := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.Fields = map[string]any{"session": "abc"}

	fixed := time.Unix(1700000000, 0)
	metrics := &logging.Metrics{}
	router, err := logging.NewRouter(cfg,
		logging.WithClock(logging.ClockFunc(func() time.Time { return fixed })),
		logging.WithMetrics(metrics),
		logging.WithSink("memory", memory),
		logging.WithSink("ignored", ignored),
	)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: "test.event", Tick: 7, Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "test.debug", Severity: logging.SeverityDebug})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Tick != 7 || !events[0].Time.Equal(fixed) {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Extra["session"] != "abc" {
		t.Fatalf("expected router fields to be attached, got %v", events[0].Extra)
	}
	if len(ignored.Events()) != 0 {
		t.Fatalf("disabled sink received events")
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if events[0].SessionID != "abc" {
		t.Fatalf("expected the session field to fill SessionID, got %q", events[0].SessionID)
	}
	if metrics.Snapshot()["logging_events_total"] != 1 {
		t.Fatalf("expected routed events counted, got %v", metrics.Snapshot())
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]logging.Severity{
		"debug":   logging.SeverityDebug,
		"":        logging.SeverityInfo,
		"WARNING": logging.SeverityWarn,
		"error":   logging.SeverityError,
	}
	for raw, want := range cases {
		got, err := logging.ParseSeverity(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := logging.ParseSeverity("loud"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	var metrics logging.Metrics
	metrics.TelemetryAdd("a", 2)
	metrics.TelemetryAdd("a", 3)
	metrics.TelemetryStore("b", 9)
	snapshot := metrics.Snapshot()
	if snapshot["a"] != 5 || snapshot["b"] != 9 {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
}

func TestRouterRejectsUnregisteredSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", "json"}
	if _, err := logging.NewRouter(cfg, logging.WithSink("console", sinks.NewMemorySink())); err == nil {
		t.Fatalf("expected an error for the missing json sink")
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Write(logging.Event) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func TestRouterKeepsErrorsWhenQueueIsFull(t *testing.T) {
	var fallback bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.BufferSize = 1
	cfg.EnabledSinks = []string{"slow"}
	sink := &blockingSink{release: make(chan struct{})}
	metrics := &logging.Metrics{}
	router, err := logging.NewRouter(cfg,
		logging.WithFallback(log.New(&fallback, "", 0)),
		logging.WithMetrics(metrics),
		logging.WithSink("slow", sink),
	)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	// With a stalled sink the router and sink queues fill up quickly.
	for i := 0; i < 200; i++ {
		router.Publish(context.Background(), logging.Event{Type: "test.info", Tick: uint64(i), Severity: logging.SeverityInfo})
	}
	deadline := time.Now().Add(2 * time.Second)
	for router.Stats().DroppedTotal == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected drops with a stalled sink")
		}
		router.Publish(context.Background(), logging.Event{Type: "test.info", Severity: logging.SeverityInfo})
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		router.Publish(context.Background(), logging.Event{Type: "sync.desync", Severity: logging.SeverityError})
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if metrics.Snapshot()["logging_dropped_total"] == 0 {
		t.Fatalf("expected drops counted in metrics")
	}
	if !strings.Contains(fallback.String(), "sync.desync") {
		t.Fatalf("expected error events written to the fallback logger, got %q", fallback.String())
	}
}

type flakySink struct {
	failures int
	written  []logging.Event
}

func (s *flakySink) Write(event logging.Event) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	s.written = append(s.written, event)
	return nil
}

func (s *flakySink) Close(context.Context) error { return nil }

func TestRouterCountsSinkFailures(t *testing.T) {
	sink := &flakySink{failures: 1}
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"flaky"}
	router, err := logging.NewRouter(cfg,
		logging.WithFallback(log.New(io.Discard, "", 0)),
		logging.WithSink("flaky", sink),
	)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "first", Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "second", Severity: logging.SeverityInfo})

	// Closing cuts the backoff short; the second event still gets written.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := router.Stats().SinkFailures["flaky"]; got != 1 {
		t.Fatalf("expected one failure, got %d", got)
	}
	if len(sink.written) != 1 || sink.written[0].Type != "second" {
		t.Fatalf("unexpected writes %+v", sink.written)
	}
}

func TestWithFieldsKeepsExplicitValues(t *testing.T) {
	var got logging.Event
	base := logging.PublisherFunc(func(_ context.Context, event logging.Event) { got = event })
	pub := logging.WithFields(base, map[string]any{"session": "s1", "node": "a"})

	event := logging.Event{Type: "x"}.WithExtra("node", "b")
	pub.Publish(context.Background(), event)
	if got.Extra["node"] != "b" || got.Extra["session"] != "s1" || got.SessionID != "s1" {
		t.Fatalf("unexpected merge %+v", got)
	}
	if _, leaked := event.Extra["session"]; leaked {
		t.Fatalf("merging must not mutate the caller's event")
	}
}
