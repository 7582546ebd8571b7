package telemetry

import (
	"bytes"
	"log"
	"testing"

	"lockstepd/logging"
)

func TestLoggers(t *testing.T) {
	var buf bytes.Buffer
	std := log.New(&buf, "", 0)

	cases := []struct {
		name   string
		logger Logger
		want   string
	}{
		{"wrapped", WrapLogger(std), "joined 2\n"},
		{"prefixed", Prefixed(WrapLogger(std), "[host] "), "[host] joined 2\n"},
		{"func", LoggerFunc(func(format string, args ...any) { std.Printf("fn: "+format, args...) }), "fn: joined 2\n"},
		{"discard", Discard(), ""},
		{"nil std logger", WrapLogger(nil), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			tc.logger.Printf("joined %d", 2)
			if got := buf.String(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStandardLoggerExposed(t *testing.T) {
	std := log.New(&bytes.Buffer{}, "", 0)
	provider, ok := WrapLogger(std).(interface{ StandardLogger() *log.Logger })
	if !ok || provider.StandardLogger() != std {
		t.Fatalf("expected the wrapped logger back")
	}
	if Or(nil) == nil {
		t.Fatalf("Or(nil) returned nil")
	}
}

func TestMetricsAdapter(t *testing.T) {
	var metrics logging.Metrics
	adapter := WrapMetrics(&metrics)
	adapter.Add("host_commits_total", 3)
	adapter.Add("host_commits_total", 4)
	adapter.Store("host_participants", 5)
	adapter.Store("host_participants", 2)

	snapshot := metrics.Snapshot()
	if snapshot["host_commits_total"] != 7 || snapshot["host_participants"] != 2 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}

	WrapMetrics(nil).Add("ignored", 1)
	NopMetrics().Store("ignored", 1)
}
