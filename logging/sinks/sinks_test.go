package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"lockstepd/logging"
)

func desyncEvent() logging.Event {
	return logging.Event{
		Type:      "sync.desync",
		Tick:      4200,
		Time:      time.Date(2024, 3, 1, 12, 0, 1, 250_000_000, time.UTC),
		Actor:     logging.HostRef(),
		Targets:   []logging.EntityRef{logging.ClientRef("2"), logging.UserRef("bob")},
		Severity:  logging.SeverityError,
		SessionID: "s1",
		Extra:     map[string]any{"session": "s1", "slot": 2, "hash": "abc"},
	}
}

func TestConsoleLine(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsole(&out)
	if err := sink.Write(desyncEvent()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := "12:00:01.250 ERROR sync.desync t=4200 host session=s1 targets=client:2,user:bob hash=abc slot=2\n"
	if out.String() != want {
		t.Fatalf("unexpected line\n got: %q\nwant: %q", out.String(), want)
	}
}

func TestConsolePayload(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsole(&out)
	sink.Write(logging.Event{Type: "lifecycle.launch", Severity: logging.SeverityInfo, Payload: map[string]int{"slots": 3}})
	if !strings.HasSuffix(out.String(), `payload={"slots":3}`+"\n") {
		t.Fatalf("payload missing from %q", out.String())
	}
	if !strings.HasPrefix(out.String(), "INFO  lifecycle.launch t=0") {
		t.Fatalf("unexpected prefix in %q", out.String())
	}
}

func TestJSONRecordBufferedUntilClose(t *testing.T) {
	var out bytes.Buffer
	sink := NewJSON(&out, time.Hour)
	if err := sink.Write(desyncEvent()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected output buffered, got %q", out.String())
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got struct {
		Severity  string `json:"severity"`
		Type      string `json:"type"`
		Tick      uint64 `json:"tick"`
		SessionID string `json:"sessionId"`
		Actor     struct {
			Kind string `json:"kind"`
		} `json:"actor"`
		Extra map[string]any `json:"extra"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, out.Bytes())
	}
	if got.Severity != "error" || got.Type != "sync.desync" || got.Tick != 4200 || got.SessionID != "s1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Actor.Kind != "host" || got.Extra["hash"] != "abc" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestJSONSynchronousFlush(t *testing.T) {
	var out bytes.Buffer
	sink := NewJSON(&out, 0)
	sink.Write(logging.Event{Type: "a"})
	sink.Write(logging.Event{Type: "b"})
	if lines := strings.Count(out.String(), "\n"); lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestMemorySinkCopiesEvents(t *testing.T) {
	sink := NewMemorySink()
	event := desyncEvent()
	sink.Write(event)
	sink.Write(logging.Event{Type: "other"})
	event.Extra["slot"] = 9

	found := sink.Find("sync.desync")
	if len(found) != 1 || found[0].Extra["slot"] != 2 {
		t.Fatalf("expected an isolated copy, got %+v", found)
	}
	if len(sink.Events()) != 2 {
		t.Fatalf("expected 2 events")
	}
}
