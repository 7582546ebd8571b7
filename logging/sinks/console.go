package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"lockstepd/logging"
)

const consoleTimeLayout = "15:04:05.000"

// ConsoleSink prints one human readable line per event:
//
//	12:00:01.250 WARN  sync.hang t=4200 host session=s1 slot=2 lag=3000
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
	buf strings.Builder
}

func NewConsole(w io.Writer) *ConsoleSink {
	if w == nil {
		w = io.Discard
	}
	return &ConsoleSink{out: w}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &s.buf
	b.Reset()
	if !event.Time.IsZero() {
		b.WriteString(event.Time.Format(consoleTimeLayout))
		b.WriteByte(' ')
	}
	fmt.Fprintf(b, "%-5s %s t=%d", strings.ToUpper(event.Severity.String()), event.Type, event.Tick)
	if actor := entity(event.Actor); actor != "" {
		b.WriteByte(' ')
		b.WriteString(actor)
	}
	if event.SessionID != "" {
		fmt.Fprintf(b, " session=%s", event.SessionID)
	}
	if len(event.Targets) > 0 {
		refs := make([]string, len(event.Targets))
		for i, target := range event.Targets {
			refs[i] = entity(target)
		}
		fmt.Fprintf(b, " targets=%s", strings.Join(refs, ","))
	}
	for _, key := range slices.Sorted(maps.Keys(event.Extra)) {
		if key == "session" && event.SessionID != "" {
			continue
		}
		fmt.Fprintf(b, " %s=%v", key, event.Extra[key])
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(b, " payload=%s", data)
		} else {
			fmt.Fprintf(b, " payload=%v", event.Payload)
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(s.out, b.String())
	return err
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func entity(ref logging.EntityRef) string {
	switch {
	case ref.ID == "" && ref.Kind == "":
		return ""
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "" || string(ref.Kind) == ref.ID:
		return ref.ID
	default:
		return string(ref.Kind) + ":" + ref.ID
	}
}
