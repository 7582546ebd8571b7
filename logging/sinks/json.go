package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"lockstepd/logging"
)

// record is the line format of the JSON sink. Severity is spelled out so
// log processors need no table.
type record struct {
	Time      time.Time           `json:"time"`
	Severity  string              `json:"severity"`
	Type      logging.EventType   `json:"type"`
	Category  string              `json:"category,omitempty"`
	Tick      uint64              `json:"tick"`
	SessionID string              `json:"sessionId,omitempty"`
	Actor     logging.EntityRef   `json:"actor"`
	Targets   []logging.EntityRef `json:"targets,omitempty"`
	Payload   any                 `json:"payload,omitempty"`
	Extra     map[string]any      `json:"extra,omitempty"`
}

// JSON emits newline-delimited records. With a positive flush interval
// output is buffered and flushed periodically and on Close.
type JSON struct {
	mu        sync.Mutex
	writer    *bufio.Writer
	encoder   *json.Encoder
	flushEach bool
	stop      chan struct{}
	stopped   sync.Once
}

func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	s := &JSON{
		writer:    buf,
		encoder:   json.NewEncoder(buf),
		flushEach: flushInterval <= 0,
		stop:      make(chan struct{}),
	}
	if !s.flushEach {
		go s.flushEvery(flushInterval)
	}
	return s
}

func (s *JSON) Write(event logging.Event) error {
	rec := record{
		Time:      event.Time.UTC(),
		Severity:  event.Severity.String(),
		Type:      event.Type,
		Category:  event.Category,
		Tick:      event.Tick,
		SessionID: event.SessionID,
		Actor:     event.Actor,
		Targets:   event.Targets,
		Payload:   event.Payload,
		Extra:     event.Extra,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(rec); err != nil {
		return err
	}
	if s.flushEach {
		return s.writer.Flush()
	}
	return nil
}

func (s *JSON) Close(context.Context) error {
	s.stopped.Do(func() { close(s.stop) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

func (s *JSON) flushEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.writer.Flush()
			s.mu.Unlock()
		}
	}
}
