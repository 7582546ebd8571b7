// Package journal keeps a bounded history of protocol traffic and writes
// compressed diagnostic dumps and save files.
package journal

import (
	"sync"
	"time"
)

const journalEvictedMetricKey = "journal_evicted_total"

// Telemetry captures the metrics adapter used by the journal to report
// evictions.
type Telemetry interface {
	Add(key string, delta uint64)
}

// Direction marks whether an entry was sent or received by this peer.
type Direction string

const (
	DirectionIn    Direction = "in"
	DirectionOut   Direction = "out"
	DirectionLocal Direction = "local"
)

// Entry is one recorded protocol event.
type Entry struct {
	At        time.Time `json:"at"`
	Direction Direction `json:"dir"`
	Peer      string    `json:"peer,omitempty"`
	Command   string    `json:"cmd"`
	Time      int32     `json:"time"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal is a ring of recent entries. Entries older than maxAge are dropped
// on insert when maxAge is positive.
type Journal struct {
	mu        sync.Mutex
	entries   []Entry
	head      int
	count     int
	maxAge    time.Duration
	telemetry Telemetry
}

// New returns a journal holding at most capacity entries.
func New(capacity int, maxAge time.Duration) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{entries: make([]Entry, capacity), maxAge: maxAge}
}

// AttachTelemetry reports evictions to t.
func (j *Journal) AttachTelemetry(t Telemetry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.telemetry = t
	j.mu.Unlock()
}

// Record appends an entry, evicting the oldest when full.
func (j *Journal) Record(entry Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pruneLocked(entry.At)
	if j.count == len(j.entries) {
		j.head = (j.head + 1) % len(j.entries)
		j.count--
		j.recordEvictionLocked()
	}
	idx := (j.head + j.count) % len(j.entries)
	j.entries[idx] = entry
	j.count++
}

// Entries returns a copy of the recorded entries, oldest first.
func (j *Journal) Entries() []Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.entries[(j.head+i)%len(j.entries)]
	}
	return out
}

// Len reports the number of recorded entries.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

func (j *Journal) pruneLocked(now time.Time) {
	if j.maxAge <= 0 || now.IsZero() {
		return
	}
	cutoff := now.Add(-j.maxAge)
	for j.count > 0 {
		oldest := j.entries[j.head]
		if oldest.At.IsZero() || !oldest.At.Before(cutoff) {
			return
		}
		j.entries[j.head] = Entry{}
		j.head = (j.head + 1) % len(j.entries)
		j.count--
		j.recordEvictionLocked()
	}
}

func (j *Journal) recordEvictionLocked() {
	if j.telemetry != nil {
		j.telemetry.Add(journalEvictedMetricKey, 1)
	}
}
