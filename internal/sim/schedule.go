package sim

import (
	"container/heap"
	"sync"
)

const (
	scheduleOccupancyMetricKey = "sim_schedule_occupancy"
	scheduleEnqueuedMetricKey  = "sim_schedule_enqueued_total"
)

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Entry is a scheduled simulation step. Exactly one of Command and Report is
// set.
type Entry struct {
	Due     int32
	Seq     uint64
	Command Command
	Report  func(Hash)
}

// Schedule orders entries by due time, keeping enqueue order among entries
// that share a due time. It is safe for concurrent producers and a single
// consumer.
type Schedule struct {
	mu      sync.Mutex
	entries entryHeap
	nextSeq uint64
	metrics telemetryMetrics
}

// NewSchedule constructs an empty schedule.
func NewSchedule(metrics telemetryMetrics) *Schedule {
	return &Schedule{metrics: metrics}
}

// Push stages an entry, assigning its sequence number.
func (s *Schedule) Push(entry Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.entries, entry)
	if s.metrics != nil {
		s.metrics.Add(scheduleEnqueuedMetricKey, 1)
	}
	s.storeOccupancyLocked()
}

// PopDue removes and returns the earliest entry due at or before t.
func (s *Schedule) PopDue(t int32) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 || s.entries[0].Due > t {
		return Entry{}, false
	}
	entry := heap.Pop(&s.entries).(Entry)
	s.storeOccupancyLocked()
	return entry, true
}

// Len reports the number of staged entries.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pending returns a copy of the staged entries in execution order.
func (s *Schedule) Pending() []Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(entryHeap, len(s.entries))
	copy(copied, s.entries)
	out := make([]Entry, 0, len(copied))
	for len(copied) > 0 {
		out = append(out, heap.Pop(&copied).(Entry))
	}
	return out
}

func (s *Schedule) storeOccupancyLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.Store(scheduleOccupancyMetricKey, uint64(len(s.entries)))
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Due != h[j].Due {
		return h[i].Due < h[j].Due
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = Entry{}
	*h = old[:n-1]
	return entry
}
