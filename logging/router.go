package logging

import (
	"context"
	"fmt"
	"log"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	metricEventsRouted  = "logging_events_total"
	metricEventsDropped = "logging_dropped_total"
	metricSinkFailures  = "logging_sink_failures_total"

	maxSinkBackoff = 32 * time.Second
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithClock stamps events that arrive without a time.
func WithClock(clock Clock) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithFallback receives router diagnostics: drops, sink failures and error
// events that could not be queued.
func WithFallback(logger *log.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.fallback = logger
		}
	}
}

// WithSink registers a sink under name. Only sinks listed in
// Config.EnabledSinks receive events when that list is set.
func WithSink(name string, sink Sink) RouterOption {
	return func(r *Router) {
		if sink != nil {
			r.available[name] = sink
		}
	}
}

// WithMetrics counts routed and dropped events.
func WithMetrics(metrics *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// Router fans events out to sink workers so that publishers, the host loop
// above all, never wait on sink I/O.
type Router struct {
	cfg       Config
	queue     chan Event
	available map[string]Sink
	workers   []*sinkWorker
	clock     Clock
	fallback  *log.Logger
	metrics   *Metrics
	fields    map[string]any
	stop      chan struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup

	routed      atomic.Uint64
	dropped     atomic.Uint64
	nextDropLog atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	SinkFailures map[string]uint64
}

// NewRouter starts a router. Enabled sinks are attached in name order so
// fan-out is stable across runs; naming an enabled sink that was not
// registered is an error.
func NewRouter(cfg Config, opts ...RouterOption) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		available: make(map[string]Sink),
		clock:     SystemClock{},
		fallback:  log.New(os.Stderr, "[logging] ", log.LstdFlags),
		fields:    cfg.CloneFields(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	r.queue = make(chan Event, bufferSize)

	for _, name := range cfg.EnabledSinks {
		if _, ok := r.available[name]; !ok {
			return nil, fmt.Errorf("logging: sink %q enabled but not registered", name)
		}
	}
	sinkBuffer := min(max(bufferSize, 32), 1024)
	for _, name := range slices.Sorted(maps.Keys(r.available)) {
		if len(cfg.EnabledSinks) > 0 && !cfg.HasSink(name) {
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:     name,
			sink:     r.available[name],
			events:   make(chan Event, sinkBuffer),
			fallback: r.fallback,
			metrics:  r.metrics,
			stop:     r.stop,
		})
	}

	r.wg.Add(1 + len(r.workers))
	go r.dispatch()
	for _, worker := range r.workers {
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run()
		}(worker)
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
	}()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.routed.Add(1)
	r.metrics.TelemetryAdd(metricEventsRouted, 1)
	for _, worker := range r.workers {
		if !worker.enqueue(event.Clone()) {
			r.overflow(event, worker.name)
		}
	}
}

// Publish queues event without blocking. Error events that find a full
// queue, here or at a sink, go to the fallback logger; anything else is
// counted and dropped.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.overflow(event, "router")
	}
}

func (r *Router) overflow(event Event, where string) {
	if event.Severity >= SeverityError {
		r.fallback.Printf("%s backlog full, %s %s tick=%d actor=%s:%s", where, event.Severity, event.Type, event.Tick, event.Actor.Kind, event.Actor.ID)
		return
	}
	r.drop(event, where)
}

func (r *Router) drop(event Event, where string) {
	r.dropped.Add(1)
	r.metrics.TelemetryAdd(metricEventsDropped, 1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := r.clock.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now >= next && r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("%s backlog full, dropping %s tick=%d (%d dropped so far)", where, event.Type, event.Tick, r.dropped.Load())
	}
}

// Close stops accepting events, delivers what is queued and closes every
// sink. A second Close waits for ctx.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.routed.Load(),
		DroppedTotal: r.dropped.Load(),
		SinkFailures: make(map[string]uint64, len(r.workers)),
	}
	for _, worker := range r.workers {
		stats.SinkFailures[worker.name] = worker.failuresTotal.Load()
	}
	return stats
}

// Sink returns the enabled sink registered under name.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	metrics  *Metrics
	stop     <-chan struct{}

	streak        int
	failuresTotal atomic.Uint64
}

func (w *sinkWorker) enqueue(event Event) bool {
	select {
	case w.events <- event:
		return true
	default:
		return false
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.streak = 0
	}
}

// fail backs off exponentially after consecutive failures. The wait ends
// early once the router is closing so queued events still get their one
// attempt.
func (w *sinkWorker) fail(err error) {
	w.streak++
	w.failuresTotal.Add(1)
	w.metrics.TelemetryAdd(metricSinkFailures, 1)
	delay := min(time.Duration(1<<min(w.streak-1, 5))*time.Second, maxSinkBackoff)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stop:
	}
}
