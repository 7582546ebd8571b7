// Package transport adapts byte-stream and message connections into the
// session.Conn the coordinator writes to. Sends never block the caller: each
// frame is queued to a writer goroutine, and a peer that stops reading is
// judged by its acknowledgement lag rather than by a send timeout.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"lockstepd/internal/session"
	"lockstepd/internal/telemetry"
)

const (
	// DefaultQueueSize bounds the frames waiting for the writer goroutine.
	DefaultQueueSize = 1024
	// DefaultFlushTimeout bounds how long Close waits for queued frames to
	// reach a peer that has stopped reading.
	DefaultFlushTimeout = 2 * time.Second
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: connection closed")
	// ErrQueueFull is returned by Send when the writer has fallen too far
	// behind.
	ErrQueueFull = errors.New("transport: send queue full")
)

// FrameWriter is the underlying connection. WriteFrame is only ever called
// from the writer goroutine.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Acceptor registers a connection with a running host and feeds it the
// bytes read from src until the stream ends. lockstep.Host satisfies it.
type Acceptor interface {
	Serve(ctx context.Context, conn session.Conn, src io.Reader) error
}

// Option customises a Conn.
type Option func(*Conn)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(size int) Option {
	return func(c *Conn) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.flushTimeout = d
		}
	}
}

// WithLogger routes write failures to logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts frames and bytes written.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(c *Conn) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// Conn is a session.Conn backed by a queued writer goroutine.
type Conn struct {
	w            FrameWriter
	remote       string
	queueSize    int
	flushTimeout time.Duration
	logger       telemetry.Logger
	metrics      telemetry.Metrics

	mu     sync.Mutex
	closed bool
	err    error
	queue  chan []byte
	done   chan struct{}
}

// NewConn starts the writer goroutine for w.
func NewConn(w FrameWriter, remote string, opts ...Option) *Conn {
	c := &Conn{
		w:            w,
		remote:       remote,
		queueSize:    DefaultQueueSize,
		flushTimeout: DefaultFlushTimeout,
		logger:       telemetry.Discard(),
		metrics:      telemetry.NopMetrics(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.queue = make(chan []byte, c.queueSize)
	go c.writeLoop()
	return c
}

// Send queues frame for the peer. The caller must not modify frame
// afterwards.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.err != nil {
		return c.err
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting frames. Frames already queued are still written,
// bounded by the flush timeout, before the underlying connection closes.
// Close does not wait for that; use Done.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	if d, ok := c.w.(writeDeadliner); ok {
		d.SetWriteDeadline(time.Now().Add(c.flushTimeout))
	}
	return nil
}

// RemoteAddr names the peer.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Done is closed once the underlying connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports the write failure that stopped the writer, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for frame := range c.queue {
		if err := c.w.WriteFrame(frame); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Printf("write to %s failed: %v", c.remote, err)
			c.w.Close()
			return
		}
		c.metrics.Add("transport_frames_sent_total", 1)
		c.metrics.Add("transport_bytes_sent_total", uint64(len(frame)))
	}
	c.w.Close()
}
