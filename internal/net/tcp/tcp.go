// Package tcp carries lockstep frames over plain TCP streams. Frames are
// already length-prefixed, so the stream is written and read as is.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"lockstepd/internal/lockstep"
	"lockstepd/internal/net/transport"
	"lockstepd/internal/telemetry"
)

type streamWriter struct {
	conn net.Conn
}

func (w streamWriter) WriteFrame(frame []byte) error {
	_, err := w.conn.Write(frame)
	return err
}

func (w streamWriter) Close() error {
	return w.conn.Close()
}

func (w streamWriter) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

// Wrap adapts an established connection.
func Wrap(conn net.Conn, opts ...transport.Option) *transport.Conn {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return transport.NewConn(streamWriter{conn: conn}, conn.RemoteAddr().String(), opts...)
}

// Listen binds addr and serves it until ctx is cancelled.
func Listen(ctx context.Context, addr string, acceptor transport.Acceptor, logger telemetry.Logger, opts ...transport.Option) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, acceptor, logger, opts...)
}

// Serve accepts connections from ln and hands each to acceptor on its own
// goroutine. It closes ln and returns nil once ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, acceptor transport.Acceptor, logger telemetry.Logger, opts ...transport.Option) error {
	logger = telemetry.Or(logger)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Printf("tcp listening on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(ctx, nc, acceptor, logger, opts)
	}
}

func serveConn(ctx context.Context, nc net.Conn, acceptor transport.Acceptor, logger telemetry.Logger, opts []transport.Option) {
	conn := Wrap(nc, append([]transport.Option{transport.WithLogger(logger)}, opts...)...)
	defer conn.Close()
	err := acceptor.Serve(ctx, conn, nc)
	switch {
	case err == nil:
	case errors.Is(err, lockstep.ErrRefused):
		logger.Printf("refused %s", nc.RemoteAddr())
	case errors.Is(err, context.Canceled), errors.Is(err, lockstep.ErrHostStopped):
	case errors.Is(err, net.ErrClosed):
	default:
		logger.Printf("connection %s ended: %v", nc.RemoteAddr(), err)
	}
}

// Dial connects to a host. The returned reader yields the host's frames.
func Dial(ctx context.Context, addr string, opts ...transport.Option) (*transport.Conn, io.Reader, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return Wrap(nc, opts...), nc, nil
}
