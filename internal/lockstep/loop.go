package lockstep

import (
	"context"
	"errors"
	"io"
	"time"

	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/session"
)

const readChunkSize = 4096

type hostEventKind uint8

const (
	eventAccept hostEventKind = iota
	eventData
	eventClosed
	eventCall
)

type hostEvent struct {
	kind   hostEventKind
	conn   session.Conn
	client *session.Client
	data   []byte
	err    error
	call   func(*Host)
	reply  chan *session.Client
	done   chan struct{}
}

// Run owns the host until ctx is cancelled: it handles connection events
// posted by Serve, runs calls posted by Do and thinks every TickInterval.
// On return every client has been disconnected with SERVER_SHUTDOWN.
func (h *Host) Run(ctx context.Context) error {
	h.ctx = ctx
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.ctx = context.Background()
			h.Shutdown(proto.ReasonServerShutdown)
			return nil
		case event := <-h.inbox:
			h.dispatch(event)
		case <-ticker.C:
			h.Think(h.clock.Now())
		}
	}
}

func (h *Host) dispatch(event hostEvent) {
	switch event.kind {
	case eventAccept:
		event.reply <- h.Accept(event.conn)
	case eventData:
		h.Receive(event.client, event.data)
	case eventClosed:
		h.ConnectionLost(event.client, event.err)
	case eventCall:
		event.call(h)
		close(event.done)
	}
}

func (h *Host) post(ctx context.Context, event hostEvent) error {
	select {
	case h.inbox <- event:
		return nil
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the host loop and waits for it to finish.
func (h *Host) Do(ctx context.Context, fn func(*Host)) error {
	done := make(chan struct{})
	if err := h.post(ctx, hostEvent{kind: eventCall, call: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve registers conn with the running host and feeds it everything read
// from src. It returns when src fails, the host stops or ctx is cancelled.
// Transports call it from the connection's reader goroutine.
func (h *Host) Serve(ctx context.Context, conn session.Conn, src io.Reader) error {
	reply := make(chan *session.Client, 1)
	if err := h.post(ctx, hostEvent{kind: eventAccept, conn: conn, reply: reply}); err != nil {
		conn.Close()
		return err
	}
	var client *session.Client
	select {
	case client = <-reply:
	case <-h.stopped:
		conn.Close()
		return ErrHostStopped
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
	if client == nil {
		return ErrRefused
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if perr := h.post(ctx, hostEvent{kind: eventData, client: client, data: chunk}); perr != nil {
				conn.Close()
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = wire.ErrConnectionClosed
			}
			if perr := h.post(ctx, hostEvent{kind: eventClosed, client: client, err: err}); perr != nil {
				conn.Close()
			}
			if errors.Is(err, wire.ErrConnectionClosed) {
				return nil
			}
			return err
		}
	}
}
