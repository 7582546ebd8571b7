// Package ws carries lockstep frames over websockets, one binary message
// per frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"lockstepd/internal/lockstep"
	"lockstepd/internal/net/transport"
	"lockstepd/internal/telemetry"
)

type HandlerConfig struct {
	Logger telemetry.Logger
	// Context bounds every connection the handler upgrades. Request
	// contexts are not used because hijacked connections outlive them.
	Context context.Context
	Options []transport.Option
}

type Handler struct {
	acceptor transport.Acceptor
	logger   telemetry.Logger
	ctx      context.Context
	opts     []transport.Option
	upgrader websocket.Upgrader
}

func NewHandler(acceptor transport.Acceptor, cfg HandlerConfig) *Handler {
	logger := telemetry.Or(cfg.Logger)
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		acceptor: acceptor,
		logger:   logger,
		ctx:      ctx,
		opts:     append([]transport.Option{transport.WithLogger(logger)}, cfg.Options...),
		upgrader: upgrader,
	}
}

func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.Handle(w, r)
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn, src := Wrap(ws, h.opts...)
	defer conn.Close()

	err = h.acceptor.Serve(h.ctx, conn, src)
	switch {
	case err == nil:
	case errors.Is(err, lockstep.ErrRefused):
		h.logger.Printf("refused %s", ws.RemoteAddr())
	case errors.Is(err, context.Canceled), errors.Is(err, lockstep.ErrHostStopped):
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		h.logger.Printf("websocket %s closed: %v", ws.RemoteAddr(), err)
	}
}

// Dial opens a websocket to a host. The returned reader yields the host's
// frames.
func Dial(ctx context.Context, url string, opts ...transport.Option) (*transport.Conn, io.Reader, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn, src := Wrap(ws, opts...)
	return conn, src, nil
}
