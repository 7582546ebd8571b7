package ws

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstepd/internal/net/transport"
)

const closeGrace = time.Second

// messageWriter sends each frame as one binary message.
type messageWriter struct {
	conn     *websocket.Conn
	deadline atomic.Int64
}

func (w *messageWriter) WriteFrame(frame []byte) error {
	if dl := w.deadline.Load(); dl != 0 {
		w.conn.SetWriteDeadline(time.Unix(0, dl))
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *messageWriter) SetWriteDeadline(t time.Time) error {
	w.deadline.Store(t.UnixNano())
	return w.conn.NetConn().SetWriteDeadline(t)
}

func (w *messageWriter) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return w.conn.Close()
}

// messageReader presents the binary messages of a websocket as one byte
// stream. Message boundaries carry no meaning; the wire deserializer
// reassembles frames regardless.
type messageReader struct {
	conn    *websocket.Conn
	current io.Reader
}

func (r *messageReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			kind, next, err := r.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			r.current = next
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Wrap adapts an established websocket. The returned reader yields the
// peer's frames.
func Wrap(conn *websocket.Conn, opts ...transport.Option) (*transport.Conn, io.Reader) {
	return transport.NewConn(&messageWriter{conn: conn}, conn.RemoteAddr().String(), opts...), &messageReader{conn: conn}
}
