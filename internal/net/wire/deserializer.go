package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrConnectionClosed reports that the peer closed the stream.
	ErrConnectionClosed = errors.New("wire: connection closed by peer")
	// ErrMalformedFrame reports a length prefix smaller than the header.
	ErrMalformedFrame = errors.New("wire: malformed frame length")
)

const readChunkSize = 4096

// Deserializer reassembles frames from a byte stream. Bytes are kept in an
// owned buffer with a consumed offset; the consumed prefix is discarded once
// it outgrows the unread remainder.
type Deserializer struct {
	buf      []byte
	consumed int
	scratch  []byte
}

// NewDeserializer returns an empty deserializer.
func NewDeserializer() *Deserializer {
	return &Deserializer{}
}

// Feed appends a chunk received from the stream. A zero-length chunk means
// the peer closed the connection and yields ErrConnectionClosed.
func (d *Deserializer) Feed(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrConnectionClosed
	}
	d.compact()
	d.buf = append(d.buf, chunk...)
	return nil
}

// ReadFrom performs a single read from r and feeds the result. io.EOF is
// reported as ErrConnectionClosed; other read errors are returned as-is.
func (d *Deserializer) ReadFrom(r io.Reader) (int, error) {
	if d.scratch == nil {
		d.scratch = make([]byte, readChunkSize)
	}
	n, err := r.Read(d.scratch)
	if n > 0 {
		if ferr := d.Feed(d.scratch[:n]); ferr != nil {
			return n, ferr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, ErrConnectionClosed
		}
		return n, err
	}
	if n == 0 {
		return 0, ErrConnectionClosed
	}
	return n, nil
}

// Next extracts one complete frame. It returns false when the buffer holds
// only a partial frame. The returned reader owns its payload.
func (d *Deserializer) Next() (*Reader, bool, error) {
	pending := d.buf[d.consumed:]
	if len(pending) < HeaderSize {
		return nil, false, nil
	}
	size := int(binary.BigEndian.Uint16(pending))
	if size < HeaderSize {
		return nil, false, fmt.Errorf("%w: %d", ErrMalformedFrame, size)
	}
	if len(pending) < size {
		return nil, false, nil
	}
	payload := make([]byte, size-HeaderSize)
	copy(payload, pending[HeaderSize:size])
	d.consumed += size
	if d.consumed == len(d.buf) {
		d.buf = d.buf[:0]
		d.consumed = 0
	}
	return NewReader(payload), true, nil
}

// Buffered reports the number of unconsumed bytes.
func (d *Deserializer) Buffered() int {
	return len(d.buf) - d.consumed
}

// Reset discards all buffered bytes.
func (d *Deserializer) Reset() {
	d.buf = d.buf[:0]
	d.consumed = 0
}

func (d *Deserializer) compact() {
	if d.consumed == 0 || d.consumed < len(d.buf)-d.consumed {
		return
	}
	n := copy(d.buf, d.buf[d.consumed:])
	d.buf = d.buf[:n]
	d.consumed = 0
}
