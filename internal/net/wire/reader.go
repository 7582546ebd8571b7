package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncatedPacket reports a read past the end of a packet. It is fatal
// for the connection that delivered the packet.
var ErrTruncatedPacket = errors.New("wire: truncated packet")

// Reader decodes fields from a single packet payload.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps a payload. The slice is not copied.
func NewReader(payload []byte) *Reader {
	return &Reader{data: payload}
}

func (r *Reader) take(n int, field string) ([]byte, error) {
	if n < 0 || len(r.data)-r.pos < n {
		return nil, fmt.Errorf("%w: reading %s needs %d bytes, %d left", ErrTruncatedPacket, field, n, len(r.data)-r.pos)
	}
	chunk := r.data[r.pos : r.pos+n]
	r.pos += n
	return chunk, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1, "u8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2, "u16")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4, "u32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) String() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes returns the next n bytes. The result aliases the packet.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n, "bytes")
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// End reports whether the whole payload has been consumed.
func (r *Reader) End() bool {
	return r.pos >= len(r.data)
}

// Payload returns the complete payload regardless of the read position.
func (r *Reader) Payload() []byte {
	return r.data
}
