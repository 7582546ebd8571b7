// Package wire implements the binary packet codec shared by every peer.
//
// All integers are big-endian. Strings are UTF-8 with a u16 length prefix.
// On the stream each packet is framed by a u16 total length that counts the
// two prefix bytes themselves.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the number of bytes occupied by the frame length prefix.
const HeaderSize = 2

// MaxFrameSize is the largest frame representable by the length prefix.
const MaxFrameSize = math.MaxUint16

var (
	// ErrFrameTooLarge reports a payload that cannot be framed.
	ErrFrameTooLarge = errors.New("wire: frame exceeds 65535 bytes")
	// ErrStringTooLong reports a string longer than its u16 length prefix allows.
	ErrStringTooLong = errors.New("wire: string exceeds 65535 bytes")
)

// Writer accumulates a packet payload.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a writer with capacity reserved for the frame header.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, HeaderSize, 64)}
}

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) I16(v int16) *Writer {
	return w.U16(uint16(v))
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) I32(v int32) *Writer {
	return w.U32(uint32(v))
}

// String writes a u16 length prefix followed by the raw bytes of s.
func (w *Writer) String(s string) *Writer {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
		return w
	}
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// Bytes appends raw bytes without a length prefix.
func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Len reports the payload length written so far.
func (w *Writer) Len() int {
	return len(w.buf) - HeaderSize
}

// Payload returns the bytes written so far, without the frame header.
func (w *Writer) Payload() []byte {
	return w.buf[HeaderSize:]
}

// Err reports the first encoding error, if any.
func (w *Writer) Err() error {
	return w.err
}

// Frame finalizes the length prefix and returns the complete frame. The
// writer must not be reused afterwards.
func (w *Writer) Frame() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if len(w.buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(w.buf))
	}
	binary.BigEndian.PutUint16(w.buf[:HeaderSize], uint16(len(w.buf)))
	return w.buf, nil
}
