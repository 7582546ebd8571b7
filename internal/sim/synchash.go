package sim

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// SyncHasher is a rolling digest of everything the simulation does. Peers
// that executed the same steps in the same order report the same Sum.
type SyncHasher struct {
	h       *blake3.Hasher
	scratch [4]byte
}

// NewSyncHasher returns a hasher with an empty syncstream.
func NewSyncHasher() *SyncHasher {
	return &SyncHasher{h: blake3.New(HashSize, nil)}
}

func (s *SyncHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Int32 appends a big-endian integer to the syncstream.
func (s *SyncHasher) Int32(v int32) {
	binary.BigEndian.PutUint32(s.scratch[:], uint32(v))
	s.h.Write(s.scratch[:])
}

// Sum returns the digest of the syncstream so far without resetting it.
func (s *SyncHasher) Sum() Hash {
	var out Hash
	copy(out[:], s.h.Sum(nil))
	return out
}

// Reset clears the syncstream.
func (s *SyncHasher) Reset() {
	s.h.Reset()
}
