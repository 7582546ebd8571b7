// Package sim defines the contract between the lockstep session and the
// deterministic simulation it drives, together with a reference engine.
package sim

import (
	"encoding/hex"
	"errors"
	"io"

	"lockstepd/internal/net/wire"
)

// HashSize is the length of a sync hash in bytes.
const HashSize = 16

// Hash is a digest of the simulation's syncstream at a point in game time.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Kind identifies a player command type on the wire.
type Kind uint8

// Command is a player intent. Every peer applies it at the same due time.
type Command interface {
	Kind() Kind
	// Sender is the player slot that issued the command.
	Sender() int
	// MarshalWire writes the kind byte followed by the command body.
	MarshalWire(w *wire.Writer)
	// Apply mutates the world at the given due time.
	Apply(due int32, world *World)
}

// Simulation is the deterministic engine advanced by network time.
type Simulation interface {
	// Time reports the game time the simulation has reached.
	Time() int32
	// Enqueue schedules cmd at due. Commands sharing a due time run in
	// enqueue order.
	Enqueue(due int32, cmd Command)
	// EnqueueSyncCheck schedules a sync report. report receives the
	// syncstream hash once every command due at or before due has run.
	EnqueueSyncCheck(due int32, report func(Hash))
	// AdvanceTo runs the simulation up to game time t.
	AdvanceTo(t int32) error
	// Save writes a restorable snapshot.
	Save(w io.Writer) error
	// WriteDiagnostics writes human-readable state for desync analysis.
	WriteDiagnostics(w io.Writer) error
}

var (
	// ErrTimeBackwards reports an AdvanceTo target behind the current time.
	ErrTimeBackwards = errors.New("sim: cannot advance to an earlier time")
	// ErrUnknownKind reports a command kind with no registered decoder.
	ErrUnknownKind = errors.New("sim: unknown command kind")
	// ErrCorruptSave reports a snapshot that cannot be restored.
	ErrCorruptSave = errors.New("sim: corrupt save")
)
