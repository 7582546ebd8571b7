// Package session tracks connections, users and player slots on the host.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"lockstepd/internal/net/wire"
	"lockstepd/internal/sim"
)

// Conn is the transport behind a client record. Send must not block on the
// peer; implementations queue outgoing frames.
type Conn interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Position is a user's place in the session: a player slot index, or one of
// the negative sentinels.
type Position int16

const (
	// PositionSpectator watches without controlling a slot.
	PositionSpectator Position = -1
	// PositionNotConnected marks a user whose connection is gone.
	PositionNotConnected Position = -2
)

// IsPlayer reports whether p names a player slot.
func (p Position) IsPlayer() bool {
	return p >= 0
}

// SlotState describes who controls a player slot.
type SlotState uint8

const (
	SlotOpen SlotState = iota
	SlotHuman
	SlotComputer
	SlotClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotOpen:
		return "open"
	case SlotHuman:
		return "human"
	case SlotComputer:
		return "computer"
	case SlotClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownSlot reports a slot index outside the session.
	ErrUnknownSlot = errors.New("session: unknown player slot")
	// ErrSlotUnavailable reports a slot that is closed or computer controlled.
	ErrSlotUnavailable = errors.New("session: player slot unavailable")
	// ErrNotWelcomed reports an operation on a client without a user entry.
	ErrNotWelcomed = errors.New("session: client has not completed the handshake")
)

// Slot is a player position in the simulation. Several users may share a
// human slot; its name joins theirs.
type Slot struct {
	Index int
	State SlotState
	Name  string
	Users []int
}

// User is the persistent identity of a participant. It outlives the
// connection so that end-of-game results can be recorded.
type User struct {
	Number   int
	Name     string
	Build    string
	Position Position
	// LastSlot is the slot the user controlled before disconnecting.
	LastSlot Position
	Ready    bool
	Result   string
}

// Connected reports whether the user currently has a live connection.
func (u *User) Connected() bool {
	return u != nil && u.Position != PositionNotConnected
}

// Client is the host's record of one connection.
type Client struct {
	ID     uuid.UUID
	Conn   Conn
	Stream *wire.Deserializer
	User   *User

	// Time is the latest simulated time acknowledged by the client.
	Time         int32
	DesiredSpeed uint16

	SyncHash    sim.Hash
	SyncArrived bool
	// SyncOverdue is set when a requested report is late enough to count as
	// a hang.
	SyncOverdue bool

	HungSince       time.Time
	LastHangWarning time.Time

	// Dedicated grants operator commands on a dedicated host.
	Dedicated bool

	ConnectedAt time.Time
	PingNonce   uint32
	PingSent    time.Time
	LastPong    time.Time
	RTT         time.Duration

	Closed bool
}

// Welcomed reports whether the client completed the handshake.
func (c *Client) Welcomed() bool {
	return c != nil && c.User != nil
}

// Position reports the client's user position.
func (c *Client) Position() Position {
	if c == nil || c.User == nil {
		return PositionNotConnected
	}
	return c.User.Position
}

// Participating reports whether the client takes part in time commits, sync
// checks and speed negotiation.
func (c *Client) Participating() bool {
	return c != nil && !c.Closed && c.User.Connected()
}

// Hung reports whether a hang timer is running.
func (c *Client) Hung() bool {
	return c != nil && !c.HungSince.IsZero()
}

// Send encodes a frame onto the client's connection.
func (c *Client) Send(frame []byte) error {
	if c == nil || c.Closed || c.Conn == nil {
		return nil
	}
	return c.Conn.Send(frame)
}
