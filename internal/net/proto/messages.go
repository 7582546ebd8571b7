// Package proto defines the messages exchanged between host and clients.
package proto

import (
	"errors"
	"fmt"

	"lockstepd/internal/net/wire"
	"lockstepd/internal/sim"
)

// Version is the protocol revision. Peers with a different version are
// refused at the handshake.
const Version = 7

// Command is the first byte of every packet.
type Command uint8

const (
	CmdDisconnect        Command = 1
	CmdHello             Command = 2
	CmdPing              Command = 3
	CmdPong              Command = 4
	CmdWelcome           Command = 5
	CmdTime              Command = 6
	CmdPlayerCommand     Command = 7
	CmdSyncRequest       Command = 8
	CmdSyncReport        Command = 9
	CmdSetSpeed          Command = 10
	CmdWait              Command = 11
	CmdChat              Command = 12
	CmdSystemMessageCode Command = 13
	CmdInfoDesync        Command = 14
	CmdLaunch            Command = 15
	CmdChangePosition    Command = 16
	CmdSettingUser       Command = 17
	CmdSettingSlot       Command = 18
	CmdSetReady          Command = 19
)

var commandNames = map[Command]string{
	CmdDisconnect:        "DISCONNECT",
	CmdHello:             "HELLO",
	CmdPing:              "PING",
	CmdPong:              "PONG",
	CmdWelcome:           "WELCOME",
	CmdTime:              "TIME",
	CmdPlayerCommand:     "PLAYERCOMMAND",
	CmdSyncRequest:       "SYNCREQUEST",
	CmdSyncReport:        "SYNCREPORT",
	CmdSetSpeed:          "SETSPEED",
	CmdWait:              "WAIT",
	CmdChat:              "CHAT",
	CmdSystemMessageCode: "SYSTEM_MESSAGE_CODE",
	CmdInfoDesync:        "INFO_DESYNC",
	CmdLaunch:            "LAUNCH",
	CmdChangePosition:    "CHANGE_POSITION",
	CmdSettingUser:       "SETTING_USER",
	CmdSettingSlot:       "SETTING_SLOT",
	CmdSetReady:          "SET_READY",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", uint8(c))
}

// MaxMessageArgs bounds the arguments carried by disconnect and system
// messages.
const MaxMessageArgs = 3

var (
	// ErrUnknownCommand reports a packet with an unassigned command byte.
	ErrUnknownCommand = errors.New("proto: unknown command")
	// ErrDifferentProtocolVersion reports a handshake from an incompatible peer.
	ErrDifferentProtocolVersion = errors.New("proto: different protocol version")
	// ErrTooManyArgs reports a message with more than MaxMessageArgs arguments.
	ErrTooManyArgs = errors.New("proto: too many message arguments")
	// ErrTrailingBytes reports a packet with data after its message.
	ErrTrailingBytes = errors.New("proto: trailing bytes after message")
)

// Message is one decoded packet.
type Message interface {
	Command() Command
	encode(w *wire.Writer) error
}

// Hello opens the handshake from a client.
type Hello struct {
	Version uint8
	Name    string
	Build   string
}

// Welcome answers a valid Hello with the user number assigned by the host.
type Welcome struct {
	Version uint8
	User    uint32
	Name    string
}

// Disconnect carries a stable reason code and up to three arguments.
type Disconnect struct {
	Reason string
	Args   []string
}

type Ping struct{ Nonce uint32 }

type Pong struct{ Nonce uint32 }

// Time grants network time (host to client) or acknowledges simulated time
// (client to host).
type Time struct{ Time int32 }

// PlayerCommand carries a command. Clients set Due to their current game
// time; the host restamps it before broadcasting.
type PlayerCommand struct {
	Due  int32
	Body sim.Command
}

// SyncRequest asks peers for a sync report at Due.
type SyncRequest struct{ Due int32 }

// SyncReport answers a SyncRequest with the syncstream hash at Due.
type SyncReport struct {
	Due  int32
	Hash sim.Hash
}

// SetSpeed sets the effective speed (host to client) or announces the
// desired speed (client to host), in thousandths of real time.
type SetSpeed struct{ Speed uint16 }

// Wait tells clients the host is waiting for a lagging peer.
type Wait struct{}

// Chat is a chat line. Recipient is empty for public messages.
type Chat struct {
	Slot      int16
	Sender    string
	Text      string
	Recipient string
}

// SystemMessage is a host announcement rendered from a reason code.
type SystemMessage struct {
	Code string
	Args []string
}

// InfoDesync signals every peer that a desync was detected.
type InfoDesync struct{}

// Launch starts the simulation at Start.
type Launch struct{ Start int32 }

// ChangePosition requests a player slot (or PositionSpectator).
type ChangePosition struct{ Position int16 }

// SettingUser publishes a user's lobby state.
type SettingUser struct {
	User     uint32
	Name     string
	Position int16
	Ready    bool
}

// SettingSlot publishes a player slot's state.
type SettingSlot struct {
	Slot  uint8
	State uint8
	Name  string
}

// SetReady toggles a client's ready flag in the lobby.
type SetReady struct{ Ready bool }

func (Hello) Command() Command          { return CmdHello }
func (Welcome) Command() Command        { return CmdWelcome }
func (Disconnect) Command() Command     { return CmdDisconnect }
func (Ping) Command() Command           { return CmdPing }
func (Pong) Command() Command           { return CmdPong }
func (Time) Command() Command           { return CmdTime }
func (PlayerCommand) Command() Command  { return CmdPlayerCommand }
func (SyncRequest) Command() Command    { return CmdSyncRequest }
func (SyncReport) Command() Command     { return CmdSyncReport }
func (SetSpeed) Command() Command       { return CmdSetSpeed }
func (Wait) Command() Command           { return CmdWait }
func (Chat) Command() Command           { return CmdChat }
func (SystemMessage) Command() Command  { return CmdSystemMessageCode }
func (InfoDesync) Command() Command     { return CmdInfoDesync }
func (Launch) Command() Command         { return CmdLaunch }
func (ChangePosition) Command() Command { return CmdChangePosition }
func (SettingUser) Command() Command    { return CmdSettingUser }
func (SettingSlot) Command() Command    { return CmdSettingSlot }
func (SetReady) Command() Command       { return CmdSetReady }

func (m Hello) encode(w *wire.Writer) error {
	w.U8(m.Version).String(m.Name).String(m.Build)
	return nil
}

func (m Welcome) encode(w *wire.Writer) error {
	w.U8(m.Version).U32(m.User).String(m.Name)
	return nil
}

func (m Disconnect) encode(w *wire.Writer) error {
	if len(m.Args) > MaxMessageArgs {
		return fmt.Errorf("%w: %d", ErrTooManyArgs, len(m.Args))
	}
	w.U8(uint8(1 + len(m.Args))).String(m.Reason)
	for _, arg := range m.Args {
		w.String(arg)
	}
	return nil
}

func (m Ping) encode(w *wire.Writer) error {
	w.U32(m.Nonce)
	return nil
}

func (m Pong) encode(w *wire.Writer) error {
	w.U32(m.Nonce)
	return nil
}

func (m Time) encode(w *wire.Writer) error {
	w.I32(m.Time)
	return nil
}

func (m PlayerCommand) encode(w *wire.Writer) error {
	if m.Body == nil {
		return errors.New("proto: player command without body")
	}
	w.I32(m.Due)
	m.Body.MarshalWire(w)
	return nil
}

func (m SyncRequest) encode(w *wire.Writer) error {
	w.I32(m.Due)
	return nil
}

func (m SyncReport) encode(w *wire.Writer) error {
	w.I32(m.Due).Bytes(m.Hash[:])
	return nil
}

func (m SetSpeed) encode(w *wire.Writer) error {
	w.U16(m.Speed)
	return nil
}

func (Wait) encode(*wire.Writer) error { return nil }

func (m Chat) encode(w *wire.Writer) error {
	w.I16(m.Slot).String(m.Sender).String(m.Text).String(m.Recipient)
	return nil
}

func (m SystemMessage) encode(w *wire.Writer) error {
	if len(m.Args) > MaxMessageArgs {
		return fmt.Errorf("%w: %d", ErrTooManyArgs, len(m.Args))
	}
	w.String(m.Code).U8(uint8(len(m.Args)))
	for _, arg := range m.Args {
		w.String(arg)
	}
	return nil
}

func (InfoDesync) encode(*wire.Writer) error { return nil }

func (m Launch) encode(w *wire.Writer) error {
	w.I32(m.Start)
	return nil
}

func (m ChangePosition) encode(w *wire.Writer) error {
	w.I16(m.Position)
	return nil
}

func (m SettingUser) encode(w *wire.Writer) error {
	w.U32(m.User).String(m.Name).I16(m.Position).Bool(m.Ready)
	return nil
}

func (m SettingSlot) encode(w *wire.Writer) error {
	w.U8(m.Slot).U8(m.State).String(m.Name)
	return nil
}

func (m SetReady) encode(w *wire.Writer) error {
	w.Bool(m.Ready)
	return nil
}

// Encode renders msg as a complete frame.
func Encode(msg Message) ([]byte, error) {
	w := wire.NewWriter()
	w.U8(uint8(msg.Command()))
	if err := msg.encode(w); err != nil {
		return nil, err
	}
	return w.Frame()
}

// CheckHello validates the handshake version.
func CheckHello(h Hello) error {
	if h.Version != Version {
		return fmt.Errorf("%w: peer %d, local %d", ErrDifferentProtocolVersion, h.Version, Version)
	}
	return nil
}
