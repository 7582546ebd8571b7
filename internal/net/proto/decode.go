package proto

import (
	"fmt"

	"lockstepd/internal/net/wire"
	"lockstepd/internal/sim"
)

// CommandDecoder reads a player command body.
type CommandDecoder interface {
	Decode(r *wire.Reader) (sim.Command, error)
}

// Decode reads one message from a packet. Player command bodies are
// delegated to commands. A packet must hold exactly one message.
func Decode(r *wire.Reader, commands CommandDecoder) (Message, error) {
	msg, err := decodeMessage(r, commands)
	if err != nil {
		return nil, err
	}
	if !r.End() {
		return nil, fmt.Errorf("%w: %s has %d extra bytes", ErrTrailingBytes, msg.Command(), r.Remaining())
	}
	return msg, nil
}

func decodeMessage(r *wire.Reader, commands CommandDecoder) (Message, error) {
	raw, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch Command(raw) {
	case CmdHello:
		var m Hello
		if m.Version, err = r.U8(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		if m.Build, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case CmdWelcome:
		var m Welcome
		if m.Version, err = r.U8(); err != nil {
			return nil, err
		}
		if m.User, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case CmdDisconnect:
		count, err := r.U8()
		if err != nil {
			return nil, err
		}
		if count == 0 || int(count) > MaxMessageArgs+1 {
			return nil, fmt.Errorf("%w: disconnect with %d strings", ErrTooManyArgs, count)
		}
		var m Disconnect
		if m.Reason, err = r.String(); err != nil {
			return nil, err
		}
		if m.Args, err = readStrings(r, int(count)-1); err != nil {
			return nil, err
		}
		return m, nil
	case CmdPing:
		nonce, err := r.U32()
		return Ping{Nonce: nonce}, err
	case CmdPong:
		nonce, err := r.U32()
		return Pong{Nonce: nonce}, err
	case CmdTime:
		t, err := r.I32()
		if err != nil {
			return nil, err
		}
		return Time{Time: t}, nil
	case CmdPlayerCommand:
		due, err := r.I32()
		if err != nil {
			return nil, err
		}
		if commands == nil {
			return nil, fmt.Errorf("%w: no command decoder", ErrUnknownCommand)
		}
		cmd, err := commands.Decode(r)
		if err != nil {
			return nil, err
		}
		return PlayerCommand{Due: due, Body: cmd}, nil
	case CmdSyncRequest:
		due, err := r.I32()
		if err != nil {
			return nil, err
		}
		return SyncRequest{Due: due}, nil
	case CmdSyncReport:
		var m SyncReport
		if m.Due, err = r.I32(); err != nil {
			return nil, err
		}
		hash, err := r.Bytes(sim.HashSize)
		if err != nil {
			return nil, err
		}
		copy(m.Hash[:], hash)
		return m, nil
	case CmdSetSpeed:
		speed, err := r.U16()
		if err != nil {
			return nil, err
		}
		return SetSpeed{Speed: speed}, nil
	case CmdWait:
		return Wait{}, nil
	case CmdChat:
		var m Chat
		if m.Slot, err = r.I16(); err != nil {
			return nil, err
		}
		if m.Sender, err = r.String(); err != nil {
			return nil, err
		}
		if m.Text, err = r.String(); err != nil {
			return nil, err
		}
		if m.Recipient, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case CmdSystemMessageCode:
		var m SystemMessage
		if m.Code, err = r.String(); err != nil {
			return nil, err
		}
		count, err := r.U8()
		if err != nil {
			return nil, err
		}
		if int(count) > MaxMessageArgs {
			return nil, fmt.Errorf("%w: %d", ErrTooManyArgs, count)
		}
		if m.Args, err = readStrings(r, int(count)); err != nil {
			return nil, err
		}
		return m, nil
	case CmdInfoDesync:
		return InfoDesync{}, nil
	case CmdLaunch:
		start, err := r.I32()
		if err != nil {
			return nil, err
		}
		return Launch{Start: start}, nil
	case CmdChangePosition:
		pos, err := r.I16()
		if err != nil {
			return nil, err
		}
		return ChangePosition{Position: pos}, nil
	case CmdSettingUser:
		var m SettingUser
		if m.User, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		if m.Position, err = r.I16(); err != nil {
			return nil, err
		}
		if m.Ready, err = r.Bool(); err != nil {
			return nil, err
		}
		return m, nil
	case CmdSettingSlot:
		var m SettingSlot
		if m.Slot, err = r.U8(); err != nil {
			return nil, err
		}
		if m.State, err = r.U8(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case CmdSetReady:
		ready, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return SetReady{Ready: ready}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, raw)
	}
}

func readStrings(r *wire.Reader, n int) ([]string, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
