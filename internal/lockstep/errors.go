package lockstep

import (
	"errors"
	"fmt"
	"strings"

	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/nettime"
	"lockstepd/internal/sim"
)

// DisconnectError ends one connection with a stable reason code.
type DisconnectError struct {
	Code string
	Args []string
}

func (e *DisconnectError) Error() string {
	if len(e.Args) == 0 {
		return "lockstep: disconnect " + e.Code
	}
	return fmt.Sprintf("lockstep: disconnect %s (%s)", e.Code, strings.Join(e.Args, ", "))
}

func disconnect(code string, args ...string) error {
	return &DisconnectError{Code: code, Args: args}
}

// ErrorKind classifies errors that end a connection.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTruncatedPacket   ErrorKind = "truncated_packet"
	KindProtocolViolation ErrorKind = "protocol_violation"
	KindDesync            ErrorKind = "desync"
	KindClientHung        ErrorKind = "client_hung"
	KindConnectionLost    ErrorKind = "connection_lost"
)

// Kind maps err onto the disconnect taxonomy.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, wire.ErrTruncatedPacket) {
		return KindTruncatedPacket
	}
	if errors.Is(err, wire.ErrConnectionClosed) {
		return KindConnectionLost
	}
	var de *DisconnectError
	if errors.As(err, &de) {
		switch de.Code {
		case proto.ReasonClientDesynced:
			return KindDesync
		case proto.ReasonClientTimeouted:
			return KindClientHung
		case proto.ReasonConnectionLost:
			return KindConnectionLost
		}
	}
	return KindProtocolViolation
}

// disconnectReason converts any handler error into the reason sent to the
// peer.
func disconnectReason(err error) (string, []string) {
	var de *DisconnectError
	switch {
	case errors.As(err, &de):
		return de.Code, de.Args
	case errors.Is(err, wire.ErrConnectionClosed):
		return proto.ReasonConnectionLost, []string{"closed by peer"}
	case errors.Is(err, proto.ErrDifferentProtocolVersion):
		return proto.ReasonDifferentProtocol, []string{err.Error()}
	case errors.Is(err, nettime.ErrTimeRunningBackwards):
		return proto.ReasonBackwardsRunningTime, nil
	case errors.Is(err, wire.ErrTruncatedPacket),
		errors.Is(err, wire.ErrMalformedFrame),
		errors.Is(err, proto.ErrUnknownCommand),
		errors.Is(err, proto.ErrTooManyArgs),
		errors.Is(err, proto.ErrTrailingBytes),
		errors.Is(err, sim.ErrUnknownKind):
		return proto.ReasonMalformedCommands, []string{err.Error()}
	default:
		return proto.ReasonConnectionLost, []string{err.Error()}
	}
}
