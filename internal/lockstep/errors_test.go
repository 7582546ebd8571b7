package lockstep

import (
	"errors"
	"fmt"
	"testing"

	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/nettime"
	"lockstepd/internal/sim"
)

func TestDisconnectReasonMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
		kind ErrorKind
	}{
		{"explicit", disconnect(proto.ReasonKicked, "spam"), proto.ReasonKicked, KindProtocolViolation},
		{"desync", disconnect(proto.ReasonClientDesynced), proto.ReasonClientDesynced, KindDesync},
		{"timeout", disconnect(proto.ReasonClientTimeouted), proto.ReasonClientTimeouted, KindClientHung},
		{"truncated", fmt.Errorf("decode: %w", wire.ErrTruncatedPacket), proto.ReasonMalformedCommands, KindTruncatedPacket},
		{"malformed frame", wire.ErrMalformedFrame, proto.ReasonMalformedCommands, KindProtocolViolation},
		{"unknown command", proto.ErrUnknownCommand, proto.ReasonMalformedCommands, KindProtocolViolation},
		{"trailing bytes", fmt.Errorf("decode: %w", proto.ErrTrailingBytes), proto.ReasonMalformedCommands, KindProtocolViolation},
		{"unknown kind", sim.ErrUnknownKind, proto.ReasonMalformedCommands, KindProtocolViolation},
		{"version", proto.ErrDifferentProtocolVersion, proto.ReasonDifferentProtocol, KindProtocolViolation},
		{"backwards", nettime.ErrTimeRunningBackwards, proto.ReasonBackwardsRunningTime, KindProtocolViolation},
		{"closed", wire.ErrConnectionClosed, proto.ReasonConnectionLost, KindConnectionLost},
		{"other", errors.New("boom"), proto.ReasonConnectionLost, KindProtocolViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := disconnectReason(tc.err)
			if code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
			if kind := Kind(tc.err); kind != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, kind)
			}
		})
	}
	if Kind(nil) != KindNone {
		t.Fatalf("nil error must map to KindNone")
	}
}

func TestDisconnectErrorText(t *testing.T) {
	err := disconnect(proto.ReasonKicked, "spam", "again")
	if got := err.Error(); got != "lockstep: disconnect KICKED (spam, again)" {
		t.Fatalf("unexpected text %q", got)
	}
	var de *DisconnectError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &de) || de.Code != proto.ReasonKicked {
		t.Fatalf("expected the disconnect error to survive wrapping")
	}
}
