package proto

import "strings"

// Stable reason and system message codes.
const (
	ReasonClientDesynced        = "CLIENT_DESYNCED"
	ReasonClientTimeouted       = "CLIENT_TIMEOUTED"
	ReasonDifferentProtocol     = "DIFFERENT_PROTOCOL_VERS"
	ReasonMalformedCommands     = "MALFORMED_COMMANDS"
	ReasonPlayerCmdForOther     = "PLAYERCMD_FOR_OTHER"
	ReasonPlayerCmdWithoutGame  = "PLAYERCMD_WO_GAME"
	ReasonBackwardsRunningTime  = "BACKWARDS_RUNNING_TIME"
	ReasonSimulatingBeyondTime  = "SIMULATING_BEYOND_TIME"
	ReasonTimeSentNotReady      = "TIME_SENT_NOT_READY"
	ReasonSyncReportWithoutGame = "SYNCREPORT_WO_GAME"
	ReasonConnectionLost        = "CONNECTION_LOST"
	ReasonGameAlreadyStarted    = "GAME_ALREADY_STARTED"
	ReasonHelloRequired         = "HELLO_REQUIRED"
	ReasonUnexpectedCommand     = "UNEXPECTED_COMMAND"
	ReasonKicked                = "KICKED"
	ReasonServerLeft            = "SERVER_LEFT"
	ReasonClientLeft            = "CLIENT_LEFT"
	ReasonServerShutdown        = "SERVER_SHUTDOWN"

	MessageClientJoined = "CLIENT_HAS_JOINED_GAME"
	MessageClientLeft   = "CLIENT_HAS_LEFT_GAME"
	MessageClientHung   = "CLIENT_HUNG"
	MessageDesync       = "DESYNC_DETECTED"
	MessageAutosaved    = "AUTOSAVED"
	MessageChatFlood    = "CHAT_FLOOD"
	MessageNoRecipient  = "CHAT_NO_RECIPIENT"
)

var reasonTexts = map[string]string{
	ReasonClientDesynced:        "Client and host have become desynchronized.",
	ReasonClientTimeouted:       "Connection to the client timed out.",
	ReasonDifferentProtocol:     "Host and client use different protocol versions (%1).",
	ReasonMalformedCommands:     "Sent malformed commands: %1",
	ReasonPlayerCmdForOther:     "Sent a player command for a different player.",
	ReasonPlayerCmdWithoutGame:  "Sent a player command before the game started.",
	ReasonBackwardsRunningTime:  "Reported a game time running backwards.",
	ReasonSimulatingBeyondTime:  "Simulated beyond the granted network time.",
	ReasonTimeSentNotReady:      "Sent a time acknowledgement before the game started.",
	ReasonSyncReportWithoutGame: "Sent a sync report before the game started.",
	ReasonConnectionLost:        "Connection lost: %1",
	ReasonGameAlreadyStarted:    "The game has already started.",
	ReasonHelloRequired:         "The first message must be a handshake.",
	ReasonUnexpectedCommand:     "Sent an unexpected command: %1",
	ReasonKicked:                "Kicked by the host: %1",
	ReasonServerLeft:            "The host left the game.",
	ReasonClientLeft:            "The client left the game.",
	ReasonServerShutdown:        "The host shut down.",

	MessageClientJoined: "%1 has joined the game.",
	MessageClientLeft:   "%1 has left the game (%2).",
	MessageClientHung:   "%1 has not responded for %2 seconds.",
	MessageDesync:       "A desynchronization was detected; the game is paused.",
	MessageAutosaved:    "The game was saved to %1.",
	MessageChatFlood:    "Too many chat messages; %1 is muted briefly.",
	MessageNoRecipient:  "%1 is not connected.",
}

// FormatMessage renders a reason or system message code. Placeholders %1 to
// %3 are replaced with args; unknown codes are returned verbatim.
func FormatMessage(code string, args ...string) string {
	text, ok := reasonTexts[code]
	if !ok {
		return code
	}
	var values [MaxMessageArgs]string
	copy(values[:], args)
	return strings.NewReplacer("%1", values[0], "%2", values[1], "%3", values[2]).Replace(text)
}

// Text renders a Disconnect for display.
func (m Disconnect) Text() string {
	return FormatMessage(m.Reason, m.Args...)
}

// Text renders a SystemMessage for display.
func (m SystemMessage) Text() string {
	return FormatMessage(m.Code, m.Args...)
}
