package lifecycle

import (
	"context"

	"lockstepd/logging"
)

const (
	EventClientJoined       logging.EventType = "lifecycle.client_joined"
	EventClientDisconnected logging.EventType = "lifecycle.client_disconnected"
	EventGameLaunched       logging.EventType = "lifecycle.game_launched"
)

type ClientJoinedPayload struct {
	Name     string `json:"name"`
	User     int    `json:"user"`
	Build    string `json:"build,omitempty"`
	Position int    `json:"position"`
}

// ClientDisconnectedPayload carries the disconnect code sent to the peer.
// Expected marks ordinary departures such as a player quitting.
type ClientDisconnectedPayload struct {
	Name     string   `json:"name,omitempty"`
	Reason   string   `json:"reason"`
	Args     []string `json:"args,omitempty"`
	Expected bool     `json:"expected"`
}

type GameLaunchedPayload struct {
	Clients int   `json:"clients"`
	Start   int32 `json:"start"`
}

func emit(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryLifecycle
	pub.Publish(ctx, event)
}

func ClientJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClientJoinedPayload) {
	emit(ctx, pub, logging.Event{
		Type:     EventClientJoined,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.UserRef(payload.Name)},
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// ClientDisconnected is a warning unless the departure was expected.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClientDisconnectedPayload) {
	severity := logging.SeverityWarn
	if payload.Expected {
		severity = logging.SeverityInfo
	}
	emit(ctx, pub, logging.Event{
		Type:     EventClientDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Payload:  payload,
	})
}

func GameLaunched(ctx context.Context, pub logging.Publisher, tick uint64, payload GameLaunchedPayload) {
	emit(ctx, pub, logging.Event{
		Type:     EventGameLaunched,
		Tick:     tick,
		Actor:    logging.HostRef(),
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}
