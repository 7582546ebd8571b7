package lockstep

import (
	"context"

	"lockstepd/logging"
)

const (
	// EventSyncRequested is emitted when the host asks every peer for a sync report.
	EventSyncRequested logging.EventType = "lockstep.sync_requested"
	// EventDesyncDetected is emitted when a peer's sync hash differs from the host's.
	EventDesyncDetected logging.EventType = "lockstep.desync_detected"
	// EventClientHung is emitted when a client first falls behind the hang threshold.
	EventClientHung logging.EventType = "lockstep.client_hung"
	// EventHangWarning is emitted each time a hung client is announced to peers.
	EventHangWarning logging.EventType = "lockstep.hang_warning"
	// EventHangKick is emitted when a hung client is forcibly disconnected.
	EventHangKick logging.EventType = "lockstep.hang_kick"
	// EventWaitingEntered is emitted when the session pauses for a lagging client.
	EventWaitingEntered logging.EventType = "lockstep.waiting_entered"
	// EventWaitingLeft is emitted when every client has caught up again.
	EventWaitingLeft logging.EventType = "lockstep.waiting_left"
	// EventSpeedChanged is emitted when the effective network speed changes.
	EventSpeedChanged logging.EventType = "lockstep.speed_changed"
)

// SyncPayload identifies a sync check point.
type SyncPayload struct {
	Due int32 `json:"due"`
}

// DesyncPayload records the mismatching hashes.
type DesyncPayload struct {
	Due        int32  `json:"due"`
	HostHash   string `json:"hostHash"`
	ClientHash string `json:"clientHash"`
	Dump       string `json:"dump,omitempty"`
}

// HangPayload describes how far a client lags behind.
type HangPayload struct {
	Delta   int32 `json:"delta"`
	Seconds int64 `json:"seconds"`
}

// WaitingPayload counts the clients the session is waiting for.
type WaitingPayload struct {
	Hung    int `json:"hung"`
	Delayed int `json:"delayed"`
}

// SpeedPayload records a speed transition.
type SpeedPayload struct {
	Previous uint16 `json:"previous"`
	Speed    uint16 `json:"speed"`
	Forced   bool   `json:"forced,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, tick uint64, actor logging.EntityRef, severity logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

// SyncRequested publishes a debug event when a sync check is scheduled.
func SyncRequested(ctx context.Context, pub logging.Publisher, tick uint64, payload SyncPayload) {
	publish(ctx, pub, EventSyncRequested, tick, logging.HostRef(), logging.SeverityDebug, payload)
}

// DesyncDetected publishes an error event for a diverged client.
func DesyncDetected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncPayload) {
	publish(ctx, pub, EventDesyncDetected, tick, actor, logging.SeverityError, payload)
}

// ClientHung publishes a warning when a client starts lagging.
func ClientHung(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload HangPayload) {
	publish(ctx, pub, EventClientHung, tick, actor, logging.SeverityWarn, payload)
}

// HangWarning publishes a warning each time peers are told about a hung client.
func HangWarning(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload HangPayload) {
	publish(ctx, pub, EventHangWarning, tick, actor, logging.SeverityWarn, payload)
}

// HangKick publishes an error when a hung client is dropped.
func HangKick(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload HangPayload) {
	publish(ctx, pub, EventHangKick, tick, actor, logging.SeverityError, payload)
}

// WaitingEntered publishes the Running to Waiting transition.
func WaitingEntered(ctx context.Context, pub logging.Publisher, tick uint64, payload WaitingPayload) {
	publish(ctx, pub, EventWaitingEntered, tick, logging.HostRef(), logging.SeverityWarn, payload)
}

// WaitingLeft publishes the Waiting to Running transition.
func WaitingLeft(ctx context.Context, pub logging.Publisher, tick uint64) {
	publish(ctx, pub, EventWaitingLeft, tick, logging.HostRef(), logging.SeverityInfo, nil)
}

// SpeedChanged publishes an effective speed change.
func SpeedChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload SpeedPayload) {
	publish(ctx, pub, EventSpeedChanged, tick, logging.HostRef(), logging.SeverityInfo, payload)
}
