package network

import (
	"context"

	"lockstepd/logging"
)

const (
	EventAckAdvanced       logging.EventType = "network.ack_advanced"
	EventAckRegression     logging.EventType = "network.ack_regression"
	EventProtocolViolation logging.EventType = "network.protocol_violation"
)

// AckPayload holds a client's previous and newly reported network time.
type AckPayload struct {
	Previous int32 `json:"previous"`
	Ack      int32 `json:"ack"`
}

type ViolationPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// AckAdvanced is published at debug level; every time packet produces one.
func AckAdvanced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload) {
	publish(ctx, pub, EventAckAdvanced, logging.SeverityDebug, tick, actor, payload)
}

func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload) {
	publish(ctx, pub, EventAckRegression, logging.SeverityWarn, tick, actor, payload)
}

// ProtocolViolation precedes the disconnect of the offending peer.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ViolationPayload) {
	publish(ctx, pub, EventProtocolViolation, logging.SeverityError, tick, actor, payload)
}
