// Package signaling defines the wire contract for call negotiation: the
// per-call publish/subscribe transport, the event types, and the payload
// shapes exchanged between the two participants of a call.
//
// Delivery is at-most-once, unordered and fire-and-forget. Nothing in this
// package retries, acknowledges, or re-orders messages; consumers must
// tolerate duplicates, out-of-order candidates, and messages for calls that
// already ended.
package signaling

import "encoding/json"

// Event types carried on a call channel.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventCallEnd      = "call-end"
	EventCallRejected = "call-rejected"
)

// Call types as they appear in offer payloads.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// ChannelName derives the signaling channel for a match. One channel per
// call attempt, shared by exactly two participants.
func ChannelName(matchID string) string {
	return "call:" + matchID
}

// Envelope is one signaling message on a channel. Payload stays raw JSON so
// a malformed body from the remote side can be discarded by the consumer
// without killing the transport.
type Envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes envelopes for one (channel, event type) subscription.
// Handlers run on transport goroutines and must not block.
type Handler func(env Envelope)

// Subscription is a cancellation handle returned by Subscribe. Cancel is
// idempotent.
type Subscription interface {
	Cancel()
}

// Transport is the signaling bus consumed by the session and call layers.
// Publish is fire-and-forget: a nil error means the message was handed to
// the transport, not that the remote party received it.
type Transport interface {
	Publish(channel, eventType string, payload any) error
	Subscribe(channel, eventType string, h Handler) (Subscription, error)
}
