// Package federation implements the Federation Fabric (spec §4.7): a
// per-node room-oriented event bus with peer discovery, challenge-response
// authentication, and Cloud-Anchor-assisted relay for NAT-bound nodes.
package federation

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the wire shape of every message exchanged over a peer
// connection: {type, content}. At the authenticated layer type is one of
// DidChallenge/DidResponse/AuthResult; afterward it is a reverse-DNS-like
// domain event name (e.g. "io.cis.agent.task_request").
type Frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// EncodeFrame marshals a typed payload into a Frame ready for transport.
func EncodeFrame(frameType string, payload any) (Frame, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame %s: %w", frameType, err)
	}
	return Frame{Type: frameType, Content: content}, nil
}

// Decode unmarshals the frame's content into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Content, v); err != nil {
		return fmt.Errorf("decode frame %s: %w", f.Type, err)
	}
	return nil
}

// Event is a signed, room-scoped message (spec §3 Room: "Events are
// {event_id, room_id, sender, type, content, origin_ts}").
type Event struct {
	EventID  string          `json:"event_id"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"` // node_id
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	OriginTS time.Time       `json:"origin_ts"`

	// Signature is over the canonical signing bytes (see SigningBytes),
	// hex-free here: transported as a raw byte slice inside the envelope.
	Signature []byte `json:"signature,omitempty"`
}

// SigningBytes returns the canonical byte sequence an Event's signature is
// computed over: every field except Signature itself, in a fixed order, so
// sender and receiver derive identical bytes regardless of JSON key order.
func (e Event) SigningBytes() []byte {
	buf, _ := json.Marshal(struct {
		EventID  string          `json:"event_id"`
		RoomID   string          `json:"room_id"`
		Sender   string          `json:"sender"`
		Type     string          `json:"type"`
		Content  json.RawMessage `json:"content"`
		OriginTS int64           `json:"origin_ts"`
	}{e.EventID, e.RoomID, e.Sender, e.Type, e.Content, e.OriginTS.UnixNano()})
	return buf
}

// Sign computes and attaches ed25519 signature over e.SigningBytes().
func (e *Event) Sign(priv ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(priv, e.SigningBytes())
}

// VerifySignature reports whether e.Signature validates against pub.
func (e Event) VerifySignature(pub ed25519.PublicKey) bool {
	if len(e.Signature) == 0 || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, e.SigningBytes(), e.Signature)
}

// DeliveryAck is sent by a room member in response to a received Event
// (spec §4.7 "Each recipient acknowledges with accepted | rejected + reason").
type DeliveryAck struct {
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Domain event type names (reverse-DNS-like per spec §6).
const (
	EventTypeTaskRequest      = "io.cis.agent.task_request"
	EventTypeTaskResponse     = "io.cis.agent.task_response"
	EventTypeHeartbeat        = "io.cis.agent.heartbeat"
	EventTypeAgentRegistered  = "io.cis.agent.registered"
	EventTypeAgentUnregistered = "io.cis.agent.unregistered"
	EventTypeMemoryReplicate  = "io.cis.memory.replicate"
)
