// Package protocol defines the envelope format relayed between peers and the hub.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of envelope.
type Type string

// Envelope types. The set is closed: decoding any other value fails.
const (
	TypeRegister          Type = "register"
	TypeRegistered        Type = "registered"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeConnectionRequest Type = "connection-request"
	TypeConnectionAccept  Type = "connection-accept"
	TypeConnectionReject  Type = "connection-reject"
	TypeDisconnect        Type = "disconnect"
	TypePeerDisconnected  Type = "peer-disconnected"
	TypeFileStart         Type = "file-start"
	TypeFileChunk         Type = "file-chunk"
	TypeFileComplete      Type = "file-complete"
	TypeError             Type = "error"
	TypeRequestSent       Type = "request-sent"
)

// ErrorCode classifies hub-reported protocol errors.
type ErrorCode string

const (
	ErrDuplicateConnection ErrorCode = "duplicate_connection"
	ErrNotRegistered       ErrorCode = "not_registered"
	ErrPeerNotFound        ErrorCode = "peer_not_found"
	ErrInvalidMessage      ErrorCode = "invalid_message"
)

var knownTypes = map[Type]bool{
	TypeRegister: true, TypeRegistered: true,
	TypePing: true, TypePong: true,
	TypeConnectionRequest: true, TypeConnectionAccept: true, TypeConnectionReject: true,
	TypeDisconnect: true, TypePeerDisconnected: true,
	TypeFileStart: true, TypeFileChunk: true, TypeFileComplete: true,
	TypeError: true, TypeRequestSent: true,
}

// Envelope is the JSON message unit exchanged with the hub, one object per
// text frame. TargetID set means "forward this to that peer"; SenderID is
// always rewritten by the hub before forwarding, so receivers can trust it.
type Envelope struct {
	Type      Type            `json:"type"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New creates an envelope of the given type, stamped with the current time.
func New(t Type, senderID string) *Envelope {
	return &Envelope{
		Type:      t,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithTarget sets the target peer and returns the envelope for chaining.
func (e *Envelope) WithTarget(targetID string) *Envelope {
	e.TargetID = targetID
	return e
}

// WithPayload marshals v into the payload field. Panics only on
// unmarshalable values, which would be a programming error.
func (e *Envelope) WithPayload(v any) *Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	e.Payload = data
	return e
}

// DecodePayload unmarshals the payload field into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal serializes the envelope to a single JSON frame.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame into an Envelope. It fails on malformed JSON and on
// types outside the closed enumeration.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if !knownTypes[e.Type] {
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return &e, nil
}
