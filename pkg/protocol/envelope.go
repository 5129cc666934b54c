package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current channel protocol version.
const ProtocolVersion = 1

// Envelope is a single message on the multiplexed channel connection.
// Text frames carry the JSON form; chunk pushes travel as binary frames
// with the raw bytes in Binary.
type Envelope struct {
	V       int             `json:"v"`
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Binary  []byte          `json:"-"`
}

// NewEnvelope creates an envelope for topic/event with the given payload encoded as JSON.
func NewEnvelope(topic, event, ref string, payload any) (Envelope, error) {
	env := Envelope{
		V:     ProtocolVersion,
		Ref:   ref,
		Topic: topic,
		Event: event,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// NewReply builds the phx_reply answering req.
func NewReply(req Envelope, status string, response any) (Envelope, error) {
	reply := Reply{Status: status}
	if response != nil {
		data, err := json.Marshal(response)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal response: %w", err)
		}
		reply.Response = data
	}
	env, err := NewEnvelope(req.Topic, EventReply, req.Ref, reply)
	if err != nil {
		return Envelope{}, err
	}
	env.JoinRef = req.JoinRef
	return env, nil
}

// DecodePayload decodes the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// ValidateBasic performs basic validation on the envelope.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, want %d", e.V, ProtocolVersion)
	}
	if e.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if e.Event == "" {
		return fmt.Errorf("event is required")
	}
	return nil
}

// IsControl reports whether the event is part of the channel lifecycle
// rather than application traffic.
func (e Envelope) IsControl() bool {
	switch e.Event {
	case EventJoin, EventLeave, EventReply, EventError, EventClose, EventHeartbeat:
		return true
	}
	return false
}

// NewRef generates a random 16-character hex string for message correlation.
func NewRef() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
