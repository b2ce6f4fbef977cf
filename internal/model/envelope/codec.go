package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError describes why a raw frame could not be turned into an Envelope.
type DecodeError struct {
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %q envelope: %s", e.Type, e.Reason)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type wireEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type emptyPayload struct{}

// Encode serialises an envelope as {"type": ..., "payload": {...}}.
func Encode(e Envelope) []byte {
	var payload any
	switch v := e.(type) {
	case Ping, Pong:
		payload = emptyPayload{}
	default:
		payload = v
	}

	// payload types hold only strings and integers, Marshal cannot fail on them
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(wireEnvelope{Type: e.Type(), Payload: raw})
	return data
}

// Decode parses a frame. Every failure is reported as a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}

	if wire.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch wire.Type {
	case TypeConnection:
		var c Connection
		if err := decodePayload(wire, &c); err != nil {
			return nil, err
		}
		if c.VisitorID == "" {
			return nil, &DecodeError{Type: string(wire.Type), Reason: "visitorId is required"}
		}
		return c, nil
	case TypeMessage:
		var c Chat
		if err := decodePayload(wire, &c); err != nil {
			return nil, err
		}
		switch c.SenderRole {
		case "", RoleVisitor, RoleAdmin:
		default:
			return nil, &DecodeError{Type: string(wire.Type), Reason: fmt.Sprintf("unknown senderRole %q", c.SenderRole)}
		}
		return c, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeError:
		var e Error
		if err := decodePayload(wire, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, &DecodeError{Type: string(wire.Type), Reason: "unknown type"}
	}
}

func decodePayload(wire wireEnvelope, dst any) error {
	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &DecodeError{Type: string(wire.Type), Reason: "missing payload"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Type: string(wire.Type), Reason: "invalid payload", Err: err}
	}
	return nil
}
