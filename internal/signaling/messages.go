package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies signaling payload variants on the websocket wire.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeError        MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Answer carries the remote session description produced by the media server.
type Answer struct {
	Desc webrtc.SessionDescription
}

// Candidate carries a remote ICE candidate. A nil Init is the
// end-of-candidates sentinel.
type Candidate struct {
	Init *webrtc.ICECandidateInit
}

// ServerError is an error message pushed by the signaling server.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("signaling error %s: %s", e.Code, e.Message)
	}
	return "signaling error: " + e.Message
}

// MarshalOffer frames a local offer for the websocket wire.
func MarshalOffer(desc webrtc.SessionDescription) ([]byte, error) {
	return marshalEnvelope(TypeOffer, desc)
}

// MarshalCandidate frames a local ICE candidate. A nil init marshals a null
// payload, which the server treats as end-of-candidates.
func MarshalCandidate(init *webrtc.ICECandidateInit) ([]byte, error) {
	if init == nil {
		return json.Marshal(Envelope{Type: TypeICECandidate, Payload: json.RawMessage("null")})
	}
	return marshalEnvelope(TypeICECandidate, init)
}

func marshalEnvelope(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// ParseServerMessage decodes one inbound websocket frame. It returns an
// Answer, Candidate or ServerError value.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return nil, err
		}
		if desc.SDP == "" {
			return nil, errors.New("invalid answer: empty sdp")
		}
		return Answer{Desc: desc}, nil
	case TypeICECandidate:
		if isJSONNull(env.Payload) {
			return Candidate{}, nil
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &init); err != nil {
			return nil, err
		}
		return Candidate{Init: &init}, nil
	case TypeError:
		var se ServerError
		if err := json.Unmarshal(env.Payload, &se); err != nil {
			return nil, err
		}
		if se.Message == "" {
			se.Message = "unknown server error"
		}
		return se, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func isJSONNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return string(raw) == "null"
}
