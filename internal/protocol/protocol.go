// Package protocol defines the JSON text frames exchanged over chat sockets.
//
// Inbound frames decode into a Frame tagged with a closed Kind. The raw bytes
// are kept so call-signaling frames can be relayed exactly as received.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindCall
	KindConfirmation
	KindDeniedCall
	KindEndCall
	KindOffer
	KindAnswer
	KindICECandidate
	KindActivateCamera
	KindDeactivateCamera
	KindHeartbeat
)

var kindNames = map[Kind]string{
	KindMessage:          "message",
	KindCall:             "call",
	KindConfirmation:     "confirmation",
	KindDeniedCall:       "deniedCall",
	KindEndCall:          "endCall",
	KindOffer:            "offer",
	KindAnswer:           "answer",
	KindICECandidate:     "ice-candidate",
	KindActivateCamera:   "activateCamera",
	KindDeactivateCamera: "deactivateCamera",
	KindHeartbeat:        "heartbeat",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire type string to a Kind. Unrecognized strings map to
// KindUnknown.
func ParseKind(s string) Kind {
	return kindsByName[s]
}

// IsSignaling reports whether k is relayed by the call broker.
func (k Kind) IsSignaling() bool {
	switch k {
	case KindCall, KindConfirmation, KindDeniedCall, KindEndCall,
		KindOffer, KindAnswer, KindICECandidate,
		KindActivateCamera, KindDeactivateCamera:
		return true
	default:
		return false
	}
}

// ExcludesSender reports whether fan-out for k must skip the connection the
// frame arrived on. Negotiation frames echoed back would corrupt the sender's
// local WebRTC state.
func (k Kind) ExcludesSender() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindActivateCamera, KindDeactivateCamera:
		return true
	default:
		return false
	}
}

var (
	// ErrMalformed means the frame is not a JSON object. The connection that
	// sent it is closed.
	ErrMalformed = errors.New("malformed frame")
	// ErrInvalid means the frame parsed but is missing a required field. The
	// frame is dropped and the connection kept.
	ErrInvalid = errors.New("invalid frame")
)

// Frame is a decoded inbound frame. Fields not meaningful for Kind are zero.
type Frame struct {
	Kind Kind
	// Type is the wire type string, kept for logging unknown kinds.
	Type string
	Key  string
	User string
	// Data and IV are opaque ciphertext and initialization vector.
	Data json.RawMessage
	IV   json.RawMessage

	CallType string
	Caller   string
	CallerID string
	State    json.RawMessage
	UserID   string

	// SDP carries the offer or answer payload of offer, answer and camera
	// frames; Candidate carries the ice-candidate payload.
	SDP       json.RawMessage
	Candidate json.RawMessage

	Raw []byte
}

type wireFrame struct {
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	User      string          `json:"user"`
	Data      json.RawMessage `json:"data"`
	IV        json.RawMessage `json:"iv"`
	CallType  string          `json:"callType"`
	Caller    string          `json:"caller"`
	CallerID  string          `json:"callerID"`
	State     json.RawMessage `json:"state"`
	UserID    string          `json:"userID"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// Decode parses one inbound text frame.
//
// A frame that is not a JSON object fails with ErrMalformed. A frame of a
// known kind lacking its required fields fails with ErrInvalid; the partially
// decoded Frame is still returned so callers can log its kind. Unknown and
// heartbeat frames decode without validation.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, ErrMalformed
	}
	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	f := Frame{
		Kind:      ParseKind(w.Type),
		Type:      w.Type,
		Key:       w.Key,
		User:      w.User,
		Data:      w.Data,
		IV:        w.IV,
		CallType:  w.CallType,
		Caller:    w.Caller,
		CallerID:  w.CallerID,
		State:     w.State,
		UserID:    w.UserID,
		Candidate: w.Candidate,
		Raw:       raw,
	}
	switch f.Kind {
	case KindAnswer:
		f.SDP = w.Answer
	case KindOffer, KindActivateCamera, KindDeactivateCamera:
		f.SDP = w.Offer
	}

	if err := f.validate(); err != nil {
		return f, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Kind {
	case KindUnknown, KindHeartbeat:
		return nil
	case KindMessage:
		if f.Key == "" {
			return fmt.Errorf("%w: message without key", ErrInvalid)
		}
		if f.User == "" {
			return fmt.Errorf("%w: message without user", ErrInvalid)
		}
		if isNull(f.Data) {
			return fmt.Errorf("%w: message without data", ErrInvalid)
		}
		return nil
	case KindCall, KindConfirmation, KindDeniedCall, KindEndCall:
		if f.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalid, f.Kind)
		}
		return nil
	case KindOffer, KindAnswer, KindActivateCamera, KindDeactivateCamera:
		if f.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalid, f.Kind)
		}
		if isNull(f.SDP) {
			return fmt.Errorf("%w: %s without session description", ErrInvalid, f.Kind)
		}
		return nil
	case KindICECandidate:
		if f.Key == "" {
			return fmt.Errorf("%w: ice-candidate without key", ErrInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: unhandled kind %d", ErrInvalid, f.Kind)
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
