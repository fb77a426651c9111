package signaling

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
)

// CallState is the server's view of a room's call, derived only from the
// frames it relays. It never gates relaying.
type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallNegotiating
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallNegotiating:
		return "negotiating"
	case CallConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type callSession struct {
	state    CallState
	callType string
	caller   string
	since    time.Time

	camera     bool
	mediaKinds []string
	candidates map[string]int // by candidate type
}

// next returns the state after observing kind. ok is false when the frame
// ends the call.
func (cs *callSession) next(kind protocol.Kind) (state CallState, ok bool) {
	switch kind {
	case protocol.KindCall:
		return CallRinging, true
	case protocol.KindConfirmation:
		return CallNegotiating, true
	case protocol.KindOffer:
		if cs.state == CallConnected {
			// Renegotiation, e.g. a camera toggled mid-call.
			return CallConnected, true
		}
		return CallNegotiating, true
	case protocol.KindAnswer:
		return CallConnected, true
	case protocol.KindDeniedCall, protocol.KindEndCall:
		return CallIdle, false
	default:
		return cs.state, true
	}
}
