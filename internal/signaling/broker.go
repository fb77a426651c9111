package signaling

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
)

// callBroker relays call-signaling frames between the sockets of a room.
//
// Frames are forwarded byte-for-byte in arrival order. Negotiation frames
// (offer, answer, ice-candidate, camera toggles) skip the socket they came
// from; call lifecycle frames reach every socket in the room.
type callBroker struct {
	srv *Server

	mu    sync.Mutex
	calls map[string]*callSession // by room id; absent means idle
}

func newCallBroker(s *Server) *callBroker {
	return &callBroker{srv: s, calls: make(map[string]*callSession)}
}

func (b *callBroker) handle(c *Conn, f protocol.Frame) {
	b.observe(c, f)

	skip := ""
	if f.Kind.ExcludesSender() {
		skip = c.id
	}
	n := b.srv.registry.Broadcast(roomKey(f.Key), f.Raw, skip)
	b.srv.metrics.Inc(metrics.CallFrameRelayed)
	if n == 0 {
		c.log.Debug("call frame had no recipients", "type", f.Type)
	}
}

// observe advances the room's call state. Payloads that fail to parse are
// logged and still relayed.
func (b *callBroker) observe(c *Conn, f protocol.Frame) {
	now := b.srv.now()
	log := c.log.With("type", f.Type)

	switch f.Kind {
	case protocol.KindConfirmation:
		log.Debug("call reply", "caller", f.Caller, "caller_id", f.CallerID, "state", string(f.State))
	case protocol.KindDeniedCall:
		log.Debug("call denied", "caller", f.Caller)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.calls[f.Key]
	if !ok {
		if f.Kind == protocol.KindEndCall || f.Kind == protocol.KindDeniedCall {
			return
		}
		cs = &callSession{state: CallIdle, since: now, candidates: make(map[string]int)}
		b.calls[f.Key] = cs
	}

	switch f.Kind {
	case protocol.KindCall:
		cs.callType = f.CallType
		cs.caller = f.CallerID
		if cs.caller == "" {
			cs.caller = c.target.userID
		}
		log.Info("call placed", "caller", f.Caller, "caller_id", cs.caller, "call_type", cs.callType)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindActivateCamera, protocol.KindDeactivateCamera:
		if desc, err := protocol.SessionDescription(f); err != nil {
			log.Debug("unparsed session description", "err", err)
		} else if kinds, err := protocol.MediaKinds(desc); err != nil {
			log.Debug("unparsed sdp", "err", err)
		} else {
			cs.mediaKinds = kinds
		}
		switch f.Kind {
		case protocol.KindActivateCamera:
			cs.camera = true
			log.Debug("camera on", "user_id", f.UserID)
		case protocol.KindDeactivateCamera:
			cs.camera = false
			log.Debug("camera off", "user_id", f.UserID)
		}
	case protocol.KindICECandidate:
		cand, ok, err := protocol.Candidate(f)
		switch {
		case err != nil:
			log.Debug("unparsed candidate", "err", err)
		case ok:
			cs.candidates[protocol.CandidateType(cand.Candidate)]++
		}
	}

	state, live := cs.next(f.Kind)
	if !live {
		log.Info("call ended", "call_type", cs.callType, "last_state", cs.state.String(), "duration", now.Sub(cs.since))
		delete(b.calls, f.Key)
		return
	}
	if state == CallIdle {
		delete(b.calls, f.Key)
		return
	}
	if state != cs.state {
		log.Debug("call state", "from", cs.state.String(), "to", state.String(), "media", cs.mediaKinds, "camera", cs.camera)
		if cs.state == CallIdle {
			cs.since = now
		}
		cs.state = state
	}
}

// leave is called after c has been unregistered. If the room had a call in
// progress, the sockets still in the room are told it ended.
func (b *callBroker) leave(c *Conn) {
	roomID := c.target.roomID

	b.mu.Lock()
	cs, ok := b.calls[roomID]
	if ok {
		delete(b.calls, roomID)
	}
	b.mu.Unlock()
	if !ok || cs.state == CallIdle {
		return
	}

	frame, err := protocol.EncodeEndCall(roomID)
	if err != nil {
		return
	}
	n := b.srv.registry.Broadcast(roomKey(roomID), frame, "")
	b.srv.metrics.Inc(metrics.CallTornDown)
	c.log.Info("call torn down on disconnect", "last_state", cs.state.String(), "notified", n)
}

// State reports the observed call state of roomID.
func (b *callBroker) State(roomID string) CallState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.calls[roomID]; ok {
		return cs.state
	}
	return CallIdle
}

func (b *callBroker) ActiveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, cs := range b.calls {
		if cs.state != CallIdle {
			n++
		}
	}
	return n
}
