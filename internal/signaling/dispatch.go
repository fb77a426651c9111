package signaling

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
)

// dispatch handles one inbound text frame from c. A non-zero code means the
// socket must be closed with that code and reason.
func (s *Server) dispatch(c *Conn, raw []byte) (code int, reason string) {
	f, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		s.metrics.Inc(metrics.FrameMalformed)
		c.log.Warn("closing socket", "reason", "malformed frame", "err", err)
		return websocket.CloseUnsupportedData, "malformed frame"
	case errors.Is(err, protocol.ErrInvalid):
		s.metrics.Inc(metrics.FrameInvalid)
		c.log.Warn("dropping frame", "type", f.Type, "err", err)
		return 0, ""
	case err != nil:
		return websocket.CloseInternalServerErr, "internal error"
	}
	s.metrics.Inc(metrics.FrameKindEvent(f.Kind.String()))

	switch f.Kind {
	case protocol.KindHeartbeat:
		// Client echoes carry no information.
	case protocol.KindUnknown:
		s.metrics.Inc(metrics.FrameUnknown)
		c.log.Debug("ignoring frame", "type", f.Type)
	case protocol.KindMessage:
		if !s.inRoom(c, f) {
			return 0, ""
		}
		s.relay.handle(c, f)
	default:
		if !f.Kind.IsSignaling() {
			c.log.Error("frame kind has no handler", "kind", f.Kind.String())
			break
		}
		if !s.inRoom(c, f) {
			return 0, ""
		}
		s.broker.handle(c, f)
	}
	return 0, ""
}

// inRoom reports whether a room frame arrived on a socket of that room.
// Anything else is dropped and the socket kept.
func (s *Server) inRoom(c *Conn, f protocol.Frame) bool {
	if c.target.scope != scopeRoom {
		s.metrics.Inc(metrics.FrameInvalid)
		c.log.Warn("dropping frame", "type", f.Type, "reason", "room frame on user socket")
		return false
	}
	if f.Key != c.target.roomID {
		s.metrics.Inc(metrics.FrameInvalid)
		c.log.Warn("dropping frame", "type", f.Type, "reason", "key does not match socket room", "key", f.Key)
		return false
	}
	return true
}
