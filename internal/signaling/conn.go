package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/ratelimit"
)

const (
	wsWriteWait      = 1 * time.Second
	backlogWriteWait = 10 * time.Second
)

// Conn is one accepted socket. It implements registry.Conn.
//
// Three goroutines serve a Conn: the handler goroutine runs the read loop,
// a writer drains the send queue, and a ticker emits heartbeats and pings.
// terminate stops all three; teardown waits for them before the Conn is
// unregistered.
type Conn struct {
	id     string
	target target
	srv    *Server
	ws     *websocket.Conn
	log    *slog.Logger

	queue   *sendQueue
	limiter *ratelimit.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	loops     sync.WaitGroup
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Open() bool { return !c.closed.Load() }

// Send queues frame for delivery. It returns false once the connection is
// closed or when the frame was dropped for lack of queue space; enough
// consecutive drops close the connection.
func (c *Conn) Send(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	ok, consecutive := c.queue.Enqueue(frame)
	if ok {
		return true
	}
	if consecutive == 0 {
		return false
	}
	c.srv.metrics.Inc(metrics.SendQueueDropped)
	if consecutive >= c.srv.cfg.MaxSendQueueDrops {
		c.srv.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("closing slow socket", "dropped_in_a_row", consecutive)
		c.terminate(websocket.CloseTryAgainLater, "send queue overflow")
	}
	return false
}

func (c *Conn) serve() {
	defer c.teardown()

	c.loops.Add(1)
	go c.tickLoop()

	// Frames queued while open runs are flushed once the writer starts.
	if err := c.open(); err != nil {
		c.log.Error("socket setup failed", "err", err)
		c.terminate(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.loops.Add(1)
	go c.writeLoop()
	c.readLoop()
}

// open runs the scope-specific connect sequence. A room socket receives its
// backlog before it is registered, so live traffic can never arrive ahead of
// history.
func (c *Conn) open() error {
	s := c.srv
	switch c.target.scope {
	case scopeRoom:
		if err := s.relay.sendBacklog(c.ctx, c); err != nil {
			return err
		}
		s.registry.Register(roomKey(c.target.roomID), c)
		s.metrics.Inc(metrics.ConnOpenedRoom)
	case scopeUser:
		s.registry.Register(userKey(c.target.userID), c)
		s.metrics.Inc(metrics.ConnOpenedUser)
		if err := s.relay.notify(c.ctx, c, c.target.userID); err != nil {
			// Presence still works without the initial notification.
			s.metrics.Inc(metrics.StoreError)
			c.log.Error("compute notifications", "err", err)
		}
	}
	c.log.Debug("socket opened")
	return nil
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.srv.metrics.Inc(metrics.FrameTooLarge)
				c.terminate(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.log.Debug("socket idle timeout")
				c.terminate(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.log.Debug("socket read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

		// Rate limit after the read so the close frame is not lost behind
		// unread bytes.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.FrameRateLimited)
			c.log.Warn("closing socket", "reason", "rate limit exceeded")
			c.terminate(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.terminate(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if code, reason := c.srv.dispatch(c, data); code != 0 {
			c.terminate(code, reason)
			return
		}
	}
}

// writeNow writes frame on the calling goroutine. It must only be used
// before the writer goroutine starts.
func (c *Conn) writeNow(frame []byte, wait time.Duration) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) writeLoop() {
	defer c.loops.Done()
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("socket write failed", "err", err)
			c.terminate(0, "")
			return
		}
	}
}

// tickLoop sends application heartbeats and protocol pings until the
// connection closes.
func (c *Conn) tickLoop() {
	defer c.loops.Done()
	heartbeat := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(c.srv.cfg.PingInterval)
	defer ping.Stop()

	c.srv.heartbeats.Add(1)
	defer c.srv.heartbeats.Add(-1)

	for {
		select {
		case <-c.done:
			return
		case <-heartbeat.C:
			frame, err := protocol.EncodeHeartbeat(c.srv.now())
			if err != nil {
				continue
			}
			if c.Send(frame) {
				c.srv.metrics.Inc(metrics.HeartbeatSent)
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.terminate(0, "")
				return
			}
		}
	}
}

// terminate marks the connection closed, optionally sends a close frame with
// code, and stops the writer and ticker. It is safe to call from any
// goroutine and more than once.
func (c *Conn) terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if code != 0 {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		}
		close(c.done)
		c.queue.Close()
		c.cancel()
		_ = c.ws.Close()
	})
}

// teardown runs once on the handler goroutine after the read loop exits.
// When it returns no goroutine of c is running and c is in no registry key.
func (c *Conn) teardown() {
	c.terminate(0, "")
	c.loops.Wait()
	c.srv.registry.Unregister(c)
	if c.target.scope == scopeRoom {
		c.srv.broker.leave(c)
	}
	c.srv.metrics.Inc(metrics.ConnClosed)
	c.log.Debug("socket closed", "dropped_frames", c.queue.Drops())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
