package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

// messageRelay delivers chat messages and the state derived from them:
// room backlogs and offline notifications.
type messageRelay struct {
	srv *Server
}

// handle relays one validated message frame from c.
//
// With two or more open sockets in the room the message is broadcast and
// stored as read. With exactly one (the sender) it is stored unread, the
// recipient's presence socket is sent a fresh notification, and the message
// is echoed back. With none it is only stored. A storage failure is logged
// and never stops delivery.
func (r *messageRelay) handle(c *Conn, f protocol.Frame) {
	s := r.srv
	ctx := c.ctx
	log := c.log.With("type", f.Type)

	if f.User != c.target.userID {
		s.metrics.Inc(metrics.FrameInvalid)
		log.Warn("dropping frame", "reason", "sender does not match socket user", "user", f.User)
		return
	}

	frame, err := protocol.EncodeMessage(f)
	if err != nil {
		log.Error("encode message", "err", err)
		return
	}
	msg := store.Message{
		Sender:    f.User,
		Data:      f.Data,
		IV:        f.IV,
		CreatedAt: s.now(),
	}

	open := s.registry.Open(roomKey(f.Key))
	switch len(open) {
	case 0:
		s.metrics.Inc(metrics.MessageNoAudience)
		r.persist(ctx, log, f.Key, msg)
	case 1:
		r.persist(ctx, log, f.Key, msg)
		s.metrics.Inc(metrics.MessageStored)
		if err := r.notifyRecipient(ctx, f.Key, f.User); err != nil {
			s.metrics.Inc(metrics.StoreError)
			log.Error("notify recipient", "err", err)
		}
		open[0].Send(frame)
	default:
		n := s.registry.Broadcast(roomKey(f.Key), frame, "")
		s.metrics.Inc(metrics.MessageBroadcast)
		log.Debug("message broadcast", "delivered", n)
		msg.Read = true
		r.persist(ctx, log, f.Key, msg)
	}
}

func (r *messageRelay) persist(ctx context.Context, log *slog.Logger, roomID string, msg store.Message) {
	err := r.srv.store.AppendMessage(ctx, roomID, msg)
	if errors.Is(err, store.ErrRoomNotFound) {
		// A room socket always creates its room, but a purge or an
		// external delete can race with it.
		if _, err = r.srv.store.CreateRoom(ctx, roomID); err == nil {
			err = r.srv.store.AppendMessage(ctx, roomID, msg)
		}
	}
	if err != nil {
		r.srv.metrics.Inc(metrics.StoreError)
		log.Error("store message", "err", err)
	}
}

// notifyRecipient recomputes the pending list of the room member other than
// sender and pushes it to that member's canonical presence socket.
func (r *messageRelay) notifyRecipient(ctx context.Context, roomID, sender string) error {
	recipient, err := store.Recipient(ctx, r.srv.store, roomID, sender)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if recipient == "" {
		return nil
	}
	conns := r.srv.registry.Open(userKey(recipient))
	if len(conns) == 0 {
		return nil
	}
	return r.notify(ctx, conns[0], recipient)
}

// notify sends userID's pending notifications to conn, if there are any.
func (r *messageRelay) notify(ctx context.Context, conn registry.Conn, userID string) error {
	frame, n, err := presence.Frame(ctx, r.srv.store, userID)
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	if conn.Send(frame) {
		r.srv.metrics.Inc(metrics.NotificationPushed)
		r.srv.log.Debug("notification pushed", "user_id", userID, "pending", n)
	}
	return nil
}

// sendBacklog creates the room of c if needed, sends it the messages inside
// the retention window together with the room key, and marks the unread
// messages of that snapshot not sent by c's user as read.
//
// The backlog is written straight to the socket, so its size is bounded by
// retention rather than by the send queue.
func (r *messageRelay) sendBacklog(ctx context.Context, c *Conn) error {
	s := r.srv
	roomID := c.target.roomID

	room, created, err := store.FindOrCreateRoom(ctx, s.store, roomID)
	if err != nil {
		s.metrics.Inc(metrics.StoreError)
		return fmt.Errorf("open room %q: %w", roomID, err)
	}
	if created {
		s.metrics.Inc(metrics.RoomCreated)
		c.log.Info("room created")
	}

	msgs, err := s.store.PruneOlderThan(ctx, roomID, s.now().Add(-s.cfg.MessageRetention))
	if err != nil {
		s.metrics.Inc(metrics.StoreError)
		return fmt.Errorf("load backlog of %q: %w", roomID, err)
	}
	backlog := protocol.Backlog{
		Messages:      make([]protocol.ChatMessage, 0, len(msgs)),
		EncryptionKey: room.EncodedKey(),
	}
	for _, m := range msgs {
		read := m.Read
		createdAt := m.CreatedAt
		backlog.Messages = append(backlog.Messages, protocol.ChatMessage{
			IV:        m.IV,
			User:      m.Sender,
			Data:      m.Data,
			Read:      &read,
			CreatedAt: &createdAt,
		})
	}
	frame, err := protocol.EncodeBacklog(backlog)
	if err != nil {
		return fmt.Errorf("encode backlog: %w", err)
	}
	if err := c.writeNow(frame, backlogWriteWait); err != nil {
		return fmt.Errorf("write backlog of %d messages: %w", len(msgs), err)
	}
	s.metrics.Inc(metrics.BacklogSent)

	ids := store.UnreadIDs(msgs, c.target.userID)
	if len(ids) == 0 {
		return nil
	}
	if n, err := s.store.MarkRead(ctx, roomID, ids); err != nil {
		s.metrics.Inc(metrics.StoreError)
		c.log.Error("mark backlog read", "err", err)
	} else if n > 0 {
		c.log.Debug("backlog marked read", "messages", n)
	}
	return nil
}
