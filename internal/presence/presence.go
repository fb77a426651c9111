// Package presence derives offline-message notifications for users.
//
// Nothing here is stored: a user's pending list is recomputed from the room
// logs every time it is needed, so repeated calls without new traffic return
// the same result.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

// Unread returns one entry per unread message addressed to userID, grouped
// by room in the order RoomsForUser returns them and by arrival within each
// room. Rooms that vanish between the lookups are skipped.
func Unread(ctx context.Context, s store.Store, userID string) ([]protocol.PendingNotification, error) {
	rooms, err := s.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rooms for %q: %w", userID, err)
	}

	var out []protocol.PendingNotification
	for _, roomID := range rooms {
		msgs, err := s.Messages(ctx, roomID)
		if errors.Is(err, store.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("messages in %q: %w", roomID, err)
		}
		for _, m := range msgs {
			if m.Read || m.Sender == userID {
				continue
			}
			out = append(out, protocol.PendingNotification{ChatID: roomID, From: m.Sender})
		}
	}
	return out, nil
}

// Frame returns the encoded notification frame for userID, or nil when the
// user has nothing pending.
func Frame(ctx context.Context, s store.Store, userID string) ([]byte, int, error) {
	pending, err := Unread(ctx, s, userID)
	if err != nil {
		return nil, 0, err
	}
	if len(pending) == 0 {
		return nil, 0, nil
	}
	frame, err := protocol.EncodeNotification(pending)
	if err != nil {
		return nil, 0, err
	}
	return frame, len(pending), nil
}
