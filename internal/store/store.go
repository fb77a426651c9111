// Package store persists rooms, their encryption keys and their message logs.
//
// The relay depends only on the Store interface. Memory is the default
// backend; SQLite keeps history across restarts.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoomKeySize is the size of a room's symmetric key (AES-256).
const RoomKeySize = 32

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidRoom  = errors.New("invalid room id")
)

type Room struct {
	ID string
	// Key is the room's symmetric key. It is generated once, on first
	// creation, and never rotated.
	Key       []byte
	Members   []string
	CreatedAt time.Time
}

// EncodedKey returns the key as clients receive it.
func (r Room) EncodedKey() string {
	return base64.StdEncoding.EncodeToString(r.Key)
}

// Message is one entry of a room's append-only log. Data and IV are opaque
// client-encrypted payloads.
type Message struct {
	ID        string
	Sender    string
	Data      json.RawMessage
	IV        json.RawMessage
	Read      bool
	CreatedAt time.Time
}

type Store interface {
	// FindRoom returns ErrRoomNotFound for unknown rooms.
	FindRoom(ctx context.Context, roomID string) (Room, error)
	// CreateRoom creates roomID with a fresh key. If the room already exists
	// the stored room is returned unchanged, so racing creators agree on one
	// key.
	CreateRoom(ctx context.Context, roomID string) (Room, error)
	AppendMessage(ctx context.Context, roomID string, msg Message) error
	// MarkRead flags the messages with the given ids as read and returns how
	// many changed. Unknown ids are ignored.
	MarkRead(ctx context.Context, roomID string, ids []string) (int, error)
	// PruneOlderThan returns the room's messages created at or after cutoff,
	// oldest first. Stored messages are not modified.
	PruneOlderThan(ctx context.Context, roomID string, cutoff time.Time) ([]Message, error)
	// Messages returns the full log, oldest first.
	Messages(ctx context.Context, roomID string) ([]Message, error)

	// LinkRoom records members as the participants of roomID, creating the
	// room if needed.
	LinkRoom(ctx context.Context, roomID string, members ...string) (Room, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	RoomsForUser(ctx context.Context, userID string) ([]string, error)

	// PurgeExpired deletes messages created before cutoff across all rooms.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// FindOrCreateRoom returns roomID, creating it if it does not exist yet.
func FindOrCreateRoom(ctx context.Context, s Store, roomID string) (room Room, created bool, err error) {
	room, err = s.FindRoom(ctx, roomID)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return Room{}, false, err
	}
	room, err = s.CreateRoom(ctx, roomID)
	if err != nil {
		return Room{}, false, err
	}
	return room, true, nil
}

// Recipient returns the member of roomID other than sender, or "" when the
// room has no such member.
func Recipient(ctx context.Context, s Store, roomID, sender string) (string, error) {
	members, err := s.RoomMembers(ctx, roomID)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m != sender {
			return m, nil
		}
	}
	return "", nil
}

// UnreadIDs returns the ids of the messages in msgs that reader has not
// read yet, skipping the ones reader sent.
func UnreadIDs(msgs []Message, reader string) []string {
	var ids []string
	for _, m := range msgs {
		if !m.Read && m.Sender != reader {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func NewRoomKey() ([]byte, error) {
	key := make([]byte, RoomKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate room key: %w", err)
	}
	return key, nil
}

// NewRoomID returns an identifier for a room created by linking two users.
func NewRoomID() string {
	return uuid.NewString()
}

func newMessageID() string {
	return uuid.NewString()
}

func validRoomID(roomID string) error {
	if roomID == "" || len(roomID) > 256 {
		return ErrInvalidRoom
	}
	return nil
}

func normalizeMessage(msg Message, now time.Time) Message {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg
}

func dedupeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
