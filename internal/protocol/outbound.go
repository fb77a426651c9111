package protocol

import (
	"encoding/json"
	"time"
)

const (
	TypeHeartbeat    = "heartbeat"
	TypeNotification = "notification-msg"
)

// ChatMessage is a relayed chat message as clients see it, both live and in
// backlogs.
type ChatMessage struct {
	Type      string          `json:"type,omitempty"`
	IV        json.RawMessage `json:"iv"`
	User      string          `json:"user"`
	Data      json.RawMessage `json:"data"`
	Read      *bool           `json:"read,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
}

type Backlog struct {
	Messages      []ChatMessage `json:"messages"`
	EncryptionKey string        `json:"encryptionKey"`
}

// PendingNotification names one unread message: the room it is in and who
// sent it. Clients count entries per chatID.
type PendingNotification struct {
	ChatID string `json:"chatID"`
	From   string `json:"from"`
}

type notificationFrame struct {
	Type string                `json:"type"`
	Data []PendingNotification `json:"data"`
}

type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type endCallFrame struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// EncodeMessage returns the sanitized live form of an inbound message frame:
// only type, iv, user and data are forwarded.
func EncodeMessage(f Frame) ([]byte, error) {
	return json.Marshal(ChatMessage{
		Type: KindMessage.String(),
		IV:   nonNull(f.IV),
		User: f.User,
		Data: f.Data,
	})
}

func EncodeBacklog(b Backlog) ([]byte, error) {
	if b.Messages == nil {
		b.Messages = []ChatMessage{}
	}
	return json.Marshal(b)
}

func EncodeNotification(pending []PendingNotification) ([]byte, error) {
	return json.Marshal(notificationFrame{Type: TypeNotification, Data: pending})
}

// EncodeHeartbeat stamps the frame with t in Unix milliseconds.
func EncodeHeartbeat(t time.Time) ([]byte, error) {
	return json.Marshal(heartbeatFrame{Type: TypeHeartbeat, Timestamp: t.UnixMilli()})
}

func EncodeEndCall(roomID string) ([]byte, error) {
	return json.Marshal(endCallFrame{Type: KindEndCall.String(), Key: roomID})
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return json.RawMessage("null")
	}
	return raw
}
