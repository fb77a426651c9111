package presence

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

func seed(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	if _, err := s.LinkRoom(ctx, "R1", "U1", "U2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkRoom(ctx, "R2", "U2", "U3"); err != nil {
		t.Fatal(err)
	}
	add := func(room, sender string, read bool) {
		t.Helper()
		err := s.AppendMessage(ctx, room, store.Message{
			Sender:    sender,
			Data:      json.RawMessage(`"x"`),
			IV:        json.RawMessage(`"iv"`),
			Read:      read,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("R1", "U1", false)
	add("R1", "U1", false)
	add("R1", "U2", false)
	add("R1", "U1", true)
	add("R2", "U3", false)
	return s
}

func TestUnreadCountsPerMessage(t *testing.T) {
	s := seed(t)
	got, err := Unread(context.Background(), s, "U2")
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.PendingNotification{
		{ChatID: "R1", From: "U1"},
		{ChatID: "R1", From: "U1"},
		{ChatID: "R2", From: "U3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Unread(U2)=%+v, want %+v", got, want)
	}
}

func TestUnreadIsIdempotent(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	first, _, err := Frame(ctx, s, "U2")
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := Frame(ctx, s, "U2")
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("notification changed without new traffic:\n%s\n%s", first, second)
	}
}

func TestFrameEmptyWhenNothingPending(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	for _, room := range []string{"R1", "R2"} {
		msgs, err := s.Messages(ctx, room)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.MarkRead(ctx, room, store.UnreadIDs(msgs, "U2")); err != nil {
			t.Fatal(err)
		}
	}
	frame, n, err := Frame(ctx, s, "U2")
	if err != nil {
		t.Fatal(err)
	}
	if frame != nil || n != 0 {
		t.Fatalf("Frame=%s n=%d, want nothing", frame, n)
	}

	frame, n, err = Frame(ctx, s, "stranger")
	if err != nil || frame != nil || n != 0 {
		t.Fatalf("Frame(stranger)=%s,%d,%v", frame, n, err)
	}
}

func TestFrameShape(t *testing.T) {
	s := seed(t)
	frame, n, err := Frame(context.Background(), s, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("n=%d, want 1", n)
	}
	var decoded struct {
		Type string `json:"type"`
		Data []struct {
			ChatID string `json:"chatID"`
			From   string `json:"from"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "notification-msg" || len(decoded.Data) != 1 || decoded.Data[0].ChatID != "R1" || decoded.Data[0].From != "U2" {
		t.Fatalf("frame=%s", frame)
	}
}
