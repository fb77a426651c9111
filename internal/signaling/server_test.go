package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

type testServer struct {
	srv   *Server
	store *store.Memory
	m     *metrics.Metrics
	ts    *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	st := store.NewMemory()
	m := metrics.New()
	cfg := Config{
		Store:             st,
		Metrics:           m,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		PathPrefix:        "/ws",
		HeartbeatInterval: time.Hour,
		IdleTimeout:       10 * time.Second,
		PingInterval:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
		ts.Close()
	})
	return &testServer{srv: srv, store: st, m: m, ts: ts}
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.ts.URL, "http")+path, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// joinRoom dials a room socket, consumes its backlog and waits until the
// server has registered it.
func (s *testServer) joinRoom(t *testing.T, roomID, userID string, wantConns int) (*websocket.Conn, backlogFrame) {
	t.Helper()
	c := s.dial(t, "/ws/"+roomID+"/"+userID)
	var b backlogFrame
	readInto(t, c, &b)
	waitFor(t, func() bool { return s.srv.registry.Len(roomKey(roomID)) == wantConns })
	return c, b
}

type backlogFrame struct {
	Messages []struct {
		IV   json.RawMessage `json:"iv"`
		User string          `json:"user"`
		Data json.RawMessage `json:"data"`
		Read *bool           `json:"read"`
	} `json:"messages"`
	EncryptionKey string `json:"encryptionKey"`
}

func readRaw(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readInto(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data := readRaw(t, c)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func readType(t *testing.T, c *websocket.Conn) (string, []byte) {
	t.Helper()
	data := readRaw(t, c)
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env.Type, data
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		return
	}
}

func expectNoFrame(t *testing.T, c *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
	if !isTimeout(err) {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messageFrame(room, user, data string) string {
	return `{"type":"message","key":"` + room + `","user":"` + user + `","data":"` + data + `","iv":[1,2,3],"extra":"dropped"}`
}

func TestEmptyRoomBacklogCreatesKey(t *testing.T) {
	s := newTestServer(t, nil)

	c, b := s.joinRoom(t, "R1", "U1", 1)
	if len(b.Messages) != 0 {
		t.Fatalf("backlog of new room has %d messages", len(b.Messages))
	}
	key, err := base64.StdEncoding.DecodeString(b.EncryptionKey)
	if err != nil || len(key) != store.RoomKeySize {
		t.Fatalf("encryptionKey=%q decodes to %d bytes (err %v)", b.EncryptionKey, len(key), err)
	}
	if s.m.Get(metrics.RoomCreated) != 1 {
		t.Fatalf("room_created=%d, want 1", s.m.Get(metrics.RoomCreated))
	}
	_ = c.Close()
	waitFor(t, func() bool { return s.srv.registry.Len(roomKey("R1")) == 0 })

	_, again := s.joinRoom(t, "R1", "U1", 1)
	if again.EncryptionKey != b.EncryptionKey {
		t.Fatalf("room key changed on reconnect")
	}
}

func TestMessageBroadcastToAllRoomConnections(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	b, _ := s.joinRoom(t, "R1", "U2", 2)

	send(t, a, messageFrame("R1", "U1", "hello"))

	for name, c := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		var got map[string]json.RawMessage
		readInto(t, c, &got)
		if string(got["type"]) != `"message"` || string(got["user"]) != `"U1"` || string(got["data"]) != `"hello"` || string(got["iv"]) != `[1,2,3]` {
			t.Fatalf("%s got %v", name, got)
		}
		if _, ok := got["extra"]; ok {
			t.Fatalf("%s received unsanitized frame", name)
		}
	}

	waitFor(t, func() bool {
		msgs, _ := s.store.Messages(context.Background(), "R1")
		return len(msgs) == 1
	})
	msgs, _ := s.store.Messages(context.Background(), "R1")
	if !msgs[0].Read || msgs[0].Sender != "U1" {
		t.Fatalf("stored %+v, want read message from U1", msgs[0])
	}
}

func TestOfflineRecipientGetsNotification(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := s.store.LinkRoom(ctx, "R1", "U1", "U2"); err != nil {
		t.Fatal(err)
	}

	presence := s.dial(t, "/ws/U2")
	waitFor(t, func() bool { return s.srv.registry.Len(userKey("U2")) == 1 })

	a, _ := s.joinRoom(t, "R1", "U1", 1)
	send(t, a, messageFrame("R1", "U1", "are you there"))

	typ, raw := readType(t, presence)
	if typ != "notification-msg" {
		t.Fatalf("presence socket got %s", raw)
	}
	var note struct {
		Data []struct {
			ChatID string `json:"chatID"`
			From   string `json:"from"`
		} `json:"data"`
	}
	_ = json.Unmarshal(raw, &note)
	if len(note.Data) != 1 || note.Data[0].ChatID != "R1" || note.Data[0].From != "U1" {
		t.Fatalf("notification=%s", raw)
	}

	if typ, raw := readType(t, a); typ != "message" {
		t.Fatalf("sender echo=%s", raw)
	}
	msgs, _ := s.store.Messages(ctx, "R1")
	if len(msgs) != 1 || msgs[0].Read {
		t.Fatalf("stored %+v, want one unread message", msgs)
	}

	_ = a.Close()
	waitFor(t, func() bool { return s.srv.registry.Len(roomKey("R1")) == 0 })

	_, backlog := s.joinRoom(t, "R1", "U2", 1)
	if len(backlog.Messages) != 1 || backlog.Messages[0].User != "U1" {
		t.Fatalf("backlog=%+v", backlog)
	}
	if backlog.Messages[0].Read == nil || *backlog.Messages[0].Read {
		t.Fatalf("backlog should report the message as it was before fetching")
	}
	waitFor(t, func() bool {
		msgs, _ := s.store.Messages(ctx, "R1")
		return len(msgs) == 1 && msgs[0].Read
	})

	// Nothing is pending any more, so a fresh presence socket gets no frame.
	again := s.dial(t, "/ws/U2")
	expectNoFrame(t, again, 100*time.Millisecond)
}

func TestMessageWithNoOpenConnectionIsStored(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := s.store.CreateRoom(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	// Drive the relay directly: a socket always counts itself, so the
	// empty-room path is only reachable after its own unregistration.
	c := testConn(s.srv, "R1", "U1")
	c.ctx = ctx
	s.srv.relay.handle(c, mustDecode(t, messageFrame("R1", "U1", "x")))

	msgs, _ := s.store.Messages(ctx, "R1")
	if len(msgs) != 1 || msgs[0].Read {
		t.Fatalf("stored %+v", msgs)
	}
	if s.m.Get(metrics.MessageNoAudience) != 1 {
		t.Fatalf("message_no_audience=%d", s.m.Get(metrics.MessageNoAudience))
	}
}

func TestNegotiationFramesSkipSender(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	b, _ := s.joinRoom(t, "R1", "U2", 2)

	offer := sdpFrame(t, "offer", "offer", "offer")
	send(t, a, offer)
	if got := readRaw(t, b); string(got) != offer {
		t.Fatalf("peer got %s, want byte-identical offer", got)
	}

	candidates := []string{
		`{"type":"ice-candidate","key":"R1","candidate":{"candidate":"candidate:1 1 udp 1 192.0.2.1 5000 typ host"}}`,
		`{"type":"ice-candidate","key":"R1","candidate":{"candidate":"candidate:2 1 udp 1 192.0.2.1 5001 typ srflx"}}`,
		`{"type":"ice-candidate","key":"R1","candidate":null}`,
	}
	for _, cand := range candidates {
		send(t, a, cand)
	}
	for i, cand := range candidates {
		if got := readRaw(t, b); string(got) != cand {
			t.Fatalf("candidate %d: got %s, want %s", i, got, cand)
		}
	}

	// The sender's next frame must be this call frame, not its own offer or
	// candidates.
	send(t, b, `{"type":"endCall","key":"R1"}`)
	if typ, raw := readType(t, a); typ != "endCall" {
		t.Fatalf("sender got %s, want endCall", raw)
	}
	if typ, raw := readType(t, b); typ != "endCall" {
		t.Fatalf("endCall not echoed to its sender: %s", raw)
	}
}

func TestCallFramesReachEveryConnection(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	b, _ := s.joinRoom(t, "R1", "U2", 2)
	c, _ := s.joinRoom(t, "R1", "U2", 3)

	call := `{"type":"call","key":"R1","callType":"audio","caller":"Ann","callerID":"U1"}`
	send(t, a, call)
	for i, conn := range []*websocket.Conn{a, b, c} {
		if got := readRaw(t, conn); string(got) != call {
			t.Fatalf("conn %d got %s", i, got)
		}
	}
	waitFor(t, func() bool { return s.srv.broker.State("R1") == CallRinging })
}

func TestDisconnectMidCallEndsIt(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	b, _ := s.joinRoom(t, "R1", "U2", 2)

	send(t, a, `{"type":"call","key":"R1"}`)
	readRaw(t, a)
	readRaw(t, b)

	_ = a.Close()
	typ, raw := readType(t, b)
	if typ != "endCall" || !strings.Contains(string(raw), `"key":"R1"`) {
		t.Fatalf("remaining peer got %s, want endCall for R1", raw)
	}
	if s.srv.broker.State("R1") != CallIdle {
		t.Fatalf("call state not reset")
	}
	if s.m.Get(metrics.CallTornDown) != 1 {
		t.Fatalf("call_torn_down=%d", s.m.Get(metrics.CallTornDown))
	}
}

func TestMalformedFrameClosesSocket(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)

	send(t, a, `this is not json`)
	expectClose(t, a, websocket.CloseUnsupportedData)
	waitFor(t, func() bool { return s.srv.registry.Len(roomKey("R1")) == 0 })
	if s.m.Get(metrics.FrameMalformed) != 1 {
		t.Fatalf("frame_malformed=%d", s.m.Get(metrics.FrameMalformed))
	}
}

func TestInvalidFrameIsDroppedAndSocketKept(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)

	send(t, a, `{"type":"message","key":"R1"}`)
	send(t, a, `{"type":"offer","key":"R1"}`)
	send(t, a, `{"type":"no-such-type","key":"R1"}`)
	send(t, a, `{"type":"heartbeat","timestamp":1}`)
	send(t, a, messageFrame("R2", "U1", "wrong room"))
	send(t, a, messageFrame("R1", "U9", "spoofed sender"))
	send(t, a, `{"type":"call","key":"R1"}`)

	if typ, raw := readType(t, a); typ != "call" {
		t.Fatalf("got %s, want the call echo after dropped frames", raw)
	}
	if got := s.m.Get(metrics.FrameInvalid); got != 4 {
		t.Fatalf("frame_invalid=%d, want 4", got)
	}
	if got := s.m.Get(metrics.FrameUnknown); got != 1 {
		t.Fatalf("frame_unknown=%d, want 1", got)
	}
	msgs, _ := s.store.Messages(context.Background(), "R1")
	if len(msgs) != 0 {
		t.Fatalf("dropped frames were stored: %+v", msgs)
	}
}

func TestRoomFrameOnUserSocketIsDropped(t *testing.T) {
	s := newTestServer(t, nil)
	u := s.dial(t, "/ws/U1")
	waitFor(t, func() bool { return s.srv.registry.Len(userKey("U1")) == 1 })

	send(t, u, `{"type":"call","key":"R1"}`)
	waitFor(t, func() bool { return s.m.Get(metrics.FrameInvalid) == 1 })
	expectNoFrame(t, u, 50*time.Millisecond)
}

func TestBinaryFrameClosesSocket(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	if err := a.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	expectClose(t, a, websocket.CloseUnsupportedData)
}

func TestOversizedFrameClosesSocket(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.MaxMessageBytes = 64 })
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	send(t, a, messageFrame("R1", "U1", strings.Repeat("x", 128)))
	expectClose(t, a, websocket.CloseMessageTooBig)
}

func TestRateLimitClosesSocket(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.MaxMessagesPerSecond = 2 })
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	for i := 0; i < 5; i++ {
		if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
			break
		}
	}
	expectClose(t, a, websocket.ClosePolicyViolation)
	if s.m.Get(metrics.FrameRateLimited) != 1 {
		t.Fatalf("frame_rate_limited=%d", s.m.Get(metrics.FrameRateLimited))
	}
}

func TestHeartbeatsStopWhenSocketCloses(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.HeartbeatInterval = 20 * time.Millisecond })
	u := s.dial(t, "/ws/U1")

	typ, raw := readType(t, u)
	if typ != "heartbeat" {
		t.Fatalf("got %s, want heartbeat", raw)
	}
	var hb struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(raw, &hb)
	if hb.Timestamp <= 0 {
		t.Fatalf("heartbeat timestamp=%d", hb.Timestamp)
	}
	if s.srv.heartbeats.Load() != 1 {
		t.Fatalf("heartbeat timers=%d, want 1", s.srv.heartbeats.Load())
	}

	_ = u.Close()
	waitFor(t, func() bool { return s.srv.heartbeats.Load() == 0 })
	waitFor(t, func() bool { conns, _ := s.srv.registry.Count(); return conns == 0 })

	sent := s.m.Get(metrics.HeartbeatSent)
	time.Sleep(100 * time.Millisecond)
	if got := s.m.Get(metrics.HeartbeatSent); got != sent {
		t.Fatalf("heartbeats kept firing after close: %d -> %d", sent, got)
	}
}

func TestIdleSocketWithoutPongIsClosed(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})
	u := s.dial(t, "/ws/U1")
	u.SetPingHandler(func(string) error { return nil })
	expectClose(t, u, websocket.CloseNormalClosure)
}

func TestServerCloseClosesSockets(t *testing.T) {
	s := newTestServer(t, nil)
	a, _ := s.joinRoom(t, "R1", "U1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectClose(t, a, websocket.CloseGoingAway)
}

func TestSocketAuth(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.AuthMode = config.AuthModeJWT
		c.Verifier = auth.NewJWTVerifier("secret")
	})
	base := "ws" + strings.TrimPrefix(s.ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/U1", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}

	token, err := auth.SignJWT("secret", "U2", time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/U1?token="+token, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial with another user's token: err=%v resp=%v", err, resp)
	}

	token, err = auth.SignJWT("secret", "U1", time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := websocket.DefaultDialer.Dial(base+"/ws/U1?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	_ = c.Close()
	if got := s.m.Get(metrics.ConnRejectedAuth); got != 2 {
		t.Fatalf("conn_rejected_auth=%d, want 2", got)
	}
}

func TestSocketOriginPolicy(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.AllowedOrigins = []string{"https://chat.example.com"} })
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/U1"

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: err=%v resp=%v", err, resp)
	}

	h.Set("Origin", "https://chat.example.com")
	c, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestUnknownPathIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.ts.URL + "/ws/R1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

// faultyStore fails selected operations on demand.
type faultyStore struct {
	store.Store
	failFind   atomic.Bool
	failAppend atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *faultyStore) FindRoom(ctx context.Context, roomID string) (store.Room, error) {
	if f.failFind.Load() {
		return store.Room{}, errDiskFull
	}
	return f.Store.FindRoom(ctx, roomID)
}

func (f *faultyStore) AppendMessage(ctx context.Context, roomID string, msg store.Message) error {
	if f.failAppend.Load() {
		return errDiskFull
	}
	return f.Store.AppendMessage(ctx, roomID, msg)
}

// interleavingStore appends a message from sender right after the first
// backlog snapshot is taken.
type interleavingStore struct {
	store.Store
	roomID, sender string
	once           sync.Once
}

func (s *interleavingStore) PruneOlderThan(ctx context.Context, roomID string, cutoff time.Time) ([]store.Message, error) {
	msgs, err := s.Store.PruneOlderThan(ctx, roomID, cutoff)
	if err != nil || roomID != s.roomID {
		return msgs, err
	}
	s.once.Do(func() {
		err = s.Store.AppendMessage(ctx, roomID, store.Message{
			Sender: s.sender,
			Data:   json.RawMessage(`"late"`),
			IV:     json.RawMessage(`[1]`),
		})
	})
	return msgs, err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func seedMessages(t *testing.T, st store.Store, roomID, sender string, n int, data string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.FindOrCreateRoom(ctx, st, roomID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		err := st.AppendMessage(ctx, roomID, store.Message{
			Sender:    sender,
			Data:      json.RawMessage(`"` + data + `"`),
			IV:        json.RawMessage(`[1,2,3]`),
			CreatedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBacklogLargerThanSendQueueIsDelivered(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.SendQueueBytes = 4096 })
	seedMessages(t, s.store, "R1", "U2", 40, strings.Repeat("x", 200), time.Now())

	a, b := s.joinRoom(t, "R1", "U1", 1)
	if len(b.Messages) != 40 {
		t.Fatalf("backlog has %d messages, want 40", len(b.Messages))
	}

	// The socket is fully usable after the oversized backlog.
	send(t, a, `{"type":"call","key":"R1"}`)
	if typ, raw := readType(t, a); typ != "call" {
		t.Fatalf("got %s, want call echo", raw)
	}
	if s.m.Get(metrics.BacklogSent) != 1 {
		t.Fatalf("backlog_sent=%d, want 1", s.m.Get(metrics.BacklogSent))
	}
}

func TestBacklogMarksOnlyDeliveredMessagesRead(t *testing.T) {
	var st *interleavingStore
	s := newTestServer(t, func(c *Config) {
		st = &interleavingStore{Store: c.Store, roomID: "R1", sender: "U1"}
		c.Store = st
	})
	seedMessages(t, s.store, "R1", "U1", 1, "early", time.Now())

	_, b := s.joinRoom(t, "R1", "U2", 1)
	if len(b.Messages) != 1 {
		t.Fatalf("backlog has %d messages, want the one stored before connect", len(b.Messages))
	}

	msgs, err := s.store.Messages(context.Background(), "R1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if !msgs[0].Read {
		t.Fatalf("delivered message not marked read: %+v", msgs[0])
	}
	if msgs[1].Read {
		t.Fatalf("message stored after the snapshot was marked read: %+v", msgs[1])
	}

	// It is delivered by the next backlog instead.
	_, again := s.joinRoom(t, "R1", "U2", 2)
	if len(again.Messages) != 2 || string(again.Messages[1].Data) != `"late"` {
		t.Fatalf("second backlog=%+v", again)
	}
}

func TestStoreFailureDoesNotStopFanOut(t *testing.T) {
	var st *faultyStore
	s := newTestServer(t, func(c *Config) {
		st = &faultyStore{Store: c.Store}
		c.Store = st
	})
	a, _ := s.joinRoom(t, "R1", "U1", 1)
	st.failAppend.Store(true)

	// Alone in the room: the sender still gets its echo.
	send(t, a, messageFrame("R1", "U1", "solo"))
	if typ, raw := readType(t, a); typ != "message" {
		t.Fatalf("sender echo=%s", raw)
	}
	if got := s.m.Get(metrics.StoreError); got != 1 {
		t.Fatalf("store_error=%d, want 1", got)
	}

	b, _ := s.joinRoom(t, "R1", "U2", 2)
	send(t, a, messageFrame("R1", "U1", "both"))
	for name, c := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		var got map[string]json.RawMessage
		readInto(t, c, &got)
		if string(got["data"]) != `"both"` {
			t.Fatalf("%s got %v", name, got)
		}
	}
	waitFor(t, func() bool { return s.m.Get(metrics.StoreError) == 2 })

	msgs, _ := s.store.Messages(context.Background(), "R1")
	if len(msgs) != 0 {
		t.Fatalf("failed appends were stored: %+v", msgs)
	}
}

func TestRoomConnectStoreFailureClosesSocket(t *testing.T) {
	var st *faultyStore
	s := newTestServer(t, func(c *Config) {
		st = &faultyStore{Store: c.Store}
		c.Store = st
	})
	st.failFind.Store(true)

	c := s.dial(t, "/ws/R1/U1")
	expectClose(t, c, websocket.CloseInternalServerErr)
	if got := s.m.Get(metrics.StoreError); got != 1 {
		t.Fatalf("store_error=%d, want 1", got)
	}
	if n := s.srv.registry.Len(roomKey("R1")); n != 0 {
		t.Fatalf("failed socket left %d registry entries", n)
	}

	st.failFind.Store(false)
	if _, b := s.joinRoom(t, "R1", "U1", 1); b.EncryptionKey == "" {
		t.Fatalf("room did not open once storage recovered")
	}
}

func TestBacklogHonorsRetentionWindow(t *testing.T) {
	now := time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC)
	s := newTestServer(t, func(c *Config) {
		c.Clock = fixedClock{t: now}
		c.MessageRetention = 14 * 24 * time.Hour
	})
	seedMessages(t, s.store, "R1", "U2", 1, "expired", now.Add(-15*24*time.Hour))
	seedMessages(t, s.store, "R1", "U2", 1, "recent", now.Add(-24*time.Hour))

	_, b := s.joinRoom(t, "R1", "U1", 1)
	if len(b.Messages) != 1 || string(b.Messages[0].Data) != `"recent"` {
		t.Fatalf("backlog=%+v, want only the recent message", b.Messages)
	}

	msgs, _ := s.store.Messages(context.Background(), "R1")
	if len(msgs) != 2 {
		t.Fatalf("backlog fetch deleted messages: %d left", len(msgs))
	}
	if msgs[0].Read || !msgs[1].Read {
		t.Fatalf("read flags=%v,%v, want only the delivered message read", msgs[0].Read, msgs[1].Read)
	}
}
