package metrics

import (
	"sort"
	"sync"
)

// Event names.
const (
	ConnOpenedRoom   = "conn_opened_room"
	ConnOpenedUser   = "conn_opened_user"
	ConnClosed       = "conn_closed"
	ConnRejectedAuth = "conn_rejected_auth"
	ConnRejectedPath = "conn_rejected_path"

	FrameMalformed   = "frame_malformed"
	FrameInvalid     = "frame_invalid"
	FrameUnknown     = "frame_unknown"
	FrameRateLimited = "frame_rate_limited"
	FrameTooLarge    = "frame_too_large"

	MessageBroadcast  = "message_broadcast"
	MessageStored     = "message_stored_unread"
	MessageNoAudience = "message_no_audience"
	StoreError        = "store_error"

	NotificationPushed = "notification_pushed"
	BacklogSent        = "backlog_sent"
	HeartbeatSent      = "heartbeat_sent"

	CallFrameRelayed  = "call_frame_relayed"
	CallTornDown      = "call_torn_down"
	SendQueueDropped  = "send_queue_dropped"
	SendQueueOverflow = "send_queue_overflow_close"

	RoomCreated = "room_created"
	ICERequest  = "ice_request"

	MessagesPurged = "messages_purged"
)

// FrameKindEvent is the per-kind inbound frame counter name.
func FrameKindEvent(kind string) string {
	return "frame_" + kind
}

// Metrics is a concurrency-safe counter registry plus named gauge callbacks.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetGauge registers fn to be sampled on every scrape. A later registration
// with the same name replaces the earlier one.
func (m *Metrics) SetGauge(name string, fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

type gaugeSample struct {
	name  string
	value int64
}

func (m *Metrics) sampleGauges() []gaugeSample {
	m.mu.Lock()
	fns := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make([]gaugeSample, 0, len(fns))
	for name, fn := range fns {
		out = append(out, gaugeSample{name: name, value: fn()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
