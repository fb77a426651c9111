// Package registry tracks live chat connections by room id or user id.
//
// A Registry is injected into the socket server; there is no package-level
// state. Keys are spread over independently locked shards so connects in
// unrelated rooms never contend on one mutex.
package registry

import (
	"hash/maphash"
	"sort"
	"sync"
)

// Conn is the slice of a connection the registry and fan-out need.
type Conn interface {
	ID() string
	// Send queues frame for delivery and reports whether it was accepted.
	// Sending on a closed connection is a no-op that returns false.
	Send(frame []byte) bool
	Open() bool
}

const shardCount = 32

type entry struct {
	conn Conn
	seq  uint64
}

type shard struct {
	mu   sync.Mutex
	keys map[string]map[string]entry // key -> conn id -> entry
}

type Registry struct {
	seed   maphash.Seed
	shards [shardCount]shard

	// Reverse index: conn id -> keys holding it. Lock order is revMu before
	// any shard mutex.
	revMu sync.Mutex
	rev   map[string]map[string]struct{}
	seq   uint64
}

func New() *Registry {
	r := &Registry{
		seed: maphash.MakeSeed(),
		rev:  make(map[string]map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].keys = make(map[string]map[string]entry)
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return &r.shards[maphash.String(r.seed, key)%shardCount]
}

// Register adds conn under key. Registering the same connection under the
// same key twice is a no-op.
func (r *Registry) Register(key string, conn Conn) {
	id := conn.ID()

	// revMu is held across the shard update so a concurrent Unregister of the
	// same connection cannot leave a stale shard entry behind.
	r.revMu.Lock()
	defer r.revMu.Unlock()

	keys, ok := r.rev[id]
	if !ok {
		keys = make(map[string]struct{})
		r.rev[id] = keys
	}
	if _, dup := keys[key]; dup {
		return
	}
	keys[key] = struct{}{}
	r.seq++

	s := r.shardFor(key)
	s.mu.Lock()
	conns, ok := s.keys[key]
	if !ok {
		conns = make(map[string]entry)
		s.keys[key] = conns
	}
	conns[id] = entry{conn: conn, seq: r.seq}
	s.mu.Unlock()
}

// Unregister removes conn from every key it was registered under.
func (r *Registry) Unregister(conn Conn) {
	id := conn.ID()

	r.revMu.Lock()
	defer r.revMu.Unlock()

	for key := range r.rev[id] {
		s := r.shardFor(key)
		s.mu.Lock()
		if conns, ok := s.keys[key]; ok {
			delete(conns, id)
			if len(conns) == 0 {
				delete(s.keys, key)
			}
		}
		s.mu.Unlock()
	}
	delete(r.rev, id)
}

// Get returns a snapshot of the connections under key in registration order.
// Connections may close after the snapshot is taken; callers filter with
// Open or rely on Send being a no-op after close.
func (r *Registry) Get(key string) []Conn {
	s := r.shardFor(key)
	s.mu.Lock()
	conns := s.keys[key]
	entries := make([]entry, 0, len(conns))
	for _, e := range conns {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Conn, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

// Open returns the open connections under key.
func (r *Registry) Open(key string) []Conn {
	all := r.Get(key)
	out := all[:0]
	for _, c := range all {
		if c.Open() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered connections under key.
func (r *Registry) Len(key string) int {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys[key])
}

// Count returns the total number of registered connections and keys.
func (r *Registry) Count() (conns, keys int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		keys += len(s.keys)
		for _, c := range s.keys {
			conns += len(c)
		}
		s.mu.Unlock()
	}
	return conns, keys
}

// Broadcast sends frame to every open connection under key except the one
// with id skipID (empty to skip none) and returns how many accepted it.
func (r *Registry) Broadcast(key string, frame []byte, skipID string) int {
	sent := 0
	for _, c := range r.Get(key) {
		if skipID != "" && c.ID() == skipID {
			continue
		}
		if !c.Open() {
			continue
		}
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}
