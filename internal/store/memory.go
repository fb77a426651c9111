package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRoom struct {
	mu       sync.Mutex
	room     Room
	messages []Message
}

// Memory is an in-process Store. The room map lock is held only to find or
// insert a room; each room's log has its own lock.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom
	users map[string]map[string]struct{} // user id -> room ids

	now    func() time.Time
	newKey func() ([]byte, error)
}

func NewMemory() *Memory {
	return &Memory{
		rooms:  make(map[string]*memRoom),
		users:  make(map[string]map[string]struct{}),
		now:    time.Now,
		newKey: NewRoomKey,
	}
}

func (m *Memory) room(roomID string) (*memRoom, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

func (m *Memory) FindRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	r, ok := m.room(roomID)
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRoom(r.room), nil
}

func (m *Memory) CreateRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if err := validRoomID(roomID); err != nil {
		return Room{}, err
	}
	r, err := m.createRoom(roomID)
	if err != nil {
		return Room{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRoom(r.room), nil
}

func (m *Memory) createRoom(roomID string) (*memRoom, error) {
	if r, ok := m.room(roomID); ok {
		return r, nil
	}
	key, err := m.newKey()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		return r, nil
	}
	r := &memRoom{room: Room{ID: roomID, Key: key, CreatedAt: m.now().UTC()}}
	m.rooms[roomID] = r
	return r, nil
}

func (m *Memory) AppendMessage(ctx context.Context, roomID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := m.room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	msg = normalizeMessage(msg, m.now())

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

func (m *Memory) MarkRead(ctx context.Context, roomID string, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, ok := m.room(roomID)
	if !ok {
		return 0, ErrRoomNotFound
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.messages {
		if _, ok := want[r.messages[i].ID]; ok && !r.messages[i].Read {
			r.messages[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) PruneOlderThan(ctx context.Context, roomID string, cutoff time.Time) ([]Message, error) {
	all, err := m.Messages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, msg := range all {
		if !msg.CreatedAt.Before(cutoff) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) Messages(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := m.room(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out, nil
}

func (m *Memory) LinkRoom(ctx context.Context, roomID string, members ...string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if err := validRoomID(roomID); err != nil {
		return Room{}, err
	}
	members = dedupeMembers(members)

	r, err := m.createRoom(roomID)
	if err != nil {
		return Room{}, err
	}

	m.mu.Lock()
	for _, u := range members {
		rooms, ok := m.users[u]
		if !ok {
			rooms = make(map[string]struct{})
			m.users[u] = rooms
		}
		rooms[roomID] = struct{}{}
	}
	m.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.room.Members = dedupeMembers(append(r.room.Members, members...))
	return cloneRoom(r.room), nil
}

func (m *Memory) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	room, err := m.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

func (m *Memory) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users[userID]))
	for id := range m.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	rooms := make([]*memRoom, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	purged := 0
	for _, r := range rooms {
		r.mu.Lock()
		kept := r.messages[:0]
		for _, msg := range r.messages {
			if msg.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, msg)
		}
		r.messages = kept
		r.mu.Unlock()
	}
	return purged, nil
}

func (m *Memory) Close() error { return nil }

func cloneRoom(r Room) Room {
	r.Key = append([]byte(nil), r.Key...)
	r.Members = append([]string(nil), r.Members...)
	return r
}
