package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	room_key   BLOB NOT NULL,
	sealed     INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS room_members_user ON room_members(user_id);
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	sender     TEXT NOT NULL,
	data       TEXT NOT NULL,
	iv         TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room_created ON messages(room_id, created_at);
CREATE INDEX IF NOT EXISTS messages_unread ON messages(room_id, read);
`

// SQLite is a Store backed by a SQLite file (pure Go driver, no cgo).
type SQLite struct {
	db     *sql.DB
	path   string
	sealer *KeySealer

	now    func() time.Time
	newKey func() ([]byte, error)
}

type SQLiteOption func(*SQLite)

// WithKeySealer seals room keys before they are written.
func WithKeySealer(s *KeySealer) SQLiteOption {
	return func(db *SQLite) { db.sealer = s }
}

func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLite{db: db, path: path, now: time.Now, newKey: NewRoomKey}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) FindRoom(ctx context.Context, roomID string) (Room, error) {
	var (
		rawKey  []byte
		sealed  bool
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room_key, sealed, created_at FROM rooms WHERE id = ?`, roomID,
	).Scan(&rawKey, &sealed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("find room %q: %w", roomID, err)
	}

	key, err := s.openKey(roomID, rawKey, sealed)
	if err != nil {
		return Room{}, err
	}
	members, err := s.RoomMembers(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	return Room{
		ID:        roomID,
		Key:       key,
		Members:   members,
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}

func (s *SQLite) openKey(roomID string, raw []byte, sealed bool) ([]byte, error) {
	if !sealed {
		return raw, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("room %q: %w: no seal secret configured", roomID, ErrKeyUnseal)
	}
	key, err := s.sealer.Open(roomID, raw)
	if err != nil {
		return nil, fmt.Errorf("room %q: %w", roomID, err)
	}
	return key, nil
}

func (s *SQLite) CreateRoom(ctx context.Context, roomID string) (Room, error) {
	if err := validRoomID(roomID); err != nil {
		return Room{}, err
	}
	if err := s.insertRoom(ctx, s.db, roomID); err != nil {
		return Room{}, err
	}
	return s.FindRoom(ctx, roomID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRoom is a no-op when the room exists, so the first writer's key wins.
func (s *SQLite) insertRoom(ctx context.Context, db execer, roomID string) error {
	key, err := s.newKey()
	if err != nil {
		return err
	}
	stored, sealed := key, false
	if s.sealer != nil {
		if stored, err = s.sealer.Seal(roomID, key); err != nil {
			return err
		}
		sealed = true
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO rooms (id, room_key, sealed, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		roomID, stored, sealed, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create room %q: %w", roomID, err)
	}
	return nil
}

func (s *SQLite) AppendMessage(ctx context.Context, roomID string, msg Message) error {
	msg = normalizeMessage(msg, s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender, data, iv, read, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM rooms WHERE id = ?)`,
		msg.ID, roomID, msg.Sender, rawOrNull(msg.Data), rawOrNull(msg.IV), msg.Read, msg.CreatedAt.UnixMilli(), roomID,
	)
	if err != nil {
		return fmt.Errorf("append message to %q: %w", roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append message to %q: %w", roomID, err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *SQLite) roomExists(ctx context.Context, roomID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup room %q: %w", roomID, err)
	}
	return nil
}

func (s *SQLite) MarkRead(ctx context.Context, roomID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark read in %q: %w", roomID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET read = 1 WHERE room_id = ? AND id = ? AND read = 0`)
	if err != nil {
		return 0, fmt.Errorf("mark read in %q: %w", roomID, err)
	}
	defer stmt.Close()

	total := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, roomID, id)
		if err != nil {
			return 0, fmt.Errorf("mark %q read in %q: %w", id, roomID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark read in %q: %w", roomID, err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark read in %q: %w", roomID, err)
	}
	return total, nil
}

func (s *SQLite) PruneOlderThan(ctx context.Context, roomID string, cutoff time.Time) ([]Message, error) {
	return s.queryMessages(ctx, roomID,
		`SELECT id, sender, data, iv, read, created_at FROM messages
		 WHERE room_id = ? AND created_at >= ? ORDER BY seq`,
		roomID, cutoff.UTC().UnixMilli(),
	)
}

func (s *SQLite) Messages(ctx context.Context, roomID string) ([]Message, error) {
	return s.queryMessages(ctx, roomID,
		`SELECT id, sender, data, iv, read, created_at FROM messages WHERE room_id = ? ORDER BY seq`,
		roomID,
	)
}

func (s *SQLite) queryMessages(ctx context.Context, roomID, query string, args ...any) ([]Message, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages in %q: %w", roomID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			data, iv string
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.Sender, &data, &iv, &m.Read, &created); err != nil {
			return nil, fmt.Errorf("scan message in %q: %w", roomID, err)
		}
		m.Data = []byte(data)
		m.IV = []byte(iv)
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages in %q: %w", roomID, err)
	}
	return out, nil
}

func (s *SQLite) LinkRoom(ctx context.Context, roomID string, members ...string) (Room, error) {
	if err := validRoomID(roomID); err != nil {
		return Room{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("link room %q: %w", roomID, err)
	}
	defer tx.Rollback()

	if err := s.insertRoom(ctx, tx, roomID); err != nil {
		return Room{}, err
	}
	for _, u := range dedupeMembers(members) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			roomID, u,
		); err != nil {
			return Room{}, fmt.Errorf("link %q to room %q: %w", u, roomID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("link room %q: %w", roomID, err)
	}
	return s.FindRoom(ctx, roomID)
}

func (s *SQLite) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY rowid`, roomID)
}

func (s *SQLite) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT room_id FROM room_members WHERE user_id = ? ORDER BY room_id`, userID)
}

func (s *SQLite) queryStrings(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return int(n), nil
}

func rawOrNull(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
