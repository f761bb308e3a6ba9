package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"chatcore/bridge"
)

// Store records delivered room messages in SQLite so the enclosing service
// can serve history. The pub/sub channel and the job queue stay pure
// transport; this table is the only system of record in the repo.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Store{db: conn, log: log}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			room    TEXT    NOT NULL,
			origin  TEXT    NOT NULL,
			seq     INTEGER NOT NULL,
			payload BLOB    NOT NULL,
			sent_at TEXT    NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create messages: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id)`)
	if err != nil {
		return fmt.Errorf("index messages: %w", err)
	}
	return nil
}

// Record stores one delivered event. Implements bridge.Recorder.
func (s *Store) Record(ctx context.Context, ev bridge.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room, origin, seq, payload, sent_at) VALUES (?, ?, ?, ?, ?)`,
		ev.Room, ev.Origin, ev.Seq, ev.Payload, ev.SentAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Message is one recorded room message.
type Message struct {
	Room    string
	Origin  string
	Seq     uint64
	Payload []byte
	SentAt  time.Time
}

// Recent returns up to limit messages for a room, newest last.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, origin, seq, payload, sent_at
		 FROM (SELECT id, room, origin, seq, payload, sent_at
		       FROM messages WHERE room = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sentAt string
		if err := rows.Scan(&m.Room, &m.Origin, &m.Seq, &m.Payload, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.SentAt, err = time.Parse(time.RFC3339Nano, sentAt); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
