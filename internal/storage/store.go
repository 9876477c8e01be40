package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle and exposes the history and dedup helpers
// used by the server.
type Store struct {
	db *sql.DB
}

// Message is a persisted chat envelope plus its store-assigned id. The id is
// monotonic per database and is what history pagination cursors refer to.
type Message struct {
	ID        int64
	ChatID    string
	SenderID  string
	Type      string
	Content   string
	MD5Hash   string
	CreatedAt time.Time
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatrelay.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			md5_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			md5_hash TEXT PRIMARY KEY,
			link TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertMessage appends a message to the room's history and returns its id.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(chat_id, sender_id, type, content, md5_hash, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.SenderID, m.Type, m.Content, m.MD5Hash, createdAt.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// History returns up to limit messages for a room, oldest-first. A non-zero
// beforeID restricts the page to entries older than that cursor, which is how
// clients paginate backwards through history.
func (s *Store) History(ctx context.Context, chatID string, beforeID int64, limit int) ([]Message, error) {
	query := `SELECT id, chat_id, sender_id, type, content, md5_hash, created_at
		FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &m.MD5Hash, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The query walks newest-first so LIMIT keeps the most recent entries;
	// flip the page back to oldest-first for callers.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages reports how many history entries a room currently has.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE chat_id = ?`, chatID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// OldestMessage fetches the room's lowest-id entry, or nil when the room has none.
func (s *Store) OldestMessage(ctx context.Context, chatID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, sender_id, type, content, md5_hash, created_at
		 FROM messages WHERE chat_id = ? ORDER BY id ASC LIMIT 1`, chatID)
	var m Message
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &m.MD5Hash, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a single history entry by id.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ExpiredMessages lists every entry created before the cutoff, across all rooms.
func (s *Store) ExpiredMessages(ctx context.Context, cutoff time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, type, content, md5_hash, created_at
		 FROM messages WHERE created_at < ? ORDER BY id ASC`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &m.MD5Hash, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LookupArtifact resolves a content hash to a previously stored artifact link.
// An empty string means the hash is unknown.
func (s *Store) LookupArtifact(ctx context.Context, md5Hash string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT link FROM artifacts WHERE md5_hash = ?`, md5Hash)
	var link string
	if err := row.Scan(&link); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return link, nil
}

// SaveArtifact records a content-hash -> link mapping. The first writer wins;
// a hash is only ever associated with one stored artifact.
func (s *Store) SaveArtifact(ctx context.Context, md5Hash, link string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO artifacts(md5_hash, link) VALUES(?, ?)`, md5Hash, link)
	return err
}

// DeleteArtifactByLink drops dedup records pointing at a link whose backing
// file is gone, so later uploads do not short-circuit to a dead URL.
func (s *Store) DeleteArtifactByLink(ctx context.Context, link string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE link = ?`, link)
	return err
}
