// Package history persists finished conversation transcripts in a local
// SQLite database.
//
// The session core never touches storage; the CLI owns a [Store] and appends
// each finalised turn as it arrives. Conversations are identified by UUID and
// ordered by start time, so "show me my recent conversations" is one indexed
// query away.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parleyio/parley/internal/transcript"
	_ "modernc.org/sqlite"
)

// Conversation is one saved conversation's metadata.
type Conversation struct {
	ID        string
	Provider  string
	StartedAt time.Time

	// Turns is the number of saved turns. Filled by [Store.Recent].
	Turns int
}

// Store wraps a SQLite-backed transcript archive.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates or opens the transcript database at path. Parent directories
// are created as needed.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    provider TEXT,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    completed_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginConversation records the start of a new conversation and returns its ID.
func (s *Store) BeginConversation(ctx context.Context, provider string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(conversation_id, provider, started_at) VALUES(?, ?, ?)`,
		id, provider, s.clock().UTC())
	if err != nil {
		return "", fmt.Errorf("history: begin conversation: %w", err)
	}
	return id, nil
}

// AppendTurn writes one finished turn into the store.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn transcript.Turn) error {
	at := turn.At
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(conversation_id, role, text, completed_at) VALUES(?, ?, ?, ?)`,
		conversationID, string(turn.Role), turn.Text, at.UTC())
	if err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}
	return nil
}

// Turns retrieves a conversation's turns in completion order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]transcript.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, completed_at FROM turns WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("history: list turns: %w", err)
	}
	defer rows.Close()

	var turns []transcript.Turn
	for rows.Next() {
		var t transcript.Turn
		var role, completed string
		if err := rows.Scan(&role, &t.Text, &completed); err != nil {
			return nil, err
		}
		t.Role = transcript.Role(role)
		if ts, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			t.At = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Recent retrieves up to limit conversations ordered newest first, each with
// its saved turn count.
func (s *Store) Recent(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.conversation_id, c.provider, c.started_at, COUNT(t.id)
		 FROM conversations c
		 LEFT JOIN turns t ON t.conversation_id = c.conversation_id
		 GROUP BY c.conversation_id
		 ORDER BY c.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var started string
		if err := rows.Scan(&c.ID, &c.Provider, &started, &c.Turns); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			c.StartedAt = ts
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Prune deletes conversations that started before now minus retention,
// together with their turns. A retention of zero keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-retention).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id IN
		 (SELECT conversation_id FROM conversations WHERE started_at < ?)`, cutoff); err != nil {
		return fmt.Errorf("history: prune turns: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE started_at < ?`, cutoff); err != nil {
		return fmt.Errorf("history: prune conversations: %w", err)
	}
	err = tx.Commit()
	return err
}
