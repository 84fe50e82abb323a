// Package storage keeps a local copy of the transcript in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/events"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	thinking        TEXT,
	tool_calls      TEXT,
	special_type    TEXT NOT NULL DEFAULT '',
	special_data    TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

CREATE TABLE IF NOT EXISTS session (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const upsertMessage = `
INSERT INTO messages (id, conversation_id, role, content, thinking, tool_calls,
	special_type, special_data, state, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	conversation_id = excluded.conversation_id,
	role            = excluded.role,
	content         = excluded.content,
	thinking        = excluded.thinking,
	tool_calls      = excluded.tool_calls,
	special_type    = excluded.special_type,
	special_data    = excluded.special_data,
	state           = excluded.state,
	error_message   = excluded.error_message
`

const messageColumns = `id, conversation_id, role, content, thinking, tool_calls,
	special_type, special_data, state, error_message, created_at`

const selectMessages = `SELECT ` + messageColumns + ` FROM messages `

// SessionState is the resume position remembered across restarts
type SessionState struct {
	ConversationID string
	LastDataID     string
}

// Store is a SQLite backed message store
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage inserts msg or updates the stored copy with the same id
func (s *Store) SaveMessage(ctx context.Context, msg chat.Message) error {
	return s.SaveMessages(ctx, []chat.Message{msg})
}

// SaveMessages upserts msgs in one transaction. New messages are stored after
// every existing one; updates keep their position.
func (s *Store) SaveMessages(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertMessages(ctx, tx, msgs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// ReplaceMessages rewrites the stored transcript as msgs, in that order. The
// remembered session is kept.
func (s *Store) ReplaceMessages(ctx context.Context, msgs []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := upsertMessages(ctx, tx, msgs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func upsertMessages(ctx context.Context, tx *sql.Tx, msgs []chat.Message) error {
	stmt, err := tx.PrepareContext(ctx, upsertMessage)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls for %s: %w", msg.ID, err)
		}

		var thinking sql.NullString
		if msg.Thinking != nil {
			thinking = sql.NullString{String: *msg.Thinking, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Text, thinking, toolCalls,
			msg.SpecialType, msg.SpecialData, string(storedState(msg)), msg.ErrorMessage,
			timeToUnix(msg.CreatedAt),
		); err != nil {
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}
	}
	return nil
}

// FetchAllMessages returns every stored message in the order it was first
// saved. Timestamps mix client and server clocks, so they do not order rows.
func (s *Store) FetchAllMessages(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessages+`ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

// FetchRecentMessages returns a page of the most recently stored messages,
// in stored order within the page
func (s *Store) FetchRecentMessages(ctx context.Context, limit, offset int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT rowid AS position, `+messageColumns+` FROM messages ORDER BY rowid DESC LIMIT ? OFFSET ?
		) ORDER BY position ASC`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// DeleteAllMessages wipes the transcript and the remembered session
func (s *Store) DeleteAllMessages(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages; DELETE FROM session;`); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SaveSession remembers the conversation and resume cursor
func (s *Store) SaveSession(ctx context.Context, state SessionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{
		"conversation_id": state.ConversationID,
		"last_data_id":    state.LastDataID,
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("save session %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadSession returns the remembered session; a fresh store yields the zero value
func (s *Store) LoadSession(ctx context.Context) (SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session`)
	if err != nil {
		return SessionState{}, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	var state SessionState
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return SessionState{}, fmt.Errorf("scan session: %w", err)
		}
		switch key {
		case "conversation_id":
			state.ConversationID = value
		case "last_data_id":
			state.LastDataID = value
		}
	}
	return state, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg       chat.Message
			role      string
			state     string
			thinking  sql.NullString
			toolCalls sql.NullString
			createdAt float64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Text, &thinking, &toolCalls,
			&msg.SpecialType, &msg.SpecialData, &state, &msg.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.Role = chat.Role(role)
		msg.State = chat.MessageState(state)
		msg.IsStreaming = msg.State == chat.StateStreaming
		msg.CreatedAt = timeFromUnix(createdAt)
		if thinking.Valid {
			value := thinking.String
			msg.Thinking = &value
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func encodeToolCalls(calls []events.ToolCall) (sql.NullString, error) {
	if len(calls) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// storedState fills in a state for messages built without one
func storedState(msg chat.Message) chat.MessageState {
	if msg.State == "" {
		if msg.IsStreaming {
			return chat.StateStreaming
		}
		return chat.StateFinished
	}
	return msg.State
}

func timeToUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
