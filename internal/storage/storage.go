// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the durable SQLite store for chat state and
// message history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInconsistent reports a write that affected an unexpected number of
	// rows. The durable store and the in-memory model have diverged in a way
	// that cannot be repaired locally; callers treat this as fatal.
	ErrInconsistent = errors.New("storage inconsistent: write affected unexpected row count")
)

// =============================================================================
// TYPES
// =============================================================================

// ChatState is one chat's settings row. A default row is created on first
// sight of a chat.
type ChatState struct {
	ChatID       int64
	Authorized   bool
	APIKey       string
	Model        string
	SystemPrompt string
	DisplayName  string
}

// StoredMessage is one persisted history message.
type StoredMessage struct {
	Role   string
	Text   string
	Tokens int
}

// =============================================================================
// STORE
// =============================================================================

// Store wraps the shared SQLite handle. SQLite supports one writer at a
// time, so the pool is pinned to a single connection; multi-row writes go
// through transactions so a user/assistant pair is stored atomically or not
// at all.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id       INTEGER PRIMARY KEY,
	is_authorized INTEGER NOT NULL DEFAULT 0,
	api_key       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	display_name  TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id     INTEGER NOT NULL REFERENCES chats(chat_id),
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
`

// Open opens (creating if necessary) the database at path and prepares the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; serialize all access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CHAT STATE
// =============================================================================

// LoadChatState returns the settings row for a chat, creating an
// unauthorized default row the first time the chat is seen.
func (s *Store) LoadChatState(ctx context.Context, chatID int64) (ChatState, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (chat_id) VALUES (?)`, chatID); err != nil {
		return ChatState{}, fmt.Errorf("failed to ensure chat row: %w", err)
	}

	var (
		st         ChatState
		authorized int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, is_authorized, api_key, model, system_prompt, display_name
		 FROM chats WHERE chat_id = ?`, chatID).
		Scan(&st.ChatID, &authorized, &st.APIKey, &st.Model, &st.SystemPrompt, &st.DisplayName)
	if err != nil {
		return ChatState{}, fmt.Errorf("failed to load chat state: %w", err)
	}
	st.Authorized = authorized != 0

	return st, nil
}

// ListChats returns every known chat's settings row, oldest first.
func (s *Store) ListChats(ctx context.Context) ([]ChatState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, is_authorized, api_key, model, system_prompt, display_name
		 FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var out []ChatState
	for rows.Next() {
		var (
			st         ChatState
			authorized int
		)
		if err := rows.Scan(&st.ChatID, &authorized, &st.APIKey, &st.Model, &st.SystemPrompt, &st.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		st.Authorized = authorized != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// HISTORY
// =============================================================================

// LoadHistory returns a chat's stored messages, oldest first, bounded to the
// token budget by scanning newest-first and reversing.
//
// Two recovery rules keep a malformed history from crashing the relay: the
// budget cut is moved back onto a turn boundary (a leading assistant message
// with no user message is trimmed), and a trailing user message that never
// got its assistant reply is dropped with a logged warning.
func (s *Store) LoadHistory(ctx context.Context, chatID int64, budget int) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, token_count FROM messages
		 WHERE chat_id = ? ORDER BY id DESC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var newestFirst []StoredMessage
	total := 0
	for rows.Next() {
		var msg StoredMessage
		if err := rows.Scan(&msg.Role, &msg.Text, &msg.Tokens); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if total+msg.Tokens > budget {
			break
		}
		total += msg.Tokens
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	// Reverse into chronological order.
	msgs := make([]StoredMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msgs = append(msgs, newestFirst[i])
	}

	// The budget cut may have landed between an assistant reply and its user
	// message; drop the orphaned assistant half.
	if len(msgs) > 0 && msgs[0].Role == "assistant" {
		msgs = msgs[1:]
	}

	if len(msgs) > 0 && msgs[len(msgs)-1].Role == "user" {
		log.Printf("WARN chat %d: dropping trailing user message with no assistant reply", chatID)
		msgs = msgs[:len(msgs)-1]
	}

	return msgs, nil
}

// AppendMessages stores messages for a chat in a single transaction: either
// all of them become durable or none do, preserving the user/assistant
// pairing invariant on reload.
func (s *Store) AppendMessages(ctx context.Context, chatID int64, msgs ...StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (chat_id) VALUES (?)`, chatID); err != nil {
		return fmt.Errorf("failed to ensure chat row: %w", err)
	}

	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (chat_id, role, content, token_count) VALUES (?, ?, ?, ?)`,
			chatID, msg.Role, msg.Text, msg.Tokens); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// =============================================================================
// SETTERS
// =============================================================================

// SetAuthorized updates a chat's authorization flag.
func (s *Store) SetAuthorized(ctx context.Context, chatID int64, authorized bool) error {
	v := 0
	if authorized {
		v = 1
	}
	return s.setField(ctx, chatID, "is_authorized", v)
}

// SetAPIKey updates a chat's provider credential.
func (s *Store) SetAPIKey(ctx context.Context, chatID int64, key string) error {
	return s.setField(ctx, chatID, "api_key", key)
}

// SetModel updates a chat's model selection.
func (s *Store) SetModel(ctx context.Context, chatID int64, mdl string) error {
	return s.setField(ctx, chatID, "model", mdl)
}

// SetSystemPrompt updates a chat's system prompt.
func (s *Store) SetSystemPrompt(ctx context.Context, chatID int64, prompt string) error {
	return s.setField(ctx, chatID, "system_prompt", prompt)
}

// SetDisplayName updates a chat's display name.
func (s *Store) SetDisplayName(ctx context.Context, chatID int64, name string) error {
	return s.setField(ctx, chatID, "display_name", name)
}

// setField writes one settings column for one chat. Exactly one row must be
// affected; anything else means the store and the in-memory model have
// diverged, which is ErrInconsistent and fatal for the process.
func (s *Store) setField(ctx context.Context, chatID int64, column string, value any) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (chat_id) VALUES (?)`, chatID); err != nil {
		return fmt.Errorf("failed to ensure chat row: %w", err)
	}

	// Column names come from the fixed setter list above, never from input.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chats SET %s = ? WHERE chat_id = ?`, column), value, chatID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: updating %s for chat %d touched %d rows", ErrInconsistent, column, chatID, affected)
	}
	return nil
}
