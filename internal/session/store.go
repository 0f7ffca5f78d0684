// Package session persists sessions and their message history in sqlite
// and runs the agentic loop over them.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/link-assistant/agent/internal/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    cwd TEXT,
    parent_id TEXT REFERENCES sessions(id),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    user_turns INTEGER DEFAULT 0,
    llm_turns INTEGER DEFAULT 0,
    tool_calls INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_sequence ON messages(session_id, sequence);
`

// Session is one stored conversation. Provider and model are frozen at
// creation and never change for the session's lifetime.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CWD          string    `json:"cwd,omitempty"`
	ParentID     string    `json:"parentID,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	UserTurns    int       `json:"userTurns"`
	LLMTurns     int       `json:"llmTurns"`
	ToolCalls    int       `json:"toolCalls"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
}

// Store is the sqlite-backed session store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the sessions database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sessions database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NewID returns a fresh session id.
func NewID() string { return "ses_" + uuid.NewString() }

// Create inserts a new session, assigning id and timestamps when unset.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, provider, model, cwd, parent_id, created_at, updated_at,
		                      user_turns, llm_turns, tool_calls, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Provider, sess.Model, sess.CWD, nullString(sess.ParentID),
		sess.CreatedAt, sess.UpdatedAt,
		sess.UserTurns, sess.LLMTurns, sess.ToolCalls, sess.InputTokens, sess.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns a session by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, cwd, parent_id, created_at, updated_at,
		       user_turns, llm_turns, tool_calls, input_tokens, output_tokens
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// MostRecent returns the newest session, or nil when the store is empty.
func (s *Store) MostRecent(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, cwd, parent_id, created_at, updated_at,
		       user_turns, llm_turns, tool_calls, input_tokens, output_tokens
		FROM sessions ORDER BY updated_at DESC LIMIT 1`)
	return scanSession(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var parentID sql.NullString
	err := row.Scan(&sess.ID, &sess.Title, &sess.Provider, &sess.Model, &sess.CWD, &parentID,
		&sess.CreatedAt, &sess.UpdatedAt,
		&sess.UserTurns, &sess.LLMTurns, &sess.ToolCalls, &sess.InputTokens, &sess.OutputTokens)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if parentID.Valid {
		sess.ParentID = parentID.String
	}
	return &sess, nil
}

// SetTitle stores a session title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now(), id)
	return err
}

// AddMetrics accumulates per-step counters onto a session.
func (s *Store) AddMetrics(ctx context.Context, id string, llmTurns, toolCalls int, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
		       llm_turns = llm_turns + ?,
		       tool_calls = tool_calls + ?,
		       input_tokens = input_tokens + ?,
		       output_tokens = output_tokens + ?,
		       updated_at = ?
		WHERE id = ?`,
		llmTurns, toolCalls, inputTokens, outputTokens, time.Now(), id)
	return err
}

// IncrementUserTurns bumps the user turn count.
func (s *Store) IncrementUserTurns(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user_turns = user_turns + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// AddMessage appends a message, allocating the next sequence atomically.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("serialize parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, parts, created_at, sequence)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(msg.Role), string(parts), time.Now(), seq); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), sessionID); err != nil {
		return fmt.Errorf("update session timestamp: %w", err)
	}
	return tx.Commit()
}

// Messages returns a session's history in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts FROM messages
		WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var id int64
		var role, parts string
		if err := rows.Scan(&id, &role, &parts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := llm.Message{ID: fmt.Sprintf("msg_%d", id), Role: llm.Role(role)}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Fork copies a session's history under a new id; the original stays
// untouched and is recorded as the parent.
func (s *Store) Fork(ctx context.Context, parentID string) (*Session, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("session not found: %s", parentID)
	}

	child := &Session{
		Title:    parent.Title,
		Provider: parent.Provider,
		Model:    parent.Model,
		CWD:      parent.CWD,
		ParentID: parent.ID,
	}
	if err := s.Create(ctx, child); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, parts, created_at, sequence)
		SELECT ?, role, parts, created_at, sequence FROM messages
		WHERE session_id = ? ORDER BY sequence ASC`,
		child.ID, parent.ID); err != nil {
		return nil, fmt.Errorf("copy history: %w", err)
	}
	return child, nil
}

// List returns session summaries newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, provider, model, cwd, parent_id, created_at, updated_at,
		       user_turns, llm_turns, tool_calls, input_tokens, output_tokens
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
