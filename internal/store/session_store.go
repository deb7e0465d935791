package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
)

// SQLiteSessionStore implements agent.SessionStore backed by SQLite.
type SQLiteSessionStore struct {
	db *DB
}

// NewSQLiteSessionStore creates a session store using the given database.
func NewSQLiteSessionStore(db *DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

// GetOrCreate returns the session with id, creating it if needed.
func (s *SQLiteSessionStore) GetOrCreate(id domain.SessionID) *domain.Session {
	now := time.Now().UTC().Format(time.DateTime)
	if _, err := s.db.sql.Exec(
		`INSERT OR IGNORE INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`,
		string(id), now, now,
	); err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to create session")
	}
	if sess := s.Get(id); sess != nil {
		return sess
	}
	return &domain.Session{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now()}
}

// Get returns a session by ID, or nil if not found.
func (s *SQLiteSessionStore) Get(id domain.SessionID) *domain.Session {
	var createdAt, updatedAt string
	err := s.db.sql.QueryRow(
		`SELECT created_at, updated_at FROM sessions WHERE id = ?`, string(id),
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil
	}

	sess := &domain.Session{ID: id}
	sess.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	sess.Messages = s.loadMessages(id)
	return sess
}

// Append adds a message to a session, creating the session if needed.
func (s *SQLiteSessionStore) Append(id domain.SessionID, msg domain.Message) {
	var toolCallsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			toolCallsJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	now := time.Now().UTC().Format(time.DateTime)

	tx, err := s.db.sql.Begin()
	if err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to append message")
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		string(id), now, now,
	); err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to touch session")
		return
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, timestamp, tool_calls)
		 VALUES (?, ?, ?, ?, ?)`,
		string(id), msg.Role, msg.Content, ts.UTC().Format(time.DateTime), toolCallsJSON,
	); err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to append message")
		return
	}
	if err := tx.Commit(); err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to append message")
	}
}

// History returns the last limit messages of a session as LLM messages,
// oldest first. limit <= 0 returns everything.
func (s *SQLiteSessionStore) History(id domain.SessionID, limit int) []llm.Message {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.sql.Query(
		`SELECT role, content FROM (
			SELECT id, role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		string(id), limit,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Clear drops the session and its messages.
func (s *SQLiteSessionStore) Clear(id domain.SessionID) {
	if _, err := s.db.sql.Exec(`DELETE FROM sessions WHERE id = ?`, string(id)); err != nil {
		s.db.log.Error().Err(err).Str("session", string(id)).Msg("failed to clear session")
	}
}

// List returns all session IDs, most recently active first.
func (s *SQLiteSessionStore) List() []domain.SessionID {
	rows, err := s.db.sql.Query(`SELECT id FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []domain.SessionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, domain.SessionID(id))
	}
	return ids
}

// loadMessages loads all messages for a session.
func (s *SQLiteSessionStore) loadMessages(id domain.SessionID) []domain.Message {
	rows, err := s.db.sql.Query(
		`SELECT role, content, timestamp, tool_calls
		 FROM messages WHERE session_id = ? ORDER BY id`, string(id),
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts string
		var toolCallsJSON sql.NullString

		if err := rows.Scan(&msg.Role, &msg.Content, &ts, &toolCallsJSON); err != nil {
			continue
		}
		msg.Timestamp, _ = time.Parse(time.DateTime, ts)

		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
