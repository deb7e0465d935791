package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
)

// SessionStore keeps the conversation history of each session.
type SessionStore interface {
	// GetOrCreate returns the session with id, creating it if needed.
	GetOrCreate(id domain.SessionID) *domain.Session

	// Get returns a session by ID, or nil if not found.
	Get(id domain.SessionID) *domain.Session

	// Append adds a message to a session, creating it if needed.
	Append(id domain.SessionID, msg domain.Message)

	// History returns the newest limit messages as LLM messages, oldest
	// first. limit <= 0 returns everything.
	History(id domain.SessionID, limit int) []llm.Message

	// Clear drops the session and its history.
	Clear(id domain.SessionID)

	// List returns all session IDs.
	List() []domain.SessionID
}

// MemorySessionStore is an in-memory SessionStore implementation.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[domain.SessionID]*domain.Session)}
}

func (s *MemorySessionStore) GetOrCreate(id domain.SessionID) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *MemorySessionStore) getOrCreateLocked(id domain.SessionID) *domain.Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := time.Now()
	sess := &domain.Session{ID: id, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess
}

func (s *MemorySessionStore) Get(id domain.SessionID) *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *MemorySessionStore) Append(id domain.SessionID, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess := s.getOrCreateLocked(id)
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now()
}

func (s *MemorySessionStore) History(id domain.SessionID, limit int) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}

	src := sess.Messages
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	msgs := make([]llm.Message, 0, len(src))
	for _, m := range src {
		msgs = append(msgs, llm.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return msgs
}

func (s *MemorySessionStore) Clear(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *MemorySessionStore) List() []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
