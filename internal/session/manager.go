// Package session ties the per-session objects together. A Context is built
// when a client connects and torn down when the monitor reports it gone; its
// documents, chunks and chat history never outlive it.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/soyeahso/docchat/internal/agent"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/hooks"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/retrieval"
	"github.com/soyeahso/docchat/internal/vectorstore"
)

var (
	// ErrMissingSession is returned when a context is requested without an id.
	ErrMissingSession = errors.New("session: id is required")
	// ErrEmptyQuery is returned by Ask for blank text.
	ErrEmptyQuery = errors.New("session: query is empty")
)

// Deps are the shared services every session context is built from.
type Deps struct {
	Loader    *loader.Loader
	Store     *vectorstore.Guard
	Retrieval *retrieval.Gateway
	Client    agent.Completer
	History   agent.SessionStore
	Documents DocumentLog
	Hooks     *hooks.Manager
	Runner    agent.RunnerConfig
	Log       *logging.Logger
}

// Manager owns the open session contexts.
type Manager struct {
	deps Deps
	log  *logging.Logger

	mu       sync.Mutex
	contexts map[domain.SessionID]*Context
}

// NewManager creates a Manager. History and Documents default to in-memory
// implementations.
func NewManager(deps Deps) *Manager {
	if deps.History == nil {
		deps.History = agent.NewMemorySessionStore()
	}
	if deps.Documents == nil {
		deps.Documents = NewMemoryDocumentLog()
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewManager(deps.Log)
	}
	return &Manager{
		deps:     deps,
		log:      deps.Log.Sub("session"),
		contexts: make(map[domain.SessionID]*Context),
	}
}

// Open returns the context for id, creating it on first use. A previously
// terminated id gets a fresh context and its store writes are re-enabled.
func (m *Manager) Open(id domain.SessionID) (*Context, error) {
	if id == "" {
		return nil, ErrMissingSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[id]; ok {
		return c, nil
	}

	m.deps.Store.Unseal(id)
	retriever := m.deps.Retrieval.ForSession(id)
	c := &Context{
		ID:        id,
		Retriever: retriever,
		Runner: agent.NewRunner(
			m.deps.Runner,
			m.deps.Client,
			m.deps.History,
			agent.NewToolRegistry(retriever),
			m.deps.Log,
		),
		m: m,
	}
	m.contexts[id] = c
	m.log.Info().Str("session", string(id)).Msg("session opened")
	return c, nil
}

// Get returns the open context for id, or nil.
func (m *Manager) Get(id domain.SessionID) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[id]
}

// List returns the ids of open sessions, sorted.
func (m *Manager) List() []domain.SessionID {
	m.mu.Lock()
	ids := make([]domain.SessionID, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Terminate wipes a session after its client went away: the store is sealed
// and emptied, history and the document log are cleared, and the context is
// dropped. It matches monitor.TerminateFunc.
func (m *Manager) Terminate(ctx context.Context, id domain.SessionID) error {
	return m.teardown(ctx, id, "terminated")
}

// Close is Terminate for an explicit client request.
func (m *Manager) Close(ctx context.Context, id domain.SessionID) error {
	return m.teardown(ctx, id, "closed")
}

// Shutdown closes every open session.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range m.List() {
		errs = append(errs, m.teardown(ctx, id, "shutdown"))
	}
	return errors.Join(errs...)
}

func (m *Manager) teardown(ctx context.Context, id domain.SessionID, reason string) error {
	if id == "" {
		return ErrMissingSession
	}

	m.mu.Lock()
	c := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()

	if c != nil {
		c.closed.Store(true)
	}

	var errs []error
	deleted, err := m.deps.Store.Seal(ctx, id)
	if err != nil {
		errs = append(errs, fmt.Errorf("deleting chunks: %w", err))
	}
	m.deps.History.Clear(id)
	if err := m.deps.Documents.Clear(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("clearing documents: %w", err))
	}

	m.deps.Hooks.EmitAsync(ctx, hooks.EventSessionEnd, id, map[string]any{
		"reason":        reason,
		"chunksDeleted": deleted,
	})
	m.log.Info().
		Str("session", string(id)).
		Str("reason", reason).
		Int("chunksDeleted", deleted).
		Bool("open", c != nil).
		Msg("session ended")
	return errors.Join(errs...)
}
