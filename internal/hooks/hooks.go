// Package hooks dispatches docchat lifecycle events (sessions, uploads,
// agent turns) to in-process handlers and configured shell commands.
package hooks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
)

const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventDocumentIngested = "document_ingested"
	EventDocumentDeleted  = "document_deleted"
	EventBeforeAgentRun   = "before_agent_run"
	EventAfterAgentRun    = "after_agent_run"
	EventGatewayStart     = "gateway_start"
	EventGatewayStop      = "gateway_stop"
)

// AllEvents lists every event docchat emits.
var AllEvents = []string{
	EventSessionStart,
	EventSessionEnd,
	EventDocumentIngested,
	EventDocumentDeleted,
	EventBeforeAgentRun,
	EventAfterAgentRun,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload is what a handler receives. Gateway events carry no session.
type Payload struct {
	Event     string           `json:"event"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	At        time.Time        `json:"at"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Handler reacts to one event. An error is logged and the remaining
// handlers still run.
type Handler func(ctx context.Context, p Payload) error

type registration struct {
	name string
	fn   Handler
}

// Manager holds the handlers per event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	inflight sync.WaitGroup
	log      *logging.Logger
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]registration),
		log:      log.Sub("hooks"),
	}
}

// On adds a handler under name. Unknown events are accepted but logged,
// since nothing will ever emit them.
func (m *Manager) On(event, name string, fn Handler) {
	if !slices.Contains(AllEvents, event) {
		m.log.Warn().Str("event", event).Str("handler", name).Msg("handler registered for unknown event")
	}
	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], registration{name: name, fn: fn})
	m.mu.Unlock()
}

// Off drops every handler registered under name for event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(r registration) bool {
		return r.name == name
	})
}

// Emit runs the handlers for event one after another, in registration order.
func (m *Manager) Emit(ctx context.Context, event string, id domain.SessionID, data map[string]any) {
	regs := m.registered(event)
	if len(regs) == 0 {
		return
	}
	p := Payload{Event: event, SessionID: id, At: time.Now().UTC(), Data: data}
	for _, r := range regs {
		m.call(ctx, r, p)
	}
}

// EmitAsync starts every handler for event on its own goroutine and returns.
// Handlers are detached from ctx's cancellation; Wait blocks until they end.
func (m *Manager) EmitAsync(ctx context.Context, event string, id domain.SessionID, data map[string]any) {
	regs := m.registered(event)
	if len(regs) == 0 {
		return
	}
	p := Payload{Event: event, SessionID: id, At: time.Now().UTC(), Data: data}
	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(len(regs))
	for _, r := range regs {
		go func() {
			defer m.inflight.Done()
			m.call(ctx, r, p)
		}()
	}
}

// Wait blocks until the handlers started by EmitAsync have returned, or ctx
// is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) registered(event string) []registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

// call runs one handler. A panicking handler is logged like a failing one.
func (m *Manager) call(ctx context.Context, r registration, p Payload) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panicked: %v", rec)
			}
		}()
		return r.fn(ctx, p)
	}()
	if err == nil {
		m.log.Trace().Str("event", p.Event).Str("handler", r.name).Dur("took", time.Since(start)).Msg("hook ran")
		return
	}
	m.log.Warn().
		Err(err).
		Str("event", p.Event).
		Str("session", string(p.SessionID)).
		Str("handler", r.name).
		Dur("took", time.Since(start)).
		Msg("hook failed")
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events that have at least one handler, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []string
	for event, regs := range m.handlers {
		if len(regs) > 0 {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	return events
}
