package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
)

// Client is an authenticated WebSocket connection and the session it owns.
// Each connection gets a fresh session id; reconnecting starts over.
type Client struct {
	Session     domain.SessionID
	Info        ClientInfo
	AuthMethod  string
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, info ClientInfo, authMethod string) *Client {
	return &Client{
		Session:     domain.SessionID(uuid.NewString()),
		Info:        info,
		AuthMethod:  authMethod,
		Socket:      conn,
		ConnectedAt: time.Now(),
	}
}

// Send writes one frame. Safe for concurrent use; streamed deltas and the
// final response share the socket.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.Socket.WriteJSON(frame)
}

// Event pushes a named event.
func (c *Client) Event(name string, payload any, seq int64) error {
	f, err := NewEvent(name, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) RespondError(reqID string, shape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, shape))
}

// ReadFrame blocks for the next frame.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close sends a close frame carrying reason, when non-empty, and closes the
// socket. Repeated calls are no-ops.
func (c *Client) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.Socket == nil {
		return nil
	}
	if reason != "" {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		c.Socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return c.Socket.Close()
}

// connections tracks the live clients by session. The session monitor treats
// a session as alive exactly while its client is registered here.
type connections struct {
	mu      sync.RWMutex
	clients map[domain.SessionID]*Client
	log     *logging.Logger
}

func newConnections(log *logging.Logger) *connections {
	return &connections{
		clients: make(map[domain.SessionID]*Client),
		log:     log,
	}
}

func (r *connections) add(c *Client) {
	r.mu.Lock()
	r.clients[c.Session] = c
	r.mu.Unlock()
	r.log.Info().
		Str("session", string(c.Session)).
		Str("client", c.Info.ID).
		Msg("client connected")
}

// remove unregisters a session's client and returns it, or nil.
func (r *connections) remove(id domain.SessionID) *Client {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.log.Info().
		Str("session", string(id)).
		Dur("connected", time.Since(c.ConnectedAt)).
		Msg("client disconnected")
	return c
}

func (r *connections) lookup(id domain.SessionID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

func (r *connections) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// broadcast pushes an event to every client. Send failures are logged.
func (r *connections) broadcast(event string, payload any, seq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if err := c.Event(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("session", string(id)).Msg("broadcast send failed")
		}
	}
}

// closeAll disconnects and unregisters every client, returning the sessions
// that were connected.
func (r *connections) closeAll(reason string) []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.SessionID, 0, len(r.clients))
	for id, c := range r.clients {
		c.Close(reason)
		delete(r.clients, id)
		ids = append(ids, id)
	}
	return ids
}
