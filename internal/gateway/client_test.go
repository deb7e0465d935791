package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// socketPair returns the server and client ends of a live websocket.
func socketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		ch <- conn
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade timed out")
	}
	return server, client
}

func TestNewClientGetsFreshSession(t *testing.T) {
	a := newClient(nil, ClientInfo{ID: "web"}, "token")
	b := newClient(nil, ClientInfo{ID: "web"}, "token")

	assert.NotEmpty(t, a.Session)
	assert.NotEqual(t, a.Session, b.Session)
	assert.Equal(t, "token", a.AuthMethod)
	assert.WithinDuration(t, time.Now(), a.ConnectedAt, time.Second)
}

func TestConnections(t *testing.T) {
	reg := newConnections(testLog())
	assert.Equal(t, 0, reg.len())
	assert.Nil(t, reg.lookup("s1"))
	assert.Nil(t, reg.remove("s1"))

	c1 := &Client{Session: "s1", Info: ClientInfo{ID: "web"}}
	reg.add(c1)
	reg.add(&Client{Session: "s2"})
	assert.Equal(t, 2, reg.len())
	assert.Same(t, c1, reg.lookup("s1"))

	assert.Same(t, c1, reg.remove("s1"))
	assert.Nil(t, reg.lookup("s1"))
	assert.Equal(t, 1, reg.len())
}

func TestConnectionsCloseAll(t *testing.T) {
	reg := newConnections(testLog())
	reg.add(&Client{Session: "s1"})
	reg.add(&Client{Session: "s2", closed: true})

	ids := reg.closeAll("bye")
	assert.ElementsMatch(t, []domain.SessionID{"s1", "s2"}, ids)
	assert.Equal(t, 0, reg.len())
	assert.Empty(t, reg.closeAll("bye"))
}

func TestClientSendAfterClose(t *testing.T) {
	c := &Client{Session: "s1"}
	require.NoError(t, c.Close("bye"))
	require.NoError(t, c.Close("bye"))
	assert.ErrorIs(t, c.Send(Frame{Type: FrameTypeEvent}), ErrClientClosed)
	assert.ErrorIs(t, c.Event(EventShutdown, nil, 1), ErrClientClosed)
}

func TestClientEventAndClose(t *testing.T) {
	server, peer := socketPair(t)
	c := newClient(server, ClientInfo{ID: "web"}, "none")

	require.NoError(t, c.Event(EventChatDelta, map[string]string{"delta": "hi"}, 3))
	var f Frame
	require.NoError(t, peer.ReadJSON(&f))
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, EventChatDelta, f.Event)
	assert.JSONEq(t, `{"delta":"hi"}`, string(f.Payload))

	require.NoError(t, c.Close("server stopping"))
	_, _, err := peer.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "server stopping", ce.Text)
}

func TestClientReadFrame(t *testing.T) {
	server, peer := socketPair(t)
	c := newClient(server, ClientInfo{}, "none")

	req, err := NewRequest("7", "session.info", nil)
	require.NoError(t, err)
	require.NoError(t, peer.WriteJSON(req))

	f, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeRequest, f.Type)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, "session.info", f.Method)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("{not json")))
	_, err = c.ReadFrame()
	assert.Error(t, err)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		host string
		want string
	}{
		{"loopback", 8420, "", "127.0.0.1:8420"},
		{"lan", 9999, "", "0.0.0.0:9999"},
		{"auto", 8080, "", "0.0.0.0:8080"},
		{"custom", 3000, "", "0.0.0.0:3000"},
		{"custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"", 5000, "", "127.0.0.1:5000"},
	}
	for _, tt := range tests {
		cfg := config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host}
		assert.Equal(t, tt.want, resolveBindAddr(cfg), "%s/%s", tt.bind, tt.host)
	}
}
