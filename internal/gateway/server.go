package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/hooks"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/monitor"
	"github.com/soyeahso/docchat/internal/session"
	"github.com/soyeahso/docchat/internal/version"
	"gopkg.in/yaml.v3"
)

const (
	// frameOverhead is headroom over the upload limit for a base64 upload frame.
	frameOverhead     = 64 * 1024
	defaultMaxPayload = 4 * 1024 * 1024
)

// Server is the docchat gateway HTTP + WebSocket server. Every WebSocket
// connection is one session: it is opened after the handshake and wiped by
// the monitor once the connection is gone.
type Server struct {
	cfg      config.Config
	auth     *authGate
	log      *logging.Logger
	clients  *connections
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	sessions *session.Manager
	monitor  *monitor.Monitor
	hooks    *hooks.Manager

	configRaw map[string]any

	// ctx is the root context of request handling; Start replaces it.
	ctx context.Context

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a gateway server serving the sessions of mgr.
func New(cfg config.Config, mgr *session.Manager, log *logging.Logger, opts ...ServerOption) *Server {
	allowedOrigins := cfg.Gateway.ControlUI.AllowedOrigins
	s := &Server{
		cfg:      cfg,
		auth:     newAuthGate(ResolveAuth(cfg.Gateway.Auth), authRateWindow),
		log:      log.Sub("gateway"),
		clients:  newConnections(log.Sub("clients")),
		handlers: make(map[string]RequestHandler),
		version:  version.Version,
		sessions: mgr,
		ctx:      context.Background(),
		upgrader: websocket.Upgrader{
			// a handshake timeout also clears the http.Server write deadline
			// on the hijacked connection
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      checkWebSocketOrigin(allowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hooks.NewManager(log)
	}
	s.configRaw = renderConfig(cfg, s.log)
	s.monitor = monitor.New(cfg.Session.MonitorInterval(), s.alive, s.sessions.Terminate, log)

	s.registerRPCHandlers()
	return s
}

// renderConfig turns the effective config, overrides included, into the
// nested map config.get reads.
func renderConfig(cfg config.Config, log *logging.Logger) map[string]any {
	raw := make(map[string]any)
	data, err := yaml.Marshal(cfg)
	if err == nil {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to render config")
	}
	return raw
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// maxUploadBytes is the largest accepted document.
func (s *Server) maxUploadBytes() int {
	return s.cfg.Gateway.MaxUploadMB * 1024 * 1024
}

// alive is the monitor's liveness check: a session lives while its
// connection is registered.
func (s *Server) alive(_ context.Context, id domain.SessionID) (bool, error) {
	return s.clients.lookup(id) != nil, nil
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Handler returns the HTTP handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.routes(), s.log, s.cfg.Gateway.ControlUI.AllowedOrigins)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)
	s.ctx = ctx

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: uploadTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsCfg)
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, credentials and documents travel in cleartext")
	}

	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.creds.Mode).
		Int("methods", len(s.handlers)).
		Dur("monitorInterval", s.cfg.Session.MonitorInterval()).
		Msg("gateway server ready")

	s.hooks.Emit(ctx, hooks.EventGatewayStart, "", map[string]any{
		"addr": ln.Addr().String(),
	})

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects every client and wipes every session.
func (s *Server) Shutdown(ctx context.Context) {
	s.clients.broadcast(EventShutdown, map[string]any{"reason": "server stopping"}, s.eventSeq.Add(1))
	if ids := s.clients.closeAll("server stopping"); len(ids) > 0 {
		s.log.Info().Int("sessions", len(ids)).Msg("disconnected clients")
	}
	s.monitor.Close()
	if err := s.sessions.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("session cleanup incomplete")
	}
	s.hooks.Emit(ctx, hooks.EventGatewayStop, "", nil)
	if err := s.hooks.Wait(ctx); err != nil {
		s.log.Warn().Err(err).Msg("hooks still running at shutdown")
	}
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.auth.throttled(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(s.maxPayload()))

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	client, reqID, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		conn.Close()
		return
	}

	s.clients.add(client)
	defer func() {
		s.clients.remove(client.Session)
		client.Close("")
	}()

	if err := s.openSession(client); err != nil {
		s.log.Error().Err(err).Str("session", string(client.Session)).Msg("failed to open session")
		client.RespondError(reqID, ErrorShape{Code: "internal_error", Message: "could not open session"})
		return
	}
	if err := s.sendHello(client, reqID); err != nil {
		s.log.Warn().Err(err).Str("session", string(client.Session)).Msg("failed to send hello")
		return
	}

	s.readLoop(client)
}

// openSession builds the session context and starts watching the
// connection.
func (s *Server) openSession(client *Client) error {
	id := client.Session
	if _, err := s.sessions.Open(id); err != nil {
		return err
	}
	if err := s.monitor.Start(id); err != nil {
		s.sessions.Close(s.ctx, id)
		return err
	}
	s.hooks.EmitAsync(s.ctx, hooks.EventSessionStart, id, map[string]any{
		"clientId":      client.Info.ID,
		"clientVersion": client.Info.Version,
	})
	return nil
}

func (s *Server) maxPayload() int {
	if s.maxUploadBytes() <= 0 {
		return defaultMaxPayload
	}
	// base64 grows data by 4/3
	return s.maxUploadBytes()/3*4 + frameOverhead
}

// handshake performs the WebSocket authentication handshake.
// Flow: server sends challenge → client sends connect → server validates.
// It returns the id of the connect request, which sendHello answers.
func (s *Server) handshake(conn *websocket.Conn) (*Client, string, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	nonce := uuid.New().String()
	challenge, err := NewEvent(EventConnectChallenge, map[string]any{
		"nonce": nonce,
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, "", fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, "", fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, "", fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, "", fmt.Errorf("parsing connect frame: %w", err)
	}

	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, "", fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, "", fmt.Errorf("parsing connect params: %w", err)
	}

	authResult := s.auth.check(conn.RemoteAddr().String(), params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, "", fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})

	client := newClient(conn, params.Client, authResult.Method)

	s.log.Info().
		Str("session", string(client.Session)).
		Str("clientId", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Str("authMethod", authResult.Method).
		Msg("client authenticated")

	return client, frame.ID, nil
}

func (s *Server) sendHello(client *Client, reqID string) error {
	fileTypes := make([]string, 0, len(loader.Kinds))
	for _, k := range loader.Kinds {
		fileTypes = append(fileTypes, k.String())
	}
	return client.Respond(reqID, HelloOK{
		SessionID: string(client.Session),
		Protocol:  ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Commit,
			ConnID:  string(client.Session),
		},
		Features: Features{
			Methods:   s.Methods(),
			Events:    []string{EventConnectChallenge, EventChatDelta, EventShutdown},
			FileTypes: fileTypes,
		},
		Policy: ServerPolicy{
			MaxPayload:        s.maxPayload(),
			MaxUploadBytes:    s.maxUploadBytes(),
			MonitorIntervalMs: s.cfg.Session.MonitorIntervalMs,
		},
	})
}

// readLoop processes incoming frames from an authenticated client. Requests
// are handled in order, one at a time.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("session", string(client.Session)).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("session", string(client.Session)).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	handler(&RequestContext{
		Client: client,
		Frame:  frame,
		Server: s,
	})
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	errFrame := NewErrorResponse(reqID, ErrorShape{
		Code:    code,
		Message: message,
	})
	conn.WriteJSON(errFrame)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
