package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/session"
)

// safeConfigPrefixes lists config path prefixes that can be read via RPC.
// All other paths, including every credential, are denied (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.maxUploadMB",
	"llm.provider",
	"llm.model",
	"llm.maxTokens",
	"embedding.model",
	"search",
	"chunking",
	"vectorStore.driver",
	"session",
	"agent",
	"logging.level",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// llmCallTimeout is the maximum duration for one chat turn.
const llmCallTimeout = 5 * time.Minute

// uploadTimeout bounds loading and indexing one document.
const uploadTimeout = 2 * time.Minute

// routes builds the HTTP router.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{sessionID}/documents", s.handleUpload).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	return r
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("session.info", s.rpcSessionInfo)
	s.Handle("documents.upload", s.rpcDocumentsUpload)
	s.Handle("documents.delete", s.rpcDocumentsDelete)
	s.Handle("chat.send", s.rpcChatSend)
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Clients:  s.clients.len(),
		Sessions: len(s.sessions.List()),
	})
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	val, ok := config.GetValueAtPath(s.configRaw, path)
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

func (s *Server) rpcSessionInfo(rc *RequestContext) {
	sc, ok := rc.Session()
	if !ok {
		return
	}
	docs, err := sc.Documents(s.ctx)
	if err != nil {
		rc.Fail(err)
		return
	}
	chunks := 0
	for _, d := range docs {
		chunks += d.Chunks
	}
	rc.Respond(map[string]any{
		"sessionId": sc.ID,
		"documents": docs,
		"chunks":    chunks,
	})
}

type uploadParams struct {
	FileName string `json:"fileName"`
	Data     string `json:"data"` // base64
}

func (s *Server) rpcDocumentsUpload(rc *RequestContext) {
	var p uploadParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.FileName == "" {
		rc.RespondError("invalid_params", "fileName is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		rc.RespondError("invalid_params", "data must be base64: "+err.Error())
		return
	}
	if limit := s.maxUploadBytes(); limit > 0 && len(data) > limit {
		rc.RespondError("too_large", "document exceeds the upload limit")
		return
	}

	sc, ok := rc.Session()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, uploadTimeout)
	defer cancel()

	res, err := sc.Ingest(ctx, p.FileName, data)
	if err != nil {
		s.logUploadError(sc.ID, p.FileName, err)
		rc.Fail(err)
		return
	}
	rc.Respond(res)
}

type deleteParams struct {
	FileName string `json:"fileName,omitempty"`
}

func (s *Server) rpcDocumentsDelete(rc *RequestContext) {
	var p deleteParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	sc, ok := rc.Session()
	if !ok {
		return
	}
	n, err := sc.DeleteDocuments(s.ctx, p.FileName)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"deleted": n})
}

type chatSendParams struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

func (s *Server) rpcChatSend(rc *RequestContext) {
	var p chatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	sc, ok := rc.Session()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()

	var cb func(llm.StreamEvent)
	if p.Stream {
		cb = func(evt llm.StreamEvent) {
			if evt.Type != llm.EventDelta {
				return
			}
			rc.Client.Event(EventChatDelta, map[string]any{
				"requestId": rc.Frame.ID,
				"delta":     evt.Content,
			}, s.eventSeq.Add(1))
		}
	}

	ans, err := sc.Ask(ctx, p.Message, cb)
	if err != nil {
		s.log.Warn().Err(err).Str("session", string(sc.ID)).Msg("chat turn failed")
		rc.Fail(err)
		return
	}
	if ans.Debug {
		rc.Respond(map[string]any{
			"response": ans.Response,
			"debug":    true,
		})
		return
	}

	res := ans.Run
	rc.Respond(map[string]any{
		"response":   res.Response,
		"sessionId":  res.SessionID,
		"model":      res.Model,
		"usage":      res.Usage,
		"durationMs": res.Duration.Milliseconds(),
		"fallback":   res.Fallback,
	})
}

// contextFor resolves the session context of a connected session id.
func (s *Server) contextFor(id string) (*session.Context, error) {
	sid := domain.SessionID(id)
	if s.clients.lookup(sid) == nil {
		return nil, ErrSessionUnknown
	}
	sc := s.sessions.Get(sid)
	if sc == nil {
		return nil, ErrSessionUnknown
	}
	return sc, nil
}
