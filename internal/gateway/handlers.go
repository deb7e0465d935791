package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/session"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler populates all fields.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Clients  int    `json:"clients,omitempty"`
	Sessions int    `json:"sessions,omitempty"`
}

// handleHealth returns the server health status. Only status is exposed
// publicly; detailed info is available via the authenticated RPC health method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":  "method not allowed",
		"method": r.Method,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, shape ErrorShape) {
	writeJSON(w, status, map[string]any{"error": shape})
}

// handleUpload accepts a multipart "file" for a connected session.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.auth.throttled(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, ErrorShape{Code: "rate_limited", Message: "too many requests"})
		return
	}
	if res := s.auth.check(r.RemoteAddr, bearerAuth(r)); !res.OK {
		writeError(w, http.StatusUnauthorized, ErrorShape{Code: "unauthorized", Message: res.Reason})
		return
	}

	id := mux.Vars(r)["sessionID"]
	sc, err := s.contextFor(id)
	if err != nil {
		shape, status := classify(err)
		writeError(w, status, shape)
		return
	}

	limit := int64(s.maxUploadBytes())
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+frameOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorShape{Code: "too_large", Message: "document exceeds the upload limit"})
			return
		}
		writeError(w, http.StatusBadRequest, ErrorShape{Code: "invalid_params", Message: "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorShape{Code: "invalid_params", Message: err.Error()})
		return
	}
	if limit > 0 && int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, ErrorShape{Code: "too_large", Message: "document exceeds the upload limit"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), uploadTimeout)
	defer cancel()

	res, err := sc.Ingest(ctx, header.Filename, data)
	if err != nil {
		s.logUploadError(sc.ID, header.Filename, err)
		shape, status := classify(err)
		writeError(w, status, shape)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) logUploadError(id domain.SessionID, fileName string, err error) {
	s.log.Warn().
		Err(err).
		Str("session", string(id)).
		Str("file", fileName).
		Msg("upload failed")
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(ctx *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// Fail sends the wire form of err.
func (rc *RequestContext) Fail(err error) {
	shape, _ := classify(err)
	rc.Client.RespondError(rc.Frame.ID, shape)
}

// Session returns the connection's session context. When the session is
// gone it answers the request with SESSION_CLOSED and returns false.
func (rc *RequestContext) Session() (*session.Context, bool) {
	sc := rc.Server.sessions.Get(rc.Client.Session)
	if sc == nil || sc.Closed() {
		rc.RespondError(CodeSessionClosed, "session is closed")
		return nil, false
	}
	return sc, true
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
