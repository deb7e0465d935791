package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/docchat/internal/agent"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/hooks"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/retrieval"
	"github.com/soyeahso/docchat/internal/vectorstore"
)

// DebugPrefix makes Ask return the raw retrieval output instead of an agent
// answer.
const DebugPrefix = "chroma:"

// Context is one connected session: its id, its retriever and its agent.
// Uploads and turns are processed one at a time in arrival order.
type Context struct {
	ID        domain.SessionID
	Retriever *retrieval.Retriever
	Runner    *agent.Runner

	m      *Manager
	mu     sync.Mutex
	closed atomic.Bool
}

// IngestResult describes an indexed upload.
type IngestResult struct {
	FileName string `json:"fileName"`
	Kind     string `json:"kind"`
	Chunks   int    `json:"chunks"`
	Replaced int    `json:"replaced,omitempty"`
}

// Answer is the outcome of Ask. Debug answers carry no Run.
type Answer struct {
	Response string           `json:"response"`
	Debug    bool             `json:"debug,omitempty"`
	Run      *agent.RunResult `json:"-"`
}

// Closed reports whether the session has been torn down.
func (c *Context) Closed() bool { return c.closed.Load() }

// Ingest loads, chunks and indexes one uploaded file. Uploading a file name
// again replaces its earlier chunks.
func (c *Context) Ingest(ctx context.Context, fileName string, data []byte) (IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed() {
		return IngestResult{}, vectorstore.ErrSessionClosed
	}
	kind, err := loader.KindFromFileName(fileName)
	if err != nil {
		return IngestResult{}, err
	}
	chunks, err := c.m.deps.Loader.Load(ctx, c.ID, fileName, data)
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{
		FileName: filepath.Base(fileName),
		Kind:     kind.String(),
		Chunks:   len(chunks),
	}
	uploadID := uuid.NewString()
	for i := range chunks {
		chunks[i].Metadata.UploadID = uploadID
	}

	// old chunks are deleted only once the new ones are stored
	store, docs := c.m.deps.Store, c.m.deps.Documents
	prev, err := c.previousUpload(ctx, res.FileName)
	if err != nil {
		return IngestResult{}, err
	}
	if len(chunks) > 0 {
		if err := store.Add(ctx, c.ID, chunks); err != nil {
			c.dropUpload(ctx, res.FileName, uploadID)
			return IngestResult{}, err
		}
	}
	if prev != nil {
		res.Replaced, err = store.Delete(ctx, c.ID, uploadFilter(res.FileName, prev.UploadID))
		if err != nil {
			c.dropUpload(ctx, res.FileName, uploadID)
			return IngestResult{}, err
		}
	}

	if err := docs.Record(ctx, c.ID, domain.Document{
		FileName:   res.FileName,
		Kind:       res.Kind,
		Chunks:     res.Chunks,
		Bytes:      len(data),
		UploadedAt: time.Now(),
		UploadID:   uploadID,
	}); err != nil {
		c.m.log.Warn().Err(err).Str("session", string(c.ID)).Msg("failed to record document")
	}
	// terminated while indexing; the seal already removed the chunks
	if c.Closed() {
		docs.Remove(ctx, c.ID, res.FileName)
		return IngestResult{}, vectorstore.ErrSessionClosed
	}

	c.m.deps.Hooks.EmitAsync(ctx, hooks.EventDocumentIngested, c.ID, map[string]any{
		"fileName": res.FileName,
		"kind":     res.Kind,
		"chunks":   res.Chunks,
		"replaced": res.Replaced,
	})
	c.m.log.Info().
		Str("session", string(c.ID)).
		Str("file", res.FileName).
		Int("chunks", res.Chunks).
		Int("replaced", res.Replaced).
		Msg("document indexed")
	return res, nil
}

// previousUpload returns the logged upload of fileName, if any.
func (c *Context) previousUpload(ctx context.Context, fileName string) (*domain.Document, error) {
	docs, err := c.m.deps.Documents.List(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].FileName == fileName && docs[i].UploadID != "" {
			return &docs[i], nil
		}
	}
	return nil, nil
}

// dropUpload removes whatever part of a failed upload reached the store.
func (c *Context) dropUpload(ctx context.Context, fileName, uploadID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.m.deps.Store.Delete(ctx, c.ID, uploadFilter(fileName, uploadID)); err != nil {
		c.m.log.Warn().Err(err).Str("session", string(c.ID)).Str("file", fileName).Msg("failed to clean up upload")
	}
}

func uploadFilter(fileName, uploadID string) map[string]string {
	return map[string]string{domain.KeyFileName: fileName, domain.KeyUploadID: uploadID}
}

// DeleteDocuments removes a file's chunks, or every chunk of the session
// when fileName is empty. It returns the number of chunks removed.
func (c *Context) DeleteDocuments(ctx context.Context, fileName string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed() {
		return 0, vectorstore.ErrSessionClosed
	}

	var filter map[string]string
	if fileName != "" {
		fileName = filepath.Base(fileName)
		filter = map[string]string{domain.KeyFileName: fileName}
	}
	n, err := c.m.deps.Store.Delete(ctx, c.ID, filter)
	if err != nil {
		return 0, err
	}

	docs := c.m.deps.Documents
	if fileName == "" {
		err = docs.Clear(ctx, c.ID)
	} else {
		_, err = docs.Remove(ctx, c.ID, fileName)
	}
	if err != nil {
		c.m.log.Warn().Err(err).Str("session", string(c.ID)).Msg("failed to update document log")
	}

	c.m.deps.Hooks.EmitAsync(ctx, hooks.EventDocumentDeleted, c.ID, map[string]any{
		"fileName": fileName,
		"chunks":   n,
	})
	return n, nil
}

// Documents lists the session's uploads.
func (c *Context) Documents(ctx context.Context) ([]domain.Document, error) {
	return c.m.deps.Documents.List(ctx, c.ID)
}

// Ask answers one user turn. Text starting with DebugPrefix is answered with
// the raw search output for the rest of the text. A nil cb runs the agent
// without streaming.
func (c *Context) Ask(ctx context.Context, text string, cb agent.StreamCallback) (*Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed() {
		return nil, vectorstore.ErrSessionClosed
	}

	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, DebugPrefix); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return nil, ErrEmptyQuery
		}
		out, err := c.Retriever.RawSearch(ctx, rest)
		if err != nil {
			return nil, err
		}
		return &Answer{Response: strings.TrimSpace(out), Debug: true}, nil
	}
	if text == "" {
		return nil, ErrEmptyQuery
	}

	h := c.m.deps.Hooks
	h.Emit(ctx, hooks.EventBeforeAgentRun, c.ID, map[string]any{"queryLen": len(text)})

	var (
		res *agent.RunResult
		err error
	)
	if cb != nil {
		res, err = c.Runner.RunStream(ctx, c.ID, text, cb)
	} else {
		res, err = c.Runner.Run(ctx, c.ID, text)
	}
	if err != nil {
		return nil, err
	}
	// terminated mid-turn; the runner appended after history was cleared
	if c.Closed() {
		c.m.deps.History.Clear(c.ID)
	}

	h.EmitAsync(ctx, hooks.EventAfterAgentRun, c.ID, map[string]any{
		"model":      res.Model,
		"durationMs": res.Duration.Milliseconds(),
		"toolCalls":  len(res.ToolCalls),
		"fallback":   res.Fallback,
	})
	return &Answer{Response: res.Response, Run: res}, nil
}
