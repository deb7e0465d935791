// Package retrieval turns vector-store search results into the context
// block handed to the language model, and exposes it as the agent's
// document_retriever tool.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/vectorstore"
)

const (
	// ToolName is the name the model uses to call the retriever.
	ToolName = "document_retriever"

	// Delimiter separates results in a formatted block.
	Delimiter = "===============" + "\n\n"

	// NoRelevantDocuments is returned when a search yields nothing.
	NoRelevantDocuments = "No relevant documents found."
)

const (
	defaultMaxTries = 3
	defaultInitial  = 200 * time.Millisecond
)

// RetrievalError reports a search that kept failing after retries.
type RetrievalError struct {
	SessionID domain.SessionID
	Err       error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for session %s: %v", e.SessionID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry sets how many times a search is attempted and the first backoff.
func WithRetry(maxTries int, initial time.Duration) Option {
	return func(g *Gateway) {
		g.maxTries = uint(max(maxTries, 1))
		g.initial = initial
	}
}

// Gateway holds the search settings shared by every session.
type Gateway struct {
	store        vectorstore.Store
	TopK         int
	MinRelevance float64
	log          *logging.Logger

	maxTries uint
	initial  time.Duration
}

// NewGateway creates a retrieval gateway over store.
func NewGateway(store vectorstore.Store, topK int, minRelevance float64, log *logging.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:        store,
		TopK:         topK,
		MinRelevance: minRelevance,
		log:          log.Sub("retrieval"),
		maxTries:     defaultMaxTries,
		initial:      defaultInitial,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ForSession returns a retriever bound to id.
func (g *Gateway) ForSession(id domain.SessionID) *Retriever {
	return &Retriever{gw: g, sessionID: id}
}

// Retriever searches the documents of a single session.
type Retriever struct {
	gw        *Gateway
	sessionID domain.SessionID
}

// SessionID returns the session the retriever is bound to.
func (r *Retriever) SessionID() domain.SessionID { return r.sessionID }

// Search returns the raw ranked results for query.
func (r *Retriever) Search(ctx context.Context, query string) ([]vectorstore.Result, error) {
	q := vectorstore.Query{
		SessionID:    r.sessionID,
		Text:         query,
		TopK:         r.gw.TopK,
		MinRelevance: r.gw.MinRelevance,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.gw.initial

	attempt := 0
	results, err := backoff.Retry(ctx, func() ([]vectorstore.Result, error) {
		attempt++
		rs, err := r.gw.store.Search(ctx, q)
		if err == nil {
			return rs, nil
		}
		if permanent(err) {
			return nil, backoff.Permanent(err)
		}
		r.gw.log.Warn().Err(err).Str("session", string(r.sessionID)).Int("attempt", attempt).Msg("search failed")
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.gw.maxTries))
	if err != nil {
		return nil, &RetrievalError{SessionID: r.sessionID, Err: err}
	}
	return results, nil
}

func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, vectorstore.ErrMissingSession)
}

// Retrieve searches and formats the results as one context block.
func (r *Retriever) Retrieve(ctx context.Context, query string) (string, error) {
	results, err := r.Search(ctx, query)
	if err != nil {
		return "", err
	}
	r.gw.log.Debug().Str("session", string(r.sessionID)).Int("results", len(results)).Msg("retrieved")
	return Format(results), nil
}

// RawSearch is Retrieve for the debug path; the block is returned as the
// user-visible answer.
func (r *Retriever) RawSearch(ctx context.Context, query string) (string, error) {
	return r.Retrieve(ctx, strings.TrimSpace(query))
}

// Format renders results as "<metadata>\n<text>" joined by Delimiter.
func Format(results []vectorstore.Result) string {
	if len(results) == 0 {
		return NoRelevantDocuments
	}
	parts := make([]string, len(results))
	for i, res := range results {
		parts[i] = FormatMetadata(res.Chunk.Metadata) + "\n" + res.Chunk.Text
	}
	return strings.Join(parts, Delimiter)
}

// FormatMetadata renders flattened metadata as "{k: v, ...}" with sorted keys.
// The upload id is internal and left out.
func FormatMetadata(m domain.Metadata) string {
	flat := m.Flatten()
	delete(flat, domain.KeyUploadID)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(flat[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Tool interface.

func (r *Retriever) Name() string { return ToolName }

func (r *Retriever) Description() string {
	return "Searches the documents the user uploaded in this session and returns the most relevant passages with their source."
}

func (r *Retriever) InputSchema() string {
	return `{"type":"object","properties":{"query":{"type":"string","description":"What to look for in the documents"}},"required":["query"]}`
}

// Execute accepts {"query": "..."} or a bare query string.
func (r *Retriever) Execute(ctx context.Context, input string) (string, error) {
	query := ParseQuery(input)
	if query == "" {
		return "", errors.New("document_retriever: query is required")
	}
	return r.Retrieve(ctx, query)
}

// ParseQuery extracts the query from a tool input.
func ParseQuery(input string) string {
	input = strings.TrimSpace(input)
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(input), &args); err == nil {
		return strings.TrimSpace(args.Query)
	}
	var s string
	if err := json.Unmarshal([]byte(input), &s); err == nil {
		return strings.TrimSpace(s)
	}
	return input
}
