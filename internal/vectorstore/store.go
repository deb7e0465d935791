// Package vectorstore holds embedded document chunks per session and answers
// similarity queries scoped to a single session.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/embedder"
)

var (
	// ErrMissingSession is returned when an operation has no session id.
	ErrMissingSession = errors.New("vectorstore: session id is required")
	// ErrSessionMismatch is returned when a chunk belongs to another session.
	ErrSessionMismatch = errors.New("vectorstore: chunk session does not match")
	// ErrSessionClosed is returned by Guard.Add after the session was sealed.
	ErrSessionClosed = errors.New("vectorstore: session is closed")
)

// EmbeddingError reports a failure of the embedding function. Nothing is
// stored when Add returns one.
type EmbeddingError struct {
	Op  string // "add" or "search"
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("vectorstore: embedding failed during %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Query describes a similarity search within one session.
type Query struct {
	SessionID    domain.SessionID
	Text         string
	TopK         int
	MinRelevance float64
	Filter       map[string]string // extra metadata equality filters
}

// Result is a stored chunk with its relevance score in [0,1].
type Result struct {
	Chunk domain.Chunk
	Score float64
}

// Store is a session-partitioned vector store.
type Store interface {
	// Add embeds and stores chunks under sessionID, all or nothing.
	Add(ctx context.Context, sessionID domain.SessionID, chunks []domain.Chunk) error
	// Search returns up to q.TopK results from q.SessionID, best first.
	Search(ctx context.Context, q Query) ([]Result, error)
	// Delete removes the session's entries matching filter (nil = all) and
	// reports how many were removed.
	Delete(ctx context.Context, sessionID domain.SessionID, filter map[string]string) (int, error)
	Close() error
}

// CheckChunks validates the session id of an Add call.
func CheckChunks(sessionID domain.SessionID, chunks []domain.Chunk) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	for i, c := range chunks {
		if c.Metadata.SessionID != sessionID {
			return fmt.Errorf("%w: chunk %d has %q, want %q", ErrSessionMismatch, i, c.Metadata.SessionID, sessionID)
		}
	}
	return nil
}

// EmbedChunks embeds the chunk texts in one batch and checks that every
// vector is present and has the same dimension.
func EmbedChunks(ctx context.Context, emb embedder.Embedder, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := emb.Embed(ctx, texts)
	if err != nil {
		return nil, &EmbeddingError{Op: "add", Err: err}
	}
	if len(vecs) != len(chunks) {
		return nil, &EmbeddingError{Op: "add", Err: fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks))}
	}
	for i, v := range vecs {
		if len(v) == 0 || len(v) != len(vecs[0]) {
			return nil, &EmbeddingError{Op: "add", Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), len(vecs[0]))}
		}
	}
	return vecs, nil
}

// EmbedQuery embeds a single search text.
func EmbedQuery(ctx context.Context, emb embedder.Embedder, text string) ([]float32, error) {
	vecs, err := emb.Embed(ctx, []string{text})
	if err != nil {
		return nil, &EmbeddingError{Op: "search", Err: err}
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, &EmbeddingError{Op: "search", Err: fmt.Errorf("got %d vectors for 1 query", len(vecs))}
	}
	return vecs[0], nil
}

// Cosine returns the cosine similarity of a and b clamped to [0,1]. Vectors
// of different length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return Clamp(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Clamp bounds a similarity score to [0,1].
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Rank orders results by score, best first, keeping the incoming order for
// equal scores, and truncates to topK (topK <= 0 keeps everything).
func Rank(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Keep reports whether a scored entry passes the query's threshold and filter.
func Keep(q Query, meta domain.Metadata, score float64) bool {
	return score >= q.MinRelevance && meta.Matches(q.Filter)
}
