// Package storetest is a conformance suite shared by the vectorstore
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Embedder maps known texts to fixed vectors. Unknown texts embed to
// (0,0,1). Setting Err makes every call fail.
type Embedder struct {
	mu      sync.Mutex
	Vectors map[string][]float32
	Err     error
	Calls   int
}

// NewEmbedder returns an Embedder with the vectors the suite relies on.
func NewEmbedder() *Embedder {
	return &Embedder{Vectors: map[string][]float32{
		"apples":    {1, 0, 0},
		"apple pie": {0.9, 0.1, 0},
		"bananas":   {0, 1, 0},
		"anti":      {-1, 0, 0},
	}}
}

func (e *Embedder) Model() string { return "storetest" }

func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.Vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = append([]float32(nil), v...)
	}
	return out, nil
}

// SetErr changes the failure mode under the lock.
func (e *Embedder) SetErr(err error) {
	e.mu.Lock()
	e.Err = err
	e.mu.Unlock()
}

// Chunk builds a chunk for session/file with the given text.
func Chunk(session domain.SessionID, file, text string) domain.Chunk {
	return domain.Chunk{Text: text, Metadata: domain.Metadata{SessionID: session, FileName: file}}
}

// Factory returns a fresh, empty store using emb.
type Factory func(t *testing.T, emb *Embedder) vectorstore.Store

func texts(rs []vectorstore.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.Text
	}
	return out
}

func files(rs []vectorstore.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.Metadata.FileName
	}
	return out
}

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("RanksBySimilarity", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
			Chunk("s1", "a.txt", "bananas"),
			Chunk("s1", "a.txt", "apple pie"),
			Chunk("s1", "a.txt", "apples"),
		}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"apples", "apple pie"}, texts(rs))
		assert.InDelta(t, 1.0, rs[0].Score, 1e-6)
		assert.Greater(t, rs[0].Score, rs[1].Score)
	})

	t.Run("PreservesMetadata", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		c := domain.Chunk{Text: "apples", Metadata: domain.Metadata{
			SessionID:  "s1",
			FileName:   "guide.md",
			HeaderPath: []string{"Intro", "Fruit"},
			Page:       3,
			ChunkIndex: 7,
		}}
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{c}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 1})
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, c, rs[0].Chunk)
	})

	t.Run("IsolatesSessions", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{Chunk("s1", "mine.txt", "apples")}))
		require.NoError(t, s.Add(ctx, "s2", []domain.Chunk{Chunk("s2", "theirs.txt", "apples")}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"mine.txt"}, files(rs))

		rs, err = s.Search(ctx, vectorstore.Query{SessionID: "s3", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Empty(t, rs)
	})

	t.Run("AppliesMinRelevance", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
			Chunk("s1", "a.txt", "apples"),
			Chunk("s1", "a.txt", "bananas"),
		}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10, MinRelevance: 0.5})
		require.NoError(t, err)
		assert.Equal(t, []string{"apples"}, texts(rs))

		rs, err = s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Len(t, rs, 2)
	})

	t.Run("ClampsScores", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{Chunk("s1", "a.txt", "apples")}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "anti", TopK: 10})
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.GreaterOrEqual(t, rs[0].Score, 0.0)
		assert.InDelta(t, 0.0, rs[0].Score, 1e-6)
	})

	t.Run("BreaksTiesByInsertionOrder", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{Chunk("s1", "first.txt", "apples")}))
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
			Chunk("s1", "second.txt", "apples"),
			Chunk("s1", "third.txt", "apples"),
		}))

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"first.txt", "second.txt", "third.txt"}, files(rs))
	})

	t.Run("FiltersOnMetadata", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
			Chunk("s1", "a.txt", "apples"),
			Chunk("s1", "b.txt", "apple pie"),
		}))

		rs, err := s.Search(ctx, vectorstore.Query{
			SessionID: "s1", Text: "apples", TopK: 10,
			Filter: map[string]string{domain.KeyFileName: "b.txt"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"apple pie"}, texts(rs))
	})

	t.Run("DeletesByFilterAndSession", func(t *testing.T) {
		s := newStore(t, NewEmbedder())
		require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
			Chunk("s1", "a.txt", "apples"),
			Chunk("s1", "a.txt", "apple pie"),
			Chunk("s1", "b.txt", "bananas"),
		}))
		require.NoError(t, s.Add(ctx, "s2", []domain.Chunk{Chunk("s2", "a.txt", "apples")}))

		n, err := s.Delete(ctx, "s1", map[string]string{domain.KeyFileName: "a.txt"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"bananas"}, texts(rs))

		n, err = s.Delete(ctx, "s1", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.Delete(ctx, "s1", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		rs, err = s.Search(ctx, vectorstore.Query{SessionID: "s2", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Len(t, rs, 1, "other sessions are untouched")
	})

	t.Run("EmbeddingFailureStoresNothing", func(t *testing.T) {
		emb := NewEmbedder()
		s := newStore(t, emb)
		emb.SetErr(errors.New("quota exceeded"))

		err := s.Add(ctx, "s1", []domain.Chunk{Chunk("s1", "a.txt", "apples")})
		var embErr *vectorstore.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, "add", embErr.Op)

		_, err = s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, "search", embErr.Op)

		emb.SetErr(nil)
		rs, err := s.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
		require.NoError(t, err)
		assert.Empty(t, rs)
	})

	t.Run("RejectsBadSessions", func(t *testing.T) {
		s := newStore(t, NewEmbedder())

		err := s.Add(ctx, "", []domain.Chunk{Chunk("", "a.txt", "apples")})
		assert.ErrorIs(t, err, vectorstore.ErrMissingSession)

		err = s.Add(ctx, "s1", []domain.Chunk{Chunk("s2", "a.txt", "apples")})
		assert.ErrorIs(t, err, vectorstore.ErrSessionMismatch)

		_, err = s.Search(ctx, vectorstore.Query{Text: "apples", TopK: 1})
		assert.ErrorIs(t, err, vectorstore.ErrMissingSession)

		_, err = s.Delete(ctx, "", nil)
		assert.ErrorIs(t, err, vectorstore.ErrMissingSession)
	})

	t.Run("ConcurrentSessions", func(t *testing.T) {
		s := newStore(t, NewEmbedder())

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := domain.SessionID(fmt.Sprintf("c%d", i))
				assert.NoError(t, s.Add(ctx, id, []domain.Chunk{Chunk(id, "a.txt", "apples"), Chunk(id, "b.txt", "bananas")}))
				rs, err := s.Search(ctx, vectorstore.Query{SessionID: id, Text: "apples", TopK: 10})
				assert.NoError(t, err)
				assert.Len(t, rs, 2)
			}()
		}
		wg.Wait()
	})
}
