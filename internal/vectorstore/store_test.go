package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/embedder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"45 degrees", []float32{1, 0}, []float32{1, 1}, 1 / math.Sqrt2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-6)
		})
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.2))
	assert.Equal(t, 1.0, Clamp(1.0000001))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
	assert.Equal(t, 0.5, Clamp(0.5))
}

func TestRankIsStable(t *testing.T) {
	in := []Result{
		{Chunk: domain.Chunk{Text: "a"}, Score: 0.5},
		{Chunk: domain.Chunk{Text: "b"}, Score: 0.9},
		{Chunk: domain.Chunk{Text: "c"}, Score: 0.5},
		{Chunk: domain.Chunk{Text: "d"}, Score: 0.9},
	}
	out := Rank(in, 3)
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[0].Chunk.Text)
	assert.Equal(t, "d", out[1].Chunk.Text)
	assert.Equal(t, "a", out[2].Chunk.Text)

	assert.Len(t, Rank([]Result{{}, {}}, 0), 2)
}

func TestEmbeddingErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := &EmbeddingError{Op: "add", Err: base}
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "during add")
}

type shortEmbedder struct{ dims []int }

func (shortEmbedder) Model() string { return "short" }

func (s shortEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i := range texts {
		if i < len(s.dims) {
			out = append(out, make([]float32, s.dims[i]))
		}
	}
	return out, nil
}

func TestEmbedChunksValidatesShape(t *testing.T) {
	chunks := []domain.Chunk{{Text: "a"}, {Text: "b"}}

	_, err := EmbedChunks(context.Background(), shortEmbedder{dims: []int{3}}, chunks)
	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Contains(t, err.Error(), "2 chunks")

	_, err = EmbedChunks(context.Background(), shortEmbedder{dims: []int{3, 4}}, chunks)
	require.ErrorAs(t, err, &embErr)
	assert.Contains(t, err.Error(), "dimension")
}

func TestMemoryWithHashingEmbedder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(embedder.NewHashing(0))

	chunks := []domain.Chunk{
		{Text: "The refund policy allows returns within thirty days.", Metadata: domain.Metadata{SessionID: "s1", FileName: "policy.txt"}},
		{Text: "Our office is closed on public holidays.", Metadata: domain.Metadata{SessionID: "s1", FileName: "hours.txt"}},
	}
	require.NoError(t, m.Add(ctx, "s1", chunks))
	assert.Equal(t, 2, m.Len("s1"))

	rs, err := m.Search(ctx, Query{SessionID: "s1", Text: "what is the refund policy for returns", TopK: 1})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "policy.txt", rs[0].Chunk.Metadata.FileName)
}

// blockingStore parks Add until released, to observe Guard ordering.
type blockingStore struct {
	*Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Add(ctx context.Context, id domain.SessionID, chunks []domain.Chunk) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.Add(ctx, id, chunks)
}

func TestGuardSealWaitsForRunningAdd(t *testing.T) {
	ctx := context.Background()
	inner := &blockingStore{
		Memory:  NewMemory(embedder.NewHashing(16)),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGuard(inner)

	addDone := make(chan error, 1)
	go func() {
		addDone <- g.Add(ctx, "s1", []domain.Chunk{{Text: "late upload", Metadata: domain.Metadata{SessionID: "s1"}}})
	}()
	<-inner.entered

	sealDone := make(chan int, 1)
	go func() {
		n, err := g.Seal(ctx, "s1")
		assert.NoError(t, err)
		sealDone <- n
	}()

	select {
	case <-sealDone:
		t.Fatal("seal finished while an add was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(inner.release)
	require.NoError(t, <-addDone)
	assert.Equal(t, 1, <-sealDone, "seal removes the chunks of the add it waited for")
	assert.Equal(t, 0, inner.Len("s1"))
	assert.True(t, g.Sealed("s1"))
}

func TestGuardRejectsAddAfterSeal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(embedder.NewHashing(16))
	g := NewGuard(m)

	c := domain.Chunk{Text: "x", Metadata: domain.Metadata{SessionID: "s1"}}
	require.NoError(t, g.Add(ctx, "s1", []domain.Chunk{c}))

	n, err := g.Seal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = g.Add(ctx, "s1", []domain.Chunk{c})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 0, m.Len("s1"))

	// other sessions are unaffected
	require.NoError(t, g.Add(ctx, "s2", []domain.Chunk{{Text: "y", Metadata: domain.Metadata{SessionID: "s2"}}}))

	g.Unseal("s1")
	require.NoError(t, g.Add(ctx, "s1", []domain.Chunk{c}))
	assert.Equal(t, 1, m.Len("s1"))
}

func TestGuardSealExpires(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemory(embedder.NewHashing(16)), WithSealRetention(30*time.Millisecond))

	for i := range 1000 {
		_, err := g.Seal(ctx, domain.SessionID(fmt.Sprintf("conn-%d", i)))
		require.NoError(t, err)
	}
	assert.True(t, g.Sealed("conn-999"))

	assert.Eventually(t, func() bool {
		return g.sealed.ItemCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, g.Sealed("conn-999"))
}

func TestGuardReleasesLocks(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemory(embedder.NewHashing(16)))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Add(ctx, "s1", []domain.Chunk{{Text: "x", Metadata: domain.Metadata{SessionID: "s1"}}})
			_, _ = g.Delete(ctx, "s1", nil)
		}()
	}
	wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.locks)
}
