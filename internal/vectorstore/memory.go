package vectorstore

import (
	"context"
	"sync"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/embedder"
)

type memoryEntry struct {
	seq   uint64
	chunk domain.Chunk
	vec   []float32
}

// Memory is an in-process Store. Entries are kept in insertion order, which
// breaks score ties.
type Memory struct {
	emb embedder.Embedder

	mu      sync.RWMutex
	entries []memoryEntry
	nextSeq uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory(emb embedder.Embedder) *Memory {
	return &Memory{emb: emb}
}

func (m *Memory) Add(ctx context.Context, sessionID domain.SessionID, chunks []domain.Chunk) error {
	if err := CheckChunks(sessionID, chunks); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := EmbedChunks(ctx, m.emb, chunks)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range chunks {
		m.nextSeq++
		m.entries = append(m.entries, memoryEntry{seq: m.nextSeq, chunk: c, vec: vecs[i]})
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.SessionID == "" {
		return nil, ErrMissingSession
	}
	vec, err := EmbedQuery(ctx, m.emb, q.Text)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	results := make([]Result, 0)
	for _, e := range m.entries {
		if e.chunk.Metadata.SessionID != q.SessionID {
			continue
		}
		score := Cosine(vec, e.vec)
		if Keep(q, e.chunk.Metadata, score) {
			results = append(results, Result{Chunk: e.chunk, Score: score})
		}
	}
	m.mu.RUnlock()

	return Rank(results, q.TopK), nil
}

func (m *Memory) Delete(_ context.Context, sessionID domain.SessionID, filter map[string]string) (int, error) {
	if sessionID == "" {
		return 0, ErrMissingSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.chunk.Metadata.SessionID == sessionID && e.chunk.Metadata.Matches(filter) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(m.entries[len(kept):])
	m.entries = kept
	return removed, nil
}

// Len returns the number of entries stored for sessionID.
func (m *Memory) Len(sessionID domain.SessionID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.chunk.Metadata.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error { return nil }
