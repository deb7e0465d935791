package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/docchat/internal/agent"
	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/hooks"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/retrieval"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/soyeahso/docchat/internal/vectorstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i := range len(text) {
		out[i] = int(text[i])
	}
	return out
}

func (byteTokenizer) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

type fixture struct {
	mgr     *Manager
	emb     *storetest.Embedder
	guard   *vectorstore.Guard
	history *agent.MemorySessionStore
	docs    *MemoryDocumentLog
	hooks   *hooks.Manager
	mock    *llm.MockClient

	mu     sync.Mutex
	events []hooks.Payload
}

func (f *fixture) recorded(event string) []hooks.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hooks.Payload
	for _, p := range f.events {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(nil, "silent")

	splitter, err := chunker.NewSplitter(byteTokenizer{}, 100, 0)
	require.NoError(t, err)

	f := &fixture{
		emb:     storetest.NewEmbedder(),
		history: agent.NewMemorySessionStore(),
		docs:    NewMemoryDocumentLog(),
		hooks:   hooks.NewManager(log),
		mock:    &llm.MockClient{ProviderName: "mock"},
	}
	f.guard = vectorstore.NewGuard(vectorstore.NewMemory(f.emb))

	for _, ev := range hooks.AllEvents {
		f.hooks.On(ev, "recorder", func(_ context.Context, p hooks.Payload) error {
			f.mu.Lock()
			f.events = append(f.events, p)
			f.mu.Unlock()
			return nil
		})
	}

	reg := llm.NewRegistry(log)
	reg.Register("mock", f.mock)
	reg.SetFallback("mock")

	f.mgr = NewManager(Deps{
		Loader:    loader.New(splitter, log),
		Store:     f.guard,
		Retrieval: retrieval.NewGateway(f.guard, 4, 0, log, retrieval.WithRetry(1, time.Millisecond)),
		Client:    agent.NewFailoverClient(reg, log),
		History:   f.history,
		Documents: f.docs,
		Hooks:     f.hooks,
		Log:       log,
	})
	return f
}

func TestOpenIsIdempotent(t *testing.T) {
	f := newFixture(t)

	a, err := f.mgr.Open("s1")
	require.NoError(t, err)
	b, err := f.mgr.Open("s1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Same(t, a, f.mgr.Get("s1"))
	assert.Equal(t, domain.SessionID("s1"), a.Retriever.SessionID())

	_, err = f.mgr.Open("")
	assert.ErrorIs(t, err, ErrMissingSession)
	assert.Nil(t, f.mgr.Get("nope"))
}

func TestListSorted(t *testing.T) {
	f := newFixture(t)
	for _, id := range []domain.SessionID{"c", "a", "b"} {
		_, err := f.mgr.Open(id)
		require.NoError(t, err)
	}
	assert.Equal(t, []domain.SessionID{"a", "b", "c"}, f.mgr.List())
}

func TestIngestAndDebugQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	res, err := c.Ingest(ctx, "uploads/fruit.txt", []byte("apples"))
	require.NoError(t, err)
	assert.Equal(t, IngestResult{FileName: "fruit.txt", Kind: "txt", Chunks: 1}, res)

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "fruit.txt", docs[0].FileName)
	assert.Equal(t, 6, docs[0].Bytes)

	ans, err := c.Ask(ctx, "chroma: apples", nil)
	require.NoError(t, err)
	assert.True(t, ans.Debug)
	assert.Nil(t, ans.Run)
	assert.Contains(t, ans.Response, "apples")
	assert.Contains(t, ans.Response, "file_name: fruit.txt")
	assert.Equal(t, strings.TrimSpace(ans.Response), ans.Response)

	assert.Empty(t, f.mock.Requests(), "debug queries bypass the model")
	assert.Eventually(t, func() bool {
		return len(f.recorded(hooks.EventDocumentIngested)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestIngestSameFileReplacesChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, "fruit.txt", []byte("apples"))
	require.NoError(t, err)
	res, err := c.Ingest(ctx, "fruit.txt", []byte("bananas"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	results, err := f.guard.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bananas", results[0].Chunk.Text)

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestFailedReuploadKeepsPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, "fruit.txt", []byte("apples"))
	require.NoError(t, err)

	f.emb.SetErr(errors.New("embedding service down"))
	_, err = c.Ingest(ctx, "fruit.txt", []byte("bananas"))
	require.Error(t, err)
	f.emb.SetErr(nil)

	results, err := f.guard.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "apples", results[0].Chunk.Text)

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].Chunks)
	assert.Equal(t, 6, docs[0].Bytes)

	// a later successful upload still replaces the surviving version
	res, err := c.Ingest(ctx, "fruit.txt", []byte("bananas"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
}

func TestIngestErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, "slides.pptx", []byte("x"))
	var unsupported *loader.UnsupportedFileTypeError
	assert.ErrorAs(t, err, &unsupported)

	_, err = c.Ingest(ctx, "bad.txt", []byte("\xff"))
	var decErr *loader.DecodingError
	assert.ErrorAs(t, err, &decErr)

	f.emb.SetErr(errors.New("embedding service down"))
	_, err = c.Ingest(ctx, "fruit.txt", []byte("apples"))
	var embErr *vectorstore.EmbeddingError
	assert.ErrorAs(t, err, &embErr)

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs, "failed uploads are not recorded")
}

func TestDeleteDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, "a.txt", []byte("apples"))
	require.NoError(t, err)
	_, err = c.Ingest(ctx, "b.txt", []byte("bananas"))
	require.NoError(t, err)

	n, err := c.DeleteDocuments(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.txt", docs[0].FileName)

	n, err = c.DeleteDocuments(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	docs, err = c.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestAskRunsAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	ans, err := c.Ask(ctx, "  what is this?  ", nil)
	require.NoError(t, err)
	assert.False(t, ans.Debug)
	assert.Equal(t, "mock response", ans.Response)
	require.NotNil(t, ans.Run)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what is this?", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
	assert.Contains(t, reqs[0].System, retrieval.ToolName)

	assert.Len(t, f.recorded(hooks.EventBeforeAgentRun), 1)
	assert.Eventually(t, func() bool {
		return len(f.recorded(hooks.EventAfterAgentRun)) == 1
	}, time.Second, 5*time.Millisecond)

	sess := f.history.Get("s1")
	require.NotNil(t, sess)
	assert.Len(t, sess.Messages, 2)
}

func TestAskStreams(t *testing.T) {
	f := newFixture(t)
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	var text string
	ans, err := c.Ask(context.Background(), "hello", func(ev llm.StreamEvent) {
		if ev.Type == llm.EventDelta {
			text += ev.Content
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "mock stream response", ans.Response)
	assert.Equal(t, ans.Response, text)
}

func TestAskEmptyQuery(t *testing.T) {
	f := newFixture(t)
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	for _, q := range []string{"", "   ", "chroma:", "chroma:   "} {
		_, err := c.Ask(context.Background(), q, nil)
		assert.ErrorIs(t, err, ErrEmptyQuery, "query %q", q)
	}
	assert.Empty(t, f.mock.Requests())
}

func TestTerminateWipesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)
	other, err := f.mgr.Open("s2")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, "fruit.txt", []byte("apples"))
	require.NoError(t, err)
	_, err = other.Ingest(ctx, "fruit.txt", []byte("apples"))
	require.NoError(t, err)
	_, err = c.Ask(ctx, "hi", nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Terminate(ctx, "s1"))

	assert.Nil(t, f.mgr.Get("s1"))
	assert.True(t, c.Closed())
	assert.True(t, f.guard.Sealed("s1"))
	assert.Nil(t, f.history.Get("s1"))

	docs, err := f.docs.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	results, err := f.guard.Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.guard.Search(ctx, vectorstore.Query{SessionID: "s2", Text: "apples", TopK: 10})
	require.NoError(t, err)
	assert.Len(t, results, 1, "other sessions are untouched")

	_, err = c.Ingest(ctx, "late.txt", []byte("apples"))
	assert.ErrorIs(t, err, vectorstore.ErrSessionClosed)
	_, err = c.Ask(ctx, "hi", nil)
	assert.ErrorIs(t, err, vectorstore.ErrSessionClosed)

	assert.Eventually(t, func() bool {
		ends := f.recorded(hooks.EventSessionEnd)
		return len(ends) == 1 && ends[0].SessionID == "s1" && ends[0].Data["reason"] == "terminated"
	}, time.Second, 5*time.Millisecond)
}

func TestReopenAfterTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.mgr.Open("s1")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Terminate(ctx, "s1"))

	c, err := f.mgr.Open("s1")
	require.NoError(t, err)
	assert.NotSame(t, old, c)
	assert.False(t, f.guard.Sealed("s1"))

	_, err = c.Ingest(ctx, "fruit.txt", []byte("apples"))
	require.NoError(t, err)
}

func TestTerminateUnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.mgr.Terminate(context.Background(), "ghost"))
	assert.ErrorIs(t, f.mgr.Terminate(context.Background(), ""), ErrMissingSession)
}

func TestShutdownClosesAll(t *testing.T) {
	f := newFixture(t)
	for _, id := range []domain.SessionID{"a", "b"} {
		_, err := f.mgr.Open(id)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.Empty(t, f.mgr.List())
}

func TestIngestSerializedPerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mgr.Open("s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ingest(ctx, name, []byte("apples"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 4)
}

func TestMemoryDocumentLog(t *testing.T) {
	l := NewMemoryDocumentLog()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "s1", domain.Document{FileName: "a.txt", Chunks: 1}))
	require.NoError(t, l.Record(ctx, "s1", domain.Document{FileName: "b.txt", Chunks: 2}))
	require.NoError(t, l.Record(ctx, "s1", domain.Document{FileName: "a.txt", Chunks: 3}))

	docs, err := l.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.txt", docs[0].FileName)
	assert.Equal(t, 3, docs[1].Chunks)
	assert.False(t, docs[1].UploadedAt.IsZero())

	ok, err := l.Remove(ctx, "s1", "b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Remove(ctx, "s1", "b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Clear(ctx, "s1"))
	docs, err = l.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}
