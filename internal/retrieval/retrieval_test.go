package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/soyeahso/docchat/internal/vectorstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, store vectorstore.Store, topK int, minRel float64) *Gateway {
	t.Helper()
	return NewGateway(store, topK, minRel, logging.New(nil, "silent"), WithRetry(3, time.Millisecond))
}

func seeded(t *testing.T) vectorstore.Store {
	t.Helper()
	s := vectorstore.NewMemory(storetest.NewEmbedder())
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "s1", []domain.Chunk{
		{Text: "apples", Metadata: domain.Metadata{SessionID: "s1", FileName: "fruit.md", HeaderPath: []string{"Fruit", "Red"}}},
		{Text: "bananas", Metadata: domain.Metadata{SessionID: "s1", FileName: "paper.pdf", Page: 3}},
	}))
	require.NoError(t, s.Add(ctx, "s2", []domain.Chunk{storetest.Chunk("s2", "other.txt", "apples")}))
	return s
}

func TestFormatMetadata(t *testing.T) {
	got := FormatMetadata(domain.Metadata{
		SessionID:  "s1",
		FileName:   "guide.md",
		HeaderPath: []string{"A", "B"},
		Page:       3,
	})
	assert.Equal(t, "{file_name: guide.md, header_path: A > B, page: 3, session_id: s1}", got)

	assert.Equal(t, "{file_name: a.txt, session_id: s1}",
		FormatMetadata(domain.Metadata{SessionID: "s1", FileName: "a.txt"}))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, NoRelevantDocuments, Format(nil))

	got := Format([]vectorstore.Result{
		{Chunk: storetest.Chunk("s1", "a.txt", "first")},
		{Chunk: storetest.Chunk("s1", "b.txt", "second")},
	})
	want := "{file_name: a.txt, session_id: s1}\nfirst" +
		"===============\n\n" +
		"{file_name: b.txt, session_id: s1}\nsecond"
	assert.Equal(t, want, got)
}

func TestRetrieveIsSessionScoped(t *testing.T) {
	g := newGateway(t, seeded(t), 1, 0)

	out, err := g.ForSession("s1").Retrieve(context.Background(), "apples")
	require.NoError(t, err)
	assert.Equal(t, "{file_name: fruit.md, header_path: Fruit > Red, session_id: s1}\napples", out)

	out, err = g.ForSession("s2").Retrieve(context.Background(), "apples")
	require.NoError(t, err)
	assert.Contains(t, out, "other.txt")
	assert.NotContains(t, out, "fruit.md")
}

func TestRetrieveNoResults(t *testing.T) {
	g := newGateway(t, seeded(t), 4, 0.5)

	out, err := g.ForSession("s3").Retrieve(context.Background(), "apples")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantDocuments, out)
}

func TestRetrieveAppliesSettings(t *testing.T) {
	g := newGateway(t, seeded(t), 4, 0.5)

	out, err := g.ForSession("s1").Retrieve(context.Background(), "apples")
	require.NoError(t, err)
	assert.Equal(t, 0, strings.Count(out, Delimiter), "bananas is below the threshold")
}

// flakyStore fails a fixed number of searches before delegating.
type flakyStore struct {
	vectorstore.Store
	failures int
	calls    int
}

func (f *flakyStore) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.Store.Search(ctx, q)
}

func TestRetrieveRetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{Store: seeded(t), failures: 2}
	g := newGateway(t, fs, 1, 0)

	out, err := g.ForSession("s1").Retrieve(context.Background(), "apples")
	require.NoError(t, err)
	assert.Contains(t, out, "apples")
	assert.Equal(t, 3, fs.calls)
}

func TestRetrieveGivesUpWithRetrievalError(t *testing.T) {
	fs := &flakyStore{Store: seeded(t), failures: 10}
	g := newGateway(t, fs, 1, 0)

	_, err := g.ForSession("s1").Retrieve(context.Background(), "apples")
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.SessionID("s1"), rerr.SessionID)
	assert.Equal(t, 3, fs.calls)
}

func TestRetrieveDoesNotRetryMissingSession(t *testing.T) {
	g := newGateway(t, seeded(t), 1, 0)

	_, err := g.ForSession("").Retrieve(context.Background(), "apples")
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, vectorstore.ErrMissingSession)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"query": "what is go?"}`, "what is go?"},
		{`"bare json string"`, "bare json string"},
		{`plain text query`, "plain text query"},
		{`  {"query": "  padded  "} `, "padded"},
		{`{"other": 1}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQuery(tt.input))
		})
	}
}

func TestRetrieverAsTool(t *testing.T) {
	r := newGateway(t, seeded(t), 1, 0).ForSession("s1")

	assert.Equal(t, ToolName, r.Name())
	assert.NotEmpty(t, r.Description())
	assert.Contains(t, r.InputSchema(), `"query"`)

	out, err := r.Execute(context.Background(), `{"query":"bananas"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "page: 3")

	_, err = r.Execute(context.Background(), `{"query":""}`)
	assert.Error(t, err)
}

func TestRawSearchTrimsQuery(t *testing.T) {
	r := newGateway(t, seeded(t), 1, 0).ForSession("s1")

	out, err := r.RawSearch(context.Background(), "  apples  ")
	require.NoError(t, err)
	assert.Contains(t, out, "fruit.md")
}
