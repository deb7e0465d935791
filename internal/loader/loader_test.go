package loader

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
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

func testLoader(t *testing.T, size, overlap int, opts ...Option) *Loader {
	t.Helper()
	s, err := chunker.NewSplitter(byteTokenizer{}, size, overlap)
	require.NoError(t, err)
	return New(s, logging.New(nil, "silent"), opts...)
}

func TestKindFromFileName(t *testing.T) {
	tests := []struct {
		name    string
		want    Kind
		wantExt string
	}{
		{name: "notes.txt", want: KindText},
		{name: "Paper.PDF", want: KindPDF},
		{name: "dir/readme.md", want: KindMarkdown},
		{name: "report.docx", wantExt: "docx"},
		{name: "Makefile", wantExt: ""},
		{name: "archive.tar.gz", wantExt: "gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := KindFromFileName(tt.name)
			if tt.want != 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.want, kind)
				return
			}
			var unsupported *UnsupportedFileTypeError
			require.ErrorAs(t, err, &unsupported)
			assert.Equal(t, tt.wantExt, unsupported.Ext)
		})
	}
}

func TestUnsupportedFileTypeErrorNamesExtension(t *testing.T) {
	l := testLoader(t, 100, 0)

	_, err := l.Load(context.Background(), "s1", "slides.pptx", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pptx"`)

	_, err = l.Load(context.Background(), "s1", "noext", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(none)")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "txt", KindText.String())
	assert.Equal(t, "pdf", KindPDF.String())
	assert.Equal(t, "md", KindMarkdown.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestLoadRequiresSession(t *testing.T) {
	l := testLoader(t, 100, 0)
	_, err := l.Load(context.Background(), "", "a.txt", []byte("hi"))
	assert.ErrorIs(t, err, ErrMissingSession)
}

func TestLoadText(t *testing.T) {
	l := testLoader(t, 40, 8)

	text := "The quick brown fox jumps over the lazy dog. " +
		"Pack my box with five dozen liquor jugs. " +
		"How vexingly quick daft zebras jump."
	chunks, err := l.Load(context.Background(), "s1", "uploads/pangrams.txt", []byte(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.Equal(t, domain.SessionID("s1"), c.Metadata.SessionID)
		assert.Equal(t, "pangrams.txt", c.Metadata.FileName)
		assert.Equal(t, i, c.Metadata.ChunkIndex)
		assert.LessOrEqual(t, len(c.Text), 40)
		assert.Empty(t, c.Metadata.HeaderPath)
	}

	var found bool
	for _, c := range chunks {
		if strings.Contains(c.Text, "liquor") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoadTextStripsBOMAndCRLF(t *testing.T) {
	l := testLoader(t, 100, 0)

	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("line one\r\nline two")...)
	chunks, err := l.Load(context.Background(), "s1", "a.txt", data)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "line one\nline two", chunks[0].Text)
}

func TestLoadTextInvalidUTF8(t *testing.T) {
	l := testLoader(t, 100, 0)

	_, err := l.Load(context.Background(), "s1", "bad.txt", []byte("ok\xff\xfe"))
	var decErr *DecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "bad.txt", decErr.FileName)
	assert.Equal(t, 2, decErr.Offset)
}

func TestLoadEmptyTextYieldsNoChunks(t *testing.T) {
	l := testLoader(t, 100, 0)
	chunks, err := l.Load(context.Background(), "s1", "empty.txt", []byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

type fakeStrategy struct {
	kind Kind
}

func (f fakeStrategy) Kind() Kind { return f.kind }

func (f fakeStrategy) Load(_ context.Context, meta domain.Metadata, data []byte) ([]domain.Chunk, error) {
	return []domain.Chunk{{Text: "fake:" + string(data), Metadata: meta}}, nil
}

func TestWithStrategyOverridesKind(t *testing.T) {
	l := testLoader(t, 100, 0, WithStrategy(fakeStrategy{kind: KindText}))

	chunks, err := l.Load(context.Background(), "s1", "a.txt", []byte("x"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "fake:x", chunks[0].Text)
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestLoadPDFPagesAndCleanup(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(t, 100, 0, WithTempDir(dir))

	var staged string
	l.strategies[KindPDF].(*pdfStrategy).extract = func(path string) ([]string, error) {
		staged = path
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-fake", string(data))
		return []string{"first page text", "", "third page text"}, nil
	}

	chunks, err := l.Load(context.Background(), "s1", "paper.pdf", []byte("%PDF-fake"))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "first page text", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].Metadata.Page)
	assert.Equal(t, "third page text", chunks[1].Text)
	assert.Equal(t, 3, chunks[1].Metadata.Page)
	assert.Equal(t, 1, chunks[1].Metadata.ChunkIndex)

	assert.NotEmpty(t, staged)
	assert.NoFileExists(t, staged)
	assert.Empty(t, tempFiles(t, dir))
}

func TestLoadPDFCleanupOnExtractionFailure(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(t, 100, 0, WithTempDir(dir))

	l.strategies[KindPDF].(*pdfStrategy).extract = func(string) ([]string, error) {
		return nil, errors.New("boom")
	}

	_, err := l.Load(context.Background(), "s1", "paper.pdf", []byte("data"))
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "paper.pdf", extErr.FileName)
	assert.Empty(t, tempFiles(t, dir))
}

func TestLoadPDFCleanupOnPanic(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(t, 100, 0, WithTempDir(dir))

	l.strategies[KindPDF].(*pdfStrategy).extract = func(string) ([]string, error) {
		panic("malformed xref")
	}

	_, err := l.Load(context.Background(), "s1", "paper.pdf", []byte("data"))
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Contains(t, err.Error(), "malformed xref")
	assert.Empty(t, tempFiles(t, dir))
}

func TestLoadPDFRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(t, 100, 0, WithTempDir(dir))

	_, err := l.Load(context.Background(), "s1", "fake.pdf", []byte("this is not a pdf"))
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Empty(t, tempFiles(t, dir))
}
