// Package loader turns uploaded files into session-tagged chunks.
//
// Dispatch is over a closed set of kinds; each kind has exactly one Strategy.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
)

// Kind is a supported document type.
type Kind int

const (
	KindText Kind = iota + 1
	KindPDF
	KindMarkdown
)

// Kinds lists every supported kind. A Loader must hold a strategy for each.
var Kinds = []Kind{KindText, KindPDF, KindMarkdown}

func (k Kind) String() string {
	switch k {
	case KindText:
		return "txt"
	case KindPDF:
		return "pdf"
	case KindMarkdown:
		return "md"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFromFileName maps a file name's extension to its Kind.
func KindFromFileName(name string) (Kind, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "txt":
		return KindText, nil
	case "pdf":
		return KindPDF, nil
	case "md":
		return KindMarkdown, nil
	default:
		return 0, &UnsupportedFileTypeError{Ext: ext}
	}
}

// ErrMissingSession is returned when a load is attempted without a session id.
var ErrMissingSession = errors.New("loader: session id is required")

// UnsupportedFileTypeError reports an extension outside txt, pdf and md.
type UnsupportedFileTypeError struct {
	Ext string
}

func (e *UnsupportedFileTypeError) Error() string {
	ext := e.Ext
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Sprintf("unsupported file type %q: supported types are txt, pdf, md", ext)
}

// DecodingError reports text that is not valid UTF-8.
type DecodingError struct {
	FileName string
	Offset   int
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decoding %s: invalid UTF-8 at byte %d", e.FileName, e.Offset)
}

// ExtractionError reports a failure to pull text out of a binary document.
type ExtractionError struct {
	FileName string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.FileName, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Strategy loads one kind of document. meta carries the session id and file
// name; the strategy fills in the positional fields.
type Strategy interface {
	Kind() Kind
	Load(ctx context.Context, meta domain.Metadata, data []byte) ([]domain.Chunk, error)
}

// Loader dispatches files to the strategy registered for their kind.
type Loader struct {
	strategies map[Kind]Strategy
	log        *logging.Logger
}

// Option customizes a Loader.
type Option func(*options)

type options struct {
	tempDir    string
	strategies []Strategy
}

// WithTempDir sets the directory used to stage binary documents.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithStrategy replaces the default strategy for s.Kind().
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategies = append(o.strategies, s) }
}

// New creates a Loader whose text and pdf strategies split with splitter.
// It panics if any Kind is left without a strategy.
func New(splitter *chunker.Splitter, log *logging.Logger, opts ...Option) *Loader {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	l := &Loader{
		strategies: map[Kind]Strategy{
			KindText:     &textStrategy{splitter: splitter},
			KindPDF:      &pdfStrategy{splitter: splitter, tempDir: o.tempDir, extract: extractPDFPages},
			KindMarkdown: &markdownStrategy{},
		},
		log: log.Sub("loader"),
	}
	for _, s := range o.strategies {
		l.strategies[s.Kind()] = s
	}
	for _, k := range Kinds {
		if l.strategies[k] == nil {
			panic(fmt.Sprintf("loader: no strategy for kind %s", k))
		}
	}
	return l
}

// Load converts a file into chunks tagged with sessionID and the file's
// base name. It does not touch any store.
func (l *Loader) Load(ctx context.Context, sessionID domain.SessionID, fileName string, data []byte) ([]domain.Chunk, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	kind, err := KindFromFileName(fileName)
	if err != nil {
		return nil, err
	}

	meta := domain.Metadata{
		SessionID: sessionID,
		FileName:  filepath.Base(fileName),
	}
	chunks, err := l.strategies[kind].Load(ctx, meta, data)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Metadata.ChunkIndex = i
	}

	l.log.Debug().
		Str("session", string(sessionID)).
		Str("file", meta.FileName).
		Stringer("kind", kind).
		Int("bytes", len(data)).
		Int("chunks", len(chunks)).
		Msg("document loaded")
	return chunks, nil
}
