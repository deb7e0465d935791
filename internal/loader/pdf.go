package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/domain"
)

// pageExtractor returns the plain text of each page of the pdf at path,
// in page order.
type pageExtractor func(path string) ([]string, error)

type pdfStrategy struct {
	splitter *chunker.Splitter
	tempDir  string
	extract  pageExtractor
}

func (s *pdfStrategy) Kind() Kind { return KindPDF }

// Load stages data in a temp file for the parser. The file is removed on
// every return path, including parser panics.
func (s *pdfStrategy) Load(ctx context.Context, meta domain.Metadata, data []byte) ([]domain.Chunk, error) {
	f, err := os.CreateTemp(s.tempDir, "docchat-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", meta.FileName, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("staging %s: %w", meta.FileName, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("staging %s: %w", meta.FileName, err)
	}

	pages, err := s.safeExtract(path)
	if err != nil {
		return nil, &ExtractionError{FileName: meta.FileName, Err: err}
	}

	var chunks []domain.Chunk
	for i, text := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageMeta := meta
		pageMeta.Page = i + 1
		chunks = append(chunks, splitInto(s.splitter, pageMeta, text)...)
	}
	return chunks, nil
}

func (s *pdfStrategy) safeExtract(path string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	return s.extract(path)
}

func extractPDFPages(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}
