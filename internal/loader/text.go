package loader

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type textStrategy struct {
	splitter *chunker.Splitter
}

func (s *textStrategy) Kind() Kind { return KindText }

func (s *textStrategy) Load(_ context.Context, meta domain.Metadata, data []byte) ([]domain.Chunk, error) {
	text, err := decodeUTF8(meta.FileName, data)
	if err != nil {
		return nil, err
	}
	return splitInto(s.splitter, meta, text), nil
}

// decodeUTF8 validates data, strips a BOM and normalizes line endings.
func decodeUTF8(fileName string, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", &DecodingError{FileName: fileName, Offset: invalidOffset(data)}
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

func invalidOffset(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(data)
}

func splitInto(splitter *chunker.Splitter, meta domain.Metadata, text string) []domain.Chunk {
	parts := splitter.Split(text)
	chunks := make([]domain.Chunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, domain.Chunk{Text: p, Metadata: meta})
	}
	return chunks
}
