// Package chunker splits text into token-bounded, overlapping passages.
//
// Splits prefer structural boundaries (paragraph, line, sentence, word) and
// only fall back to cutting on raw token boundaries when a single piece is
// still too large to share a chunk with the overlap.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tokenizer converts between text and model tokens. Chunk boundaries depend
// on the tokenizer, so a different chat model yields different chunks.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

const (
	DefaultSizeTokens    = 4000
	DefaultOverlapTokens = 200
)

// DefaultSeparators lists boundaries from coarsest to finest.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// Splitter is a recursive token-bounded text splitter. It is safe for
// concurrent use as long as the tokenizer is.
type Splitter struct {
	tok        Tokenizer
	size       int
	overlap    int
	separators []string
}

// Option customizes a Splitter.
type Option func(*Splitter)

// WithSeparators replaces the separator ladder.
func WithSeparators(seps ...string) Option {
	return func(s *Splitter) { s.separators = seps }
}

// NewSplitter creates a splitter producing chunks of at most size tokens,
// with overlap tokens shared between neighbours.
func NewSplitter(tok Tokenizer, size, overlap int, opts ...Option) (*Splitter, error) {
	if tok == nil {
		return nil, fmt.Errorf("chunker: tokenizer is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunker: overlap must be in [0, %d), got %d", size, overlap)
	}
	s := &Splitter{
		tok:        tok,
		size:       size,
		overlap:    overlap,
		separators: DefaultSeparators,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Size returns the maximum chunk size in tokens.
func (s *Splitter) Size() int { return s.size }

// Overlap returns the configured overlap in tokens.
func (s *Splitter) Overlap() int { return s.overlap }

// Count returns the token length of text.
func (s *Splitter) Count(text string) int {
	return len(s.tok.Encode(text))
}

// Split breaks text into ordered chunks. Whitespace-only input yields nil.
//
// Text that fits in one chunk is returned whole. Longer text is cut into
// pieces of at most size-overlap tokens, and every chunk after the first
// starts with the last overlap tokens of the chunk before it.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.Count(text) <= s.size {
		return []string{text}
	}
	var out []string
	for _, c := range s.merge(s.pieces(text, s.separators, nil)) {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// piece is a run of text with its token count.
type piece struct {
	text   string
	tokens int
}

// budget is the number of new tokens a chunk may take on.
func (s *Splitter) budget() int { return s.size - s.overlap }

// pieces cuts text on the coarsest separator it contains and recurses into
// any piece still over budget. Each piece is tokenized once per level.
func (s *Splitter) pieces(text string, seps []string, out []piece) []piece {
	sep, rest := "", []string(nil)
	for i, c := range seps {
		if c != "" && strings.Contains(text, c) {
			sep, rest = c, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return s.hardCut(text, out)
	}
	for _, p := range splitKeep(text, sep) {
		if n := s.Count(p); n <= s.budget() {
			out = append(out, piece{text: p, tokens: n})
			continue
		}
		out = s.pieces(p, rest, out)
	}
	return out
}

// hardCut slices text on token boundaries into budget-sized pieces.
func (s *Splitter) hardCut(text string, out []piece) []piece {
	tokens := s.tok.Encode(text)
	for start := 0; start < len(tokens); start += s.budget() {
		end := min(start+s.budget(), len(tokens))
		out = append(out, piece{text: s.tok.Decode(tokens[start:end]), tokens: end - start})
	}
	return out
}

// merge greedily packs pieces into chunks using running token totals. The
// finished chunk is encoded once, both to check its size and to take the
// overlap tail carried into the next chunk.
func (s *Splitter) merge(pieces []piece) []string {
	var (
		out     []string
		carry   string
		carried int
		parts   strings.Builder
		fresh   int
	)
	flush := func() {
		chunk := carry + parts.String()
		tokens := s.tok.Encode(chunk)
		// joined text can tokenize longer than its parts; give up overlap
		if drop := min(len(tokens)-s.size, carried); drop > 0 {
			tokens = tokens[drop:]
			chunk = s.tok.Decode(tokens)
		}
		out = append(out, chunk)

		carry, carried = "", 0
		if s.overlap > 0 {
			k := min(s.overlap, len(tokens))
			carry = trimBrokenRunes(s.tok.Decode(tokens[len(tokens)-k:]))
			carried = k
		}
		parts.Reset()
		fresh = 0
	}
	for _, p := range pieces {
		if fresh > 0 && fresh+p.tokens > s.budget() {
			flush()
		}
		parts.WriteString(p.text)
		fresh += p.tokens
	}
	if fresh > 0 {
		flush()
	}
	return out
}

// trimBrokenRunes drops the bytes of a rune cut in half by a token boundary.
func trimBrokenRunes(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[size:]
	}
	return s
}

// splitKeep splits on sep, keeping the separator at the end of each piece
// so that concatenating the pieces reproduces text.
func splitKeep(text, sep string) []string {
	var out []string
	for {
		i := strings.Index(text, sep)
		if i < 0 {
			break
		}
		out = append(out, text[:i+len(sep)])
		text = text[i+len(sep):]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
