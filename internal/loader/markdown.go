package loader

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxSplitLevel is the deepest heading level that starts a new section.
const maxSplitLevel = 3

// markdownStrategy cuts a document at level 1-3 headings. Sections are not
// token-split; the heading structure defines the boundaries.
type markdownStrategy struct{}

func (s *markdownStrategy) Kind() Kind { return KindMarkdown }

type mdHeading struct {
	level     int
	title     string
	lineStart int // offset of the heading's first line
	bodyStart int // offset just past the heading (including a setext underline)
}

func (s *markdownStrategy) Load(_ context.Context, meta domain.Metadata, data []byte) ([]domain.Chunk, error) {
	src, err := decodeUTF8(meta.FileName, data)
	if err != nil {
		return nil, err
	}
	source := []byte(src)
	headings := splitHeadings(source)

	var (
		chunks []domain.Chunk
		path   [maxSplitLevel]string
	)
	emit := func(body string, headerPath []string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		m := meta
		m.HeaderPath = headerPath
		chunks = append(chunks, domain.Chunk{Text: body, Metadata: m})
	}

	end := len(source)
	if len(headings) > 0 {
		end = headings[0].lineStart
	}
	emit(string(source[:end]), nil)

	for i, h := range headings {
		path[h.level-1] = h.title
		for l := h.level; l < maxSplitLevel; l++ {
			path[l] = ""
		}

		end := len(source)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		start := min(h.bodyStart, end)
		emit(string(source[start:end]), currentPath(path[:h.level]))
	}
	return chunks, nil
}

func currentPath(levels []string) []string {
	var out []string
	for _, t := range levels {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitHeadings returns the top-level headings of level 1-3 in document order.
// Headings nested in quotes or lists and empty headings are left as text.
func splitHeadings(source []byte) []mdHeading {
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var out []mdHeading
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > maxSplitLevel || h.Lines().Len() == 0 {
			continue
		}
		lines := h.Lines()
		first, last := lines.At(0), lines.At(lines.Len()-1)

		var title bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			if i > 0 {
				title.WriteByte(' ')
			}
			seg := lines.At(i)
			title.Write(bytes.TrimSpace(seg.Value(source)))
		}

		start := lineStart(source, first.Start)
		out = append(out, mdHeading{
			level:     h.Level,
			title:     strings.TrimSpace(title.String()),
			lineStart: start,
			bodyStart: headingEnd(source, last.Stop, !atxHeading.Match(source[start:])),
		})
	}
	return out
}

func lineStart(source []byte, off int) int {
	return bytes.LastIndexByte(source[:off], '\n') + 1
}

func lineEnd(source []byte, off int) int {
	if off >= len(source) {
		return len(source)
	}
	i := bytes.IndexByte(source[off:], '\n')
	if i < 0 {
		return len(source)
	}
	return off + i + 1
}

// atxHeading matches a line opening with up to three spaces and one to six
// '#' characters.
var atxHeading = regexp.MustCompile(`^ {0,3}#{1,6}(?:[ \t]|\r?\n|$)`)

// headingEnd returns the offset after the heading line. For setext headings
// the "===" or "---" underline is skipped too.
func headingEnd(source []byte, stop int, setext bool) int {
	end := lineEnd(source, max(stop-1, 0))
	if !setext {
		return end
	}
	next := bytes.TrimSpace(source[end:lineEnd(source, end)])
	if len(next) > 0 && (isRun(next, '=') || isRun(next, '-')) {
		return lineEnd(source, end)
	}
	return end
}

func isRun(b []byte, c byte) bool {
	for _, x := range b {
		if x != c {
			return false
		}
	}
	return true
}
