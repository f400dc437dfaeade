// Package chunker splits document text into overlapping, size-bounded chunks.
//
// Sizes and offsets are counted in runes. A chunk is always a contiguous slice
// of the input, so the text can be rebuilt from the chunks and their offsets.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"ivf-rag/internal/models"
)

// Config holds the target chunk size and the overlap between neighbours, both
// in characters.
type Config struct {
	Size    int
	Overlap int
}

func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be greater than zero, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Size, c.Overlap)
	}
	return nil
}

// Span is a chunk of text located by rune offsets [Start, End).
type Span struct {
	Start int
	End   int
	Text  string
}

// boundary reports whether cutting runes before index p ends a unit of the
// given granularity. Callers guarantee 0 < p < len(runes).
type boundary func(runes []rune, p int) bool

// finer granularities come later; the hard cut is the fallback.
var boundaries = []boundary{paragraphEnd, sentenceEnd, wordEnd}

// Split cuts text into spans no longer than cfg.Size. Whitespace-only text
// yields no spans.
func Split(text string, cfg Config) ([]Span, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	n := len(runes)
	var spans []Span
	start := 0
	for start < n {
		end := n
		if n-start > cfg.Size {
			end = cutPoint(runes, start, cfg)
		}
		spans = append(spans, Span{Start: start, End: end, Text: string(runes[start:end])})
		if end == n {
			break
		}
		start = nextStart(runes, end, cfg.Overlap)
	}
	return spans, nil
}

// ChunkDocument splits a document and attaches source, sequence and page
// metadata. Spans holding only whitespace are dropped.
func ChunkDocument(doc models.Document, cfg Config) ([]models.Chunk, error) {
	spans, err := Split(doc.Text, cfg)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, 0, len(spans))
	for _, s := range spans {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		chunks = append(chunks, models.Chunk{
			Source: doc.Source,
			Seq:    len(chunks),
			Offset: s.Start,
			Page:   doc.PageAt(s.Start),
			Text:   s.Text,
		})
	}
	return chunks, nil
}

// cutPoint picks the end of the chunk starting at start. The cut must leave
// more than cfg.Overlap characters in the chunk so the next start advances.
func cutPoint(runes []rune, start int, cfg Config) int {
	limit := start + cfg.Size
	lowest := start + cfg.Overlap + 1
	for _, isBoundary := range boundaries {
		for p := limit; p >= lowest; p-- {
			if isBoundary(runes, p) {
				return p
			}
		}
	}
	return limit
}

// nextStart backs up from end by overlap characters and then moves forward to
// the first word start, if any, before end.
func nextStart(runes []rune, end, overlap int) int {
	s := end - overlap
	for i := s; i <= end && i < len(runes); i++ {
		if wordStart(runes, i) {
			return i
		}
	}
	return s
}

func paragraphEnd(runes []rune, p int) bool {
	if runes[p-1] != '\n' {
		return false
	}
	for i := p - 2; i >= 0; i-- {
		switch runes[i] {
		case '\n':
			return true
		case ' ', '\t', '\r':
			continue
		default:
			return false
		}
	}
	return false
}

func sentenceEnd(runes []rune, p int) bool {
	if isTerminal(runes[p-1]) && unicode.IsSpace(runes[p]) {
		return true
	}
	return p >= 2 && unicode.IsSpace(runes[p-1]) && isTerminal(runes[p-2])
}

func wordEnd(runes []rune, p int) bool {
	if unicode.IsSpace(runes[p-1]) {
		return true
	}
	return unicode.IsSpace(runes[p])
}

func wordStart(runes []rune, i int) bool {
	if unicode.IsSpace(runes[i]) {
		return false
	}
	return i == 0 || unicode.IsSpace(runes[i-1])
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
