package models

import "fmt"

// Page marks where a page (or sheet, or slide) starts inside a Document's text.
type Page struct {
	Number int
	Offset int // rune offset into Document.Text
}

// Document is the loaded text of one source file.
type Document struct {
	Source string
	Text   string
	Pages  []Page
}

// PageAt returns the page number containing the rune offset, or 0 when the
// document has no page information.
func (d Document) PageAt(offset int) int {
	page := 0
	for _, p := range d.Pages {
		if p.Offset > offset {
			break
		}
		page = p.Number
	}
	return page
}

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	Source string `json:"source"`
	Seq    int    `json:"seq"`    // position within the source document
	Offset int    `json:"offset"` // rune offset within the source document
	Page   int    `json:"page,omitempty"`
	Text   string `json:"text"`
}

// ID is the stable identifier of the chunk inside an index.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s#%d", c.Source, c.Seq)
}

// IndexEntry pairs a chunk with its embedding. Order is the global insertion
// order of the index and is used to break score ties.
type IndexEntry struct {
	ID        string    `json:"id"`
	Order     int       `json:"order"`
	Chunk     Chunk     `json:"chunk"`
	Embedding []float32 `json:"-"`
}

// ScoredChunk is an index entry plus its similarity to a query.
type ScoredChunk struct {
	Entry IndexEntry `json:"entry"`
	Score float64    `json:"score"`
}
