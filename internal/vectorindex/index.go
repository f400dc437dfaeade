package vectorindex

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"ivf-rag/internal/helper"
	"ivf-rag/internal/models"
)

// FormatVersion is bumped whenever the persisted layout changes.
const FormatVersion = 1

// Meta describes how an index was built.
type Meta struct {
	FormatVersion int       `json:"format_version"`
	Embedder      string    `json:"embedder"`
	Dimension     int       `json:"dimension"`
	Metric        string    `json:"metric"`
	BuildID       string    `json:"build_id"`
	CreatedAt     time.Time `json:"created_at"`
	ChunkSize     int       `json:"chunk_size"`
	ChunkOverlap  int       `json:"chunk_overlap"`
	Count         int       `json:"count"`
}

// Expectation is what the reader of an index requires of it. Zero fields are
// not checked.
type Expectation struct {
	Embedder  string
	Dimension int
}

// Index is an immutable set of embedded chunks searched by exact cosine
// similarity. It is safe for concurrent readers.
type Index struct {
	meta    Meta
	entries []models.IndexEntry
	norms   []float64
}

// Build creates an index from chunks and their vectors, in order. Missing
// metadata (dimension, build ID, creation time) is filled in.
func Build(meta Meta, chunks []models.Chunk, vectors [][]float32) (*Index, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", models.ErrIndexBuild)
	}
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks but %d vectors", models.ErrIndexBuild, len(chunks), len(vectors))
	}
	if meta.Dimension == 0 {
		meta.Dimension = len(vectors[0])
	}
	if meta.Dimension == 0 {
		return nil, fmt.Errorf("%w: empty vectors", models.ErrIndexBuild)
	}
	if meta.BuildID == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrIndexBuild, err)
		}
		meta.BuildID = id
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.FormatVersion = FormatVersion
	meta.Metric = models.MetricCosine
	meta.Count = len(chunks)

	seen := make(map[string]struct{}, len(chunks))
	entries := make([]models.IndexEntry, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != meta.Dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, expected %d", models.ErrIndexBuild, i, len(vectors[i]), meta.Dimension)
		}
		id := c.ID()
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate entry id %q", models.ErrIndexBuild, id)
		}
		seen[id] = struct{}{}
		entries[i] = models.IndexEntry{ID: id, Order: i, Chunk: c, Embedding: slices.Clone(vectors[i])}
	}
	return newIndex(meta, entries), nil
}

// fromEntries rebuilds a loaded index, rejecting anything Build would not
// have produced.
func fromEntries(meta Meta, entries []models.IndexEntry) (*Index, error) {
	switch {
	case meta.FormatVersion != FormatVersion:
		return nil, fmt.Errorf("%w: unknown format version %d", models.ErrIndexCorrupt, meta.FormatVersion)
	case meta.Metric != models.MetricCosine:
		return nil, fmt.Errorf("%w: unknown metric %q", models.ErrIndexCorrupt, meta.Metric)
	case meta.Dimension <= 0:
		return nil, fmt.Errorf("%w: invalid dimension %d", models.ErrIndexCorrupt, meta.Dimension)
	case len(entries) == 0:
		return nil, fmt.Errorf("%w: no entries", models.ErrIndexCorrupt)
	case meta.Count != len(entries):
		return nil, fmt.Errorf("%w: metadata counts %d entries, found %d", models.ErrIndexCorrupt, meta.Count, len(entries))
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Order != i {
			return nil, fmt.Errorf("%w: entry %q has order %d at position %d", models.ErrIndexCorrupt, e.ID, e.Order, i)
		}
		if len(e.Embedding) != meta.Dimension {
			return nil, fmt.Errorf("%w: entry %q has dimension %d, expected %d", models.ErrIndexCorrupt, e.ID, len(e.Embedding), meta.Dimension)
		}
		if e.ID != e.Chunk.ID() {
			return nil, fmt.Errorf("%w: entry id %q does not match its chunk", models.ErrIndexCorrupt, e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate entry id %q", models.ErrIndexCorrupt, e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return newIndex(meta, entries), nil
}

func newIndex(meta Meta, entries []models.IndexEntry) *Index {
	norms := make([]float64, len(entries))
	for i, e := range entries {
		norms[i] = norm(e.Embedding)
	}
	return &Index{meta: meta, entries: entries, norms: norms}
}

// Check reports whether the index satisfies expect.
func (ix *Index) Check(expect Expectation) error {
	if expect.Embedder != "" && expect.Embedder != ix.meta.Embedder {
		return fmt.Errorf("%w: index was built with embedder %q, current embedder is %q", models.ErrIndexCorrupt, ix.meta.Embedder, expect.Embedder)
	}
	if expect.Dimension > 0 && expect.Dimension != ix.meta.Dimension {
		return fmt.Errorf("%w: index dimension is %d, current embedder produces %d", models.ErrIndexCorrupt, ix.meta.Dimension, expect.Dimension)
	}
	return nil
}

func (ix *Index) Meta() Meta { return ix.meta }

func (ix *Index) Len() int { return len(ix.entries) }

func (ix *Index) Dimension() int { return ix.meta.Dimension }

// Entries returns a copy of the entries in insertion order.
func (ix *Index) Entries() []models.IndexEntry {
	out := make([]models.IndexEntry, len(ix.entries))
	for i, e := range ix.entries {
		e.Embedding = slices.Clone(e.Embedding)
		out[i] = e
	}
	return out
}

// Entry returns the entry with the given insertion order.
func (ix *Index) Entry(order int) (models.IndexEntry, bool) {
	if order < 0 || order >= len(ix.entries) {
		return models.IndexEntry{}, false
	}
	e := ix.entries[order]
	e.Embedding = slices.Clone(e.Embedding)
	return e, true
}

// Query returns the k entries most similar to vector, best first. Equal
// scores keep insertion order. k larger than the index returns every entry.
func (ix *Index) Query(vector []float32, k int) ([]models.ScoredChunk, error) {
	if err := ix.CheckQuery(vector, k); err != nil {
		return nil, err
	}
	qnorm := norm(vector)
	scored := make([]models.ScoredChunk, len(ix.entries))
	for i := range ix.entries {
		scored[i] = models.ScoredChunk{Entry: ix.entries[i], Score: ix.cosine(i, vector, qnorm)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > len(scored) {
		k = len(scored)
	}
	return cloneResults(scored[:k]), nil
}

// Search is Query behind the Searcher interface.
func (ix *Index) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ix.Query(vector, k)
}

// CheckQuery validates a query vector and k against the index.
func (ix *Index) CheckQuery(vector []float32, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidQuery, k)
	}
	if len(vector) != ix.meta.Dimension {
		return fmt.Errorf("%w: query vector has dimension %d, index has %d", models.ErrInvalidQuery, len(vector), ix.meta.Dimension)
	}
	return nil
}

// HasZeroVectors reports whether any entry has a zero-magnitude embedding.
func (ix *Index) HasZeroVectors() bool {
	for _, n := range ix.norms {
		if n == 0 {
			return true
		}
	}
	return false
}

// IsZero reports whether v has zero magnitude.
func IsZero(v []float32) bool {
	return norm(v) == 0
}

// cosine scores entry i against vector; a zero-magnitude side scores 0.
func (ix *Index) cosine(i int, vector []float32, qnorm float64) float64 {
	if qnorm == 0 || ix.norms[i] == 0 {
		return 0
	}
	var dot float64
	for j, v := range ix.entries[i].Embedding {
		dot += float64(v) * float64(vector[j])
	}
	return dot / (qnorm * ix.norms[i])
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cloneResults(in []models.ScoredChunk) []models.ScoredChunk {
	out := make([]models.ScoredChunk, len(in))
	for i, r := range in {
		r.Entry.Embedding = slices.Clone(r.Entry.Embedding)
		out[i] = r
	}
	return out
}
