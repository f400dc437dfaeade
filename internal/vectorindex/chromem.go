package vectorindex

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strconv"

	"ivf-rag/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

// Searcher answers top-k similarity queries over a loaded index.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
}

const collectionName = "chunks"

// ChromemSearcher serves queries from an in-memory chromem-go collection
// holding the entries of an index.
type ChromemSearcher struct {
	ix         *Index
	db         *chromem.DB
	collection *chromem.Collection
	byID       map[string]int
	// chromem normalizes vectors and cannot represent zero-magnitude ones;
	// such indexes are answered by the flat scan instead.
	flatOnly bool
}

// NewChromemSearcher loads every entry of ix into a fresh collection.
func NewChromemSearcher(ctx context.Context, ix *Index) (*ChromemSearcher, error) {
	s := &ChromemSearcher{ix: ix, db: chromem.NewDB(), byID: make(map[string]int, ix.Len())}
	for i, n := range ix.norms {
		if n == 0 {
			log.Warn().Str("id", ix.entries[i].ID).Msg("Zero-magnitude vector, chromem engine falls back to flat search")
			s.flatOnly = true
			return s, nil
		}
	}

	c, err := s.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	s.collection = c

	docs := make([]chromem.Document, len(ix.entries))
	for i, e := range ix.entries {
		s.byID[e.ID] = i
		docs[i] = chromem.Document{
			ID:      e.ID,
			Content: e.Chunk.Text,
			Metadata: map[string]string{
				"source": e.Chunk.Source,
				"page":   strconv.Itoa(e.Chunk.Page),
			},
			Embedding: slices.Clone(e.Embedding),
		}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("failed to add documents: %w", err)
	}
	log.Debug().Int("documents", c.Count()).Msg("Built chromem collection")
	return s, nil
}

// Search returns the same ranking as Index.Query. chromem does not order
// equal similarities, so the request is widened until the last returned
// result scores below position k, then re-sorted.
func (s *ChromemSearcher) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if err := s.ix.CheckQuery(vector, k); err != nil {
		return nil, err
	}
	qnorm := norm(vector)
	if s.flatOnly || qnorm == 0 {
		return s.ix.Search(ctx, vector, k)
	}

	total := s.collection.Count()
	k = min(k, total)
	n := min(k+1, total)
	var results []chromem.Result
	for {
		var err error
		results, err = s.collection.QueryWithOptions(ctx, chromem.QueryOptions{
			QueryEmbedding: slices.Clone(vector),
			NResults:       n,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query by similarity: %w", err)
		}
		if n >= total || len(results) < n || results[n-1].Similarity != results[k-1].Similarity {
			break
		}
		n = min(2*n, total)
	}

	scored := make([]models.ScoredChunk, 0, len(results))
	for _, r := range results {
		i, ok := s.byID[r.ID]
		if !ok {
			return nil, fmt.Errorf("chromem returned unknown id %q", r.ID)
		}
		scored = append(scored, models.ScoredChunk{Entry: s.ix.entries[i], Score: s.ix.cosine(i, vector, qnorm)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.Order < scored[j].Entry.Order
	})
	return cloneResults(scored[:k]), nil
}
