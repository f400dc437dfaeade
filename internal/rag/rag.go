package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ivf-rag/internal/embedding"
	"ivf-rag/internal/llmservice"
	"ivf-rag/internal/models"
	"ivf-rag/internal/vectorindex"

	"github.com/rs/zerolog/log"
)

var thinkTagRe = regexp.MustCompile(models.ThinkTag)

// SearcherFactory builds the search engine for a freshly loaded index.
type SearcherFactory func(ctx context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error)

type Options struct {
	IndexPath string
	Codec     vectorindex.Codec
	TopK      int
	// Timeout bounds each embed and synthesize call; 0 disables it.
	Timeout time.Duration
	// NewSearcher defaults to the flat index scan.
	NewSearcher SearcherFactory
}

type loadedIndex struct {
	ix       *vectorindex.Index
	searcher vectorindex.Searcher
	// gen is the invalidation generation the load started in.
	gen uint64
}

// RAG answers questions from a persisted index. The index is loaded on first
// use and shared read-only by all queries until Invalidate.
type RAG struct {
	opts     Options
	embedder embedding.Embedder
	synth    llmservice.Synthesizer

	mu     sync.Mutex
	loaded atomic.Pointer[loadedIndex]
	gen    atomic.Uint64
}

func NewRAG(opts Options, embedder embedding.Embedder, synth llmservice.Synthesizer) *RAG {
	if opts.Codec == nil {
		opts.Codec = vectorindex.GobCodec{}
	}
	if opts.TopK <= 0 {
		opts.TopK = 2
	}
	if opts.NewSearcher == nil {
		opts.NewSearcher = func(_ context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			return ix, nil
		}
	}
	return &RAG{opts: opts, embedder: embedder, synth: synth}
}

// Invalidate drops the cached index; the next query loads it again. Queries
// already running keep the index they started with.
func (r *RAG) Invalidate() {
	r.gen.Add(1)
	r.loaded.Store(nil)
	log.Info().Str("path", r.opts.IndexPath).Msg("Index invalidated")
}

// Index returns the loaded index, loading it if needed.
func (r *RAG) Index(ctx context.Context) (*vectorindex.Index, error) {
	l, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return l.ix, nil
}

// current returns the cached index unless it was loaded before the last
// Invalidate.
func (r *RAG) current() *loadedIndex {
	if l := r.loaded.Load(); l != nil && l.gen == r.gen.Load() {
		return l
	}
	return nil
}

func (r *RAG) load(ctx context.Context) (*loadedIndex, error) {
	if l := r.current(); l != nil {
		return l, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.current(); l != nil {
		return l, nil
	}

	gen := r.gen.Load()
	start := time.Now()
	embedCtx, cancel := r.withTimeout(ctx)
	dim, err := embedding.ResolveDimension(embedCtx, r.embedder)
	cancel()
	if err != nil {
		return nil, mapTimeout(err)
	}
	ix, err := vectorindex.Load(r.opts.IndexPath, r.opts.Codec, vectorindex.Expectation{
		Embedder:  r.embedder.Name(),
		Dimension: dim,
	})
	if err != nil {
		return nil, err
	}
	searcher, err := r.opts.NewSearcher(ctx, ix)
	if err != nil {
		return nil, fmt.Errorf("build search engine: %w", err)
	}
	l := &loadedIndex{ix: ix, searcher: searcher, gen: gen}
	r.loaded.Store(l)
	log.Info().Str("path", r.opts.IndexPath).Str("build_id", ix.Meta().BuildID).Int("entries", ix.Len()).
		Dur("elapsed", time.Since(start)).Msg("Index loaded")
	return l, nil
}

// Retrieve embeds text and returns the k most similar chunks, best first.
// k <= 0 uses the configured default.
func (r *RAG) Retrieve(ctx context.Context, text string, k int) ([]models.ScoredChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty question", models.ErrInvalidQuery)
	}
	if k <= 0 {
		k = r.opts.TopK
	}
	l, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	embedCtx, cancel := r.withTimeout(ctx)
	vector, err := r.embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		return nil, mapTimeout(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.searcher.Search(ctx, vector, k)
}

// Answer retrieves context for q and asks the answer model.
func (r *RAG) Answer(ctx context.Context, q models.Query) (models.Answer, error) {
	if q.K < 0 {
		return models.Answer{}, fmt.Errorf("%w: k must not be negative", models.ErrInvalidQuery)
	}
	start := time.Now()
	results, err := r.Retrieve(ctx, q.Text, q.K)
	if err != nil {
		return models.Answer{}, err
	}
	prompt := BuildPrompt(q.Text, results, q.Context, q.History)
	log.Debug().Int("retrieved", len(results)).Int("prompt_chars", len(prompt)).Msg("Assembled prompt")

	synthCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	raw, err := r.synth.Synthesize(synthCtx, prompt)
	if err != nil {
		return models.Answer{}, mapTimeout(err)
	}
	content := strings.TrimSpace(thinkTagRe.ReplaceAllString(raw, ""))
	if content == "" {
		return models.Answer{}, fmt.Errorf("%w: %s returned an empty answer", models.ErrSynthesis, r.synth.Name())
	}
	log.Info().Int("sources", len(results)).Dur("elapsed", time.Since(start)).Msg("Answered query")
	return models.Answer{Query: q.Text, Content: content, Sources: results}, nil
}

// BuildPrompt fills the prompt template. The context slot holds the
// retrieved chunks in rank order, then the caller's context and the prior
// turns, each block separated by models.ContextSeparator.
func BuildPrompt(question string, results []models.ScoredChunk, callerContext string, history []models.Turn) string {
	blocks := make([]string, 0, len(results)+2)
	for _, r := range results {
		blocks = append(blocks, r.Entry.Chunk.Text)
	}
	if c := strings.TrimSpace(callerContext); c != "" {
		blocks = append(blocks, "Patient context:\n"+c)
	}
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("Conversation so far:")
		for _, t := range history {
			fmt.Fprintf(&b, "\n%s: %s", t.Role, t.Content)
		}
		blocks = append(blocks, b.String())
	}
	return strings.NewReplacer(
		"{context}", strings.Join(blocks, models.ContextSeparator),
		"{question}", question,
	).Replace(models.PromptTemplate)
}

func (r *RAG) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrSynthesisTimeout) {
		return fmt.Errorf("%w: %w", models.ErrSynthesisTimeout, err)
	}
	return err
}
