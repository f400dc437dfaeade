package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"

	"github.com/rs/zerolog/log"
)

// Embedder maps text to fixed-length vectors. Name identifies the backend and
// model and is persisted with an index so it is never queried by another model.
type Embedder interface {
	Name() string
	// Dimension is 0 until configured or learned from the first response.
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the embedder selected by cfg.Provider.
func New(cfg *config.LLMConfig) (Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Loaded embedder config")

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// ResolveDimension returns the embedder's dimension, probing the model once
// when it is not known yet.
func ResolveDimension(ctx context.Context, e Embedder) (int, error) {
	if d := e.Dimension(); d > 0 {
		return d, nil
	}
	v, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// EmbedChunks embeds chunk texts in batches of batchSize, stopping at the
// first failure.
func EmbedChunks(ctx context.Context, e Embedder, chunks []models.Chunk, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	start := time.Now()
	vectors := make([][]float32, 0, len(chunks))
	for lo := 0; lo < len(chunks); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrEmbedding, err)
		}
		hi := min(lo+batchSize, len(chunks))
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Text)
		}
		batch, err := e.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunks[lo].ID(), err)
		}
		vectors = append(vectors, batch...)
		log.Debug().Int("embedded", len(vectors)).Int("total", len(chunks)).Msg("Embedding progress")
	}
	log.Info().Int("chunks", len(chunks)).Dur("elapsed", time.Since(start)).Str("embedder", e.Name()).Msg("Embedded chunks")
	return vectors, nil
}

// guard enforces the input-length limit and a single output dimension for
// one embedder.
type guard struct {
	name          string
	maxInputChars int

	mu  sync.Mutex
	dim int
}

func newGuard(name string, cfg *config.LLMConfig) *guard {
	return &guard{name: name, maxInputChars: cfg.MaxInputChars, dim: cfg.Dimension}
}

func (g *guard) dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

func (g *guard) checkInputs(texts []string) error {
	if g.maxInputChars <= 0 {
		return nil
	}
	for i, t := range texts {
		if n := utf8.RuneCountInString(t); n > g.maxInputChars {
			return fmt.Errorf("%w: %s: input %d has %d characters, limit is %d", models.ErrEmbedding, g.name, i, n, g.maxInputChars)
		}
	}
	return nil
}

func (g *guard) checkOutputs(want int, vectors [][]float32) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: %s: got %d vectors for %d inputs", models.ErrEmbedding, g.name, len(vectors), want)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: %s: empty vector for input %d", models.ErrEmbedding, g.name, i)
		}
		if g.dim == 0 {
			g.dim = len(v)
			continue
		}
		if len(v) != g.dim {
			return fmt.Errorf("%w: %s: vector %d has dimension %d, expected %d", models.ErrEmbedding, g.name, i, len(v), g.dim)
		}
	}
	return nil
}
