package embedding

import (
	"context"
	"fmt"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangchainEmbedder adapts a langchaingo embeddings.Embedder.
type LangchainEmbedder struct {
	client embeddings.Embedder
	*guard
}

// NewOllamaEmbedder talks to an Ollama server through langchaingo.
func NewOllamaEmbedder(cfg *config.LLMConfig) (*LangchainEmbedder, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		log.Error().Err(err).Msg("Error initializing LLM")
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		log.Error().Err(err).Msg("Error creating embedder")
		return nil, err
	}
	return NewLangchainEmbedder("ollama/"+cfg.Model, embedder, cfg), nil
}

// NewLangchainEmbedder wraps client under the given identity.
func NewLangchainEmbedder(name string, client embeddings.Embedder, cfg *config.LLMConfig) *LangchainEmbedder {
	return &LangchainEmbedder{client: client, guard: newGuard(name, cfg)}
}

func (e *LangchainEmbedder) Name() string { return e.name }

func (e *LangchainEmbedder) Dimension() int { return e.dimension() }

func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkInputs([]string{text}); err != nil {
		return nil, err
	}
	v, err := e.client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrEmbedding, e.name, err)
	}
	if err := e.checkOutputs(1, [][]float32{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.checkInputs(texts); err != nil {
		return nil, err
	}
	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrEmbedding, e.name, err)
	}
	if err := e.checkOutputs(len(texts), vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}
