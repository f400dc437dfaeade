package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder calls the embeddings endpoint of any OpenAI-compatible API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	*guard
}

func NewOpenAIEmbedder(cfg *config.LLMConfig) (*OpenAIEmbedder, error) {
	clientCfg := openai.DefaultConfig(strings.TrimPrefix(cfg.Key, "Bearer "))
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		guard:  newGuard("openai/"+cfg.Model, cfg),
	}, nil
}

func (e *OpenAIEmbedder) Name() string { return e.name }

func (e *OpenAIEmbedder) Dimension() int { return e.dimension() }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.checkInputs(texts); err != nil {
		return nil, err
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrEmbedding, e.name, err)
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors := make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = append([]float32(nil), d.Embedding...)
	}
	if err := e.checkOutputs(len(texts), vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}
