package llmservice

import (
	"context"
	"fmt"
	"strings"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Synthesizer turns a finished prompt into answer text.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, prompt string) (string, error)
}

// LLMSynthesizer answers prompts with a langchaingo model.
type LLMSynthesizer struct {
	name string
	llm  llms.Model
}

// New builds the synthesizer selected by cfg.Provider.
func New(cfg *config.LLMConfig) (*LLMSynthesizer, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Loaded inference config")

	var (
		llm llms.Model
		err error
	)
	switch cfg.Provider {
	case "ollama":
		llm, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported inference provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s model: %w", cfg.Provider, err)
	}
	return NewLLMSynthesizer(cfg.Provider+"/"+cfg.Model, llm), nil
}

func NewLLMSynthesizer(name string, llm llms.Model) *LLMSynthesizer {
	return &LLMSynthesizer{name: name, llm: llm}
}

func (s *LLMSynthesizer) Name() string { return s.name }

// Synthesize sends prompt as a single human message and returns the first
// choice. Model failures wrap ErrSynthesis.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, prompt string) (string, error) {
	msgContent := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}
	res, err := GenerateContent(ctx, s.llm, nil, msgContent)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", models.ErrSynthesis, s.name, err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: %s: empty response from model", models.ErrSynthesis, s.name)
	}
	return res.Choices[0].Content, nil
}

// GenerateContent calls llm, passing tools only when there are any.
func GenerateContent(ctx context.Context, llm llms.Model, tools []llms.Tool, messages []llms.MessageContent) (*llms.ContentResponse, error) {
	if len(tools) > 0 {
		return llm.GenerateContent(ctx, messages, llms.WithTools(tools))
	}
	return llm.GenerateContent(ctx, messages)
}
