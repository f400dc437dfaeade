// Package embeddingtest provides deterministic embedders for tests.
package embeddingtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"ivf-rag/internal/models"
)

// Keyword embeds text as the sum of the vectors of the words it contains.
// Unknown words contribute nothing.
type Keyword struct {
	Model   string
	Dim     int
	Weights map[string][]float32
	// FailAfter makes the embedder fail once this many texts have been
	// embedded in total; 0 never fails.
	FailAfter int

	mu       sync.Mutex
	embedded int
}

// IVF returns the embedder used by the embryo-transfer examples: "when" and
// day numbers pull towards timing, "embryo" and "transfer" towards topic.
func IVF() *Keyword {
	return &Keyword{
		Model: "keyword",
		Dim:   3,
		Weights: map[string][]float32{
			"when":     {1, 1, 0},
			"day":      {1, 0, 0},
			"after":    {0.5, 0, 0},
			"3":        {0, 1, 0},
			"5":        {0, 1, 0},
			"embryo":   {0, 0, 0.3},
			"transfer": {0, 0, 0.3},
		},
	}
}

func (k *Keyword) Name() string { return "test/" + k.Model }

func (k *Keyword) Dimension() int { return k.Dim }

// Embedded reports how many texts have been embedded so far.
func (k *Keyword) Embedded() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.embedded
}

func (k *Keyword) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := k.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (k *Keyword) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbedding, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		k.embedded++
		if k.FailAfter > 0 && k.embedded >= k.FailAfter {
			return nil, fmt.Errorf("%w: %s: model unavailable", models.ErrEmbedding, k.Name())
		}
		out[i] = k.vector(text)
	}
	return out, nil
}

func (k *Keyword) vector(text string) []float32 {
	v := make([]float32, k.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for i, x := range k.Weights[w] {
			v[i] += x
		}
	}
	return v
}
