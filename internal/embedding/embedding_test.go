package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"
)

// fakeClient stands in for a langchaingo embeddings.Embedder.
type fakeClient struct {
	dim     int
	calls   int
	failAt  int // 1-based EmbedDocuments call that fails; 0 never
	lastLen int
}

func (f *fakeClient) vector(text string) []float32 {
	v := make([]float32, f.dim)
	v[len(text)%f.dim] = 1
	return v
}

func (f *fakeClient) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.lastLen = len(texts)
	if f.failAt == f.calls {
		return nil, errors.New("connection refused")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeClient) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

func TestLangchainEmbedderLearnsDimension(t *testing.T) {
	e := NewLangchainEmbedder("ollama/test", &fakeClient{dim: 4}, &config.LLMConfig{})
	if e.Dimension() != 0 {
		t.Fatalf("dimension before first call = %d", e.Dimension())
	}
	d, err := ResolveDimension(context.Background(), e)
	if err != nil {
		t.Fatalf("ResolveDimension: %v", err)
	}
	if d != 4 || e.Dimension() != 4 {
		t.Fatalf("dimension = %d / %d, want 4", d, e.Dimension())
	}
	if e.Name() != "ollama/test" {
		t.Fatalf("name = %q", e.Name())
	}
}

func TestLangchainEmbedderDimensionMismatch(t *testing.T) {
	e := NewLangchainEmbedder("ollama/test", &fakeClient{dim: 4}, &config.LLMConfig{Dimension: 8})
	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
}

func TestMaxInputChars(t *testing.T) {
	client := &fakeClient{dim: 4}
	e := NewLangchainEmbedder("ollama/test", client, &config.LLMConfig{MaxInputChars: 5})
	_, err := e.EmbedBatch(context.Background(), []string{"short", "much too long"})
	if !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	if client.calls != 0 {
		t.Fatalf("model called %d times for oversized input", client.calls)
	}
}

func TestEmbedChunksBatchesAndAborts(t *testing.T) {
	chunks := make([]models.Chunk, 5)
	for i := range chunks {
		chunks[i] = models.Chunk{Source: "a.pdf", Seq: i, Text: strings.Repeat("x", i+1)}
	}

	client := &fakeClient{dim: 3}
	e := NewLangchainEmbedder("ollama/test", client, &config.LLMConfig{})
	vectors, err := EmbedChunks(context.Background(), e, chunks, 2)
	if err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	if len(vectors) != 5 || client.calls != 3 || client.lastLen != 1 {
		t.Fatalf("vectors=%d calls=%d last=%d", len(vectors), client.calls, client.lastLen)
	}

	failing := &fakeClient{dim: 3, failAt: 2}
	e = NewLangchainEmbedder("ollama/test", failing, &config.LLMConfig{})
	_, err = EmbedChunks(context.Background(), e, chunks, 2)
	if !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	if failing.calls != 2 {
		t.Fatalf("calls after failure = %d, want 2", failing.calls)
	}
}

func TestEmbedChunksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewLangchainEmbedder("ollama/test", &fakeClient{dim: 3}, &config.LLMConfig{})
	_, err := EmbedChunks(ctx, e, []models.Chunk{{Source: "a", Text: "x"}}, 1)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v", err)
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func openAIServer(t *testing.T, dims func(i int) int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, 0, len(req.Input))
		// reversed to check that results are ordered by index
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims(i))
			vec[0] = float32(i + 1)
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
	}))
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := openAIServer(t, func(int) int { return 3 })
	defer srv.Close()

	e, err := New(&config.LLMConfig{Provider: "openai", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", Key: "Bearer sk-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Name() != "openai/text-embedding-3-small" {
		t.Fatalf("name = %q", e.Name())
	}
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vectors {
		if v[0] != float32(i+1) {
			t.Fatalf("vector %d = %v, results not in input order", i, v)
		}
	}
	if e.Dimension() != 3 {
		t.Fatalf("dimension = %d", e.Dimension())
	}
}

func TestOpenAIEmbedderInconsistentDimension(t *testing.T) {
	srv := openAIServer(t, func(i int) int { return 3 + i })
	defer srv.Close()

	e, err := NewOpenAIEmbedder(&config.LLMConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
}

func TestOpenAIEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, _ := NewOpenAIEmbedder(&config.LLMConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	if _, err := e.Embed(context.Background(), "a"); !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(&config.LLMConfig{Provider: "bert"}); err == nil {
		t.Fatal("expected error")
	}
}
