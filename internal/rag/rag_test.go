package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ivf-rag/internal/chunker"
	"ivf-rag/internal/embedding/embeddingtest"
	"ivf-rag/internal/ingest"
	"ivf-rag/internal/models"
	"ivf-rag/internal/vectorindex"
)

const embryoSentence = "Embryo transfer is typically performed on day 3 or day 5 after fertilization."

type fakeSynth struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
	block   bool
}

func (f *fakeSynth) Name() string { return "fake/answer" }

func (f *fakeSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", errors.Join(models.ErrSynthesis, ctx.Err())
	}
	return f.reply, f.err
}

func (f *fakeSynth) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func buildIndex(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	indexPath := filepath.Join(t.TempDir(), "index.gob")
	_, err := ingest.Ingest(context.Background(), ingest.Options{
		SourceDir:  dir,
		Extensions: []string{".txt"},
		Chunking:   chunker.Config{Size: 40, Overlap: 10},
		IndexPath:  indexPath,
		BatchSize:  8,
	}, embeddingtest.IVF())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return indexPath
}

func TestAnswerEmbryoExample(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	synth := &fakeSynth{reply: "<think>\nday 3 vs day 5\n</think>\n  Usually on day 3 or day 5.  "}
	r := NewRAG(Options{IndexPath: indexPath, TopK: 1}, embeddingtest.IVF(), synth)

	ans, err := r.Answer(context.Background(), models.Query{Text: "When is embryo transfer performed?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Content != "Usually on day 3 or day 5." {
		t.Fatalf("content = %q", ans.Content)
	}
	if ans.Query != "When is embryo transfer performed?" {
		t.Fatalf("query = %q", ans.Query)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Entry.Chunk.Text != "performed on day 3 or day 5 after " {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	prompt := synth.lastPrompt()
	if !strings.Contains(prompt, "# Context: performed on day 3 or day 5 after ") {
		t.Fatalf("prompt missing context: %q", prompt)
	}
	if !strings.Contains(prompt, "# Question: When is embryo transfer performed?") {
		t.Fatalf("prompt missing question: %q", prompt)
	}
}

func TestAnswerQueryKOverridesDefault(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	r := NewRAG(Options{IndexPath: indexPath, TopK: 1}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})

	ans, err := r.Answer(context.Background(), models.Query{Text: "When is embryo transfer performed?", K: 10})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ans.Sources) != 3 {
		t.Fatalf("sources = %d, want every entry", len(ans.Sources))
	}
	for i := 1; i < len(ans.Sources); i++ {
		if ans.Sources[i-1].Score < ans.Sources[i].Score {
			t.Fatalf("sources not ranked: %+v", ans.Sources)
		}
	}
}

func TestAnswerInvalidQuery(t *testing.T) {
	synth := &fakeSynth{reply: "ok"}
	r := NewRAG(Options{IndexPath: filepath.Join(t.TempDir(), "absent.gob")}, embeddingtest.IVF(), synth)
	for _, q := range []models.Query{{Text: ""}, {Text: "  \n\t"}, {Text: "ok?", K: -1}} {
		if _, err := r.Answer(context.Background(), q); !errors.Is(err, models.ErrInvalidQuery) {
			t.Errorf("Answer(%+v) err = %v, want ErrInvalidQuery", q, err)
		}
	}
	if len(synth.prompts) != 0 {
		t.Fatal("synthesizer called for an invalid query")
	}
}

func TestAnswerMissingIndex(t *testing.T) {
	r := NewRAG(Options{IndexPath: filepath.Join(t.TempDir(), "absent.gob")}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})
	if _, err := r.Answer(context.Background(), models.Query{Text: "When?"}); !errors.Is(err, models.ErrIndexCorrupt) {
		t.Fatalf("err = %v, want ErrIndexCorrupt", err)
	}
}

func TestAnswerRejectsIndexFromOtherEmbedder(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	other := embeddingtest.IVF()
	other.Model = "other"
	r := NewRAG(Options{IndexPath: indexPath}, other, &fakeSynth{reply: "ok"})
	if _, err := r.Answer(context.Background(), models.Query{Text: "When?"}); !errors.Is(err, models.ErrIndexCorrupt) {
		t.Fatalf("err = %v, want ErrIndexCorrupt", err)
	}
}

func TestAnswerEmptyReply(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	r := NewRAG(Options{IndexPath: indexPath}, embeddingtest.IVF(), &fakeSynth{reply: "<think>only thinking</think>\n "})
	if _, err := r.Answer(context.Background(), models.Query{Text: "When?"}); !errors.Is(err, models.ErrSynthesis) {
		t.Fatalf("err = %v, want ErrSynthesis", err)
	}
}

func TestAnswerSynthesisError(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	synthErr := errors.Join(models.ErrSynthesis, errors.New("model not found"))
	r := NewRAG(Options{IndexPath: indexPath}, embeddingtest.IVF(), &fakeSynth{err: synthErr})
	_, err := r.Answer(context.Background(), models.Query{Text: "When?"})
	if !errors.Is(err, models.ErrSynthesis) || errors.Is(err, models.ErrSynthesisTimeout) {
		t.Fatalf("err = %v, want ErrSynthesis only", err)
	}
}

func TestAnswerTimeout(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	r := NewRAG(Options{IndexPath: indexPath, Timeout: 20 * time.Millisecond}, embeddingtest.IVF(), &fakeSynth{block: true})

	start := time.Now()
	_, err := r.Answer(context.Background(), models.Query{Text: "When?"})
	if !errors.Is(err, models.ErrSynthesisTimeout) {
		t.Fatalf("err = %v, want ErrSynthesisTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestAnswerCallerCancellation(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	r := NewRAG(Options{IndexPath: indexPath}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Answer(ctx, models.Query{Text: "When?"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, models.ErrSynthesisTimeout) {
		t.Fatal("cancellation reported as timeout")
	}
}

func TestConcurrentFirstQueryLoadsOnce(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	var loads atomic.Int32
	r := NewRAG(Options{
		IndexPath: indexPath,
		NewSearcher: func(_ context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			loads.Add(1)
			return ix, nil
		},
	}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Answer(context.Background(), models.Query{Text: "When is embryo transfer performed?"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Answer: %v", err)
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("index loaded %d times, want 1", n)
	}

	r.Invalidate()
	if _, err := r.Retrieve(context.Background(), "day 3", 1); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if n := loads.Load(); n != 2 {
		t.Fatalf("index loaded %d times after invalidate, want 2", n)
	}
}

func TestInvalidatePicksUpRebuiltIndex(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	r := NewRAG(Options{IndexPath: indexPath}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})
	first, err := r.Index(context.Background())
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	rebuilt := buildIndex(t, map[string]string{"short.txt": "Day 5."})
	data, err := os.ReadFile(rebuilt)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(indexPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	same, _ := r.Index(context.Background())
	if same.Meta().BuildID != first.Meta().BuildID {
		t.Fatal("index reloaded without Invalidate")
	}
	r.Invalidate()
	second, err := r.Index(context.Background())
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if second.Meta().BuildID == first.Meta().BuildID || second.Len() != 1 {
		t.Fatalf("reloaded index = %+v", second.Meta())
	}
}

func TestChromemEngineAnswersLikeFlat(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	flat := NewRAG(Options{IndexPath: indexPath, TopK: 3}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})
	chromem := NewRAG(Options{
		IndexPath: indexPath,
		TopK:      3,
		NewSearcher: func(ctx context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			return vectorindex.NewChromemSearcher(ctx, ix)
		},
	}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})

	want, err := flat.Retrieve(context.Background(), "When is embryo transfer performed?", 0)
	if err != nil {
		t.Fatalf("flat: %v", err)
	}
	got, err := chromem.Retrieve(context.Background(), "When is embryo transfer performed?", 0)
	if err != nil {
		t.Fatalf("chromem: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Entry.ID != want[i].Entry.ID {
			t.Fatalf("rank %d: %s, want %s", i, got[i].Entry.ID, want[i].Entry.ID)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	results := []models.ScoredChunk{
		{Entry: models.IndexEntry{Chunk: models.Chunk{Text: "first passage"}}, Score: 0.9},
		{Entry: models.IndexEntry{Chunk: models.Chunk{Text: "second passage"}}, Score: 0.5},
	}

	got := BuildPrompt("When?", results, "", nil)
	want := strings.NewReplacer("{context}", "first passage\n---\nsecond passage", "{question}", "When?").Replace(models.PromptTemplate)
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}

	got = BuildPrompt("And then?", results[:1], " I am 38. ", []models.Turn{
		{Role: "user", Content: "When?"},
		{Role: "assistant", Content: "Day 5."},
	})
	wantContext := "first passage\n---\nPatient context:\nI am 38.\n---\nConversation so far:\nuser: When?\nassistant: Day 5."
	if !strings.Contains(got, "# Context: "+wantContext+"\n\n# Question: And then?") {
		t.Fatalf("prompt = %q", got)
	}
}

func TestBuildPromptKeepsPlaceholdersInInput(t *testing.T) {
	results := []models.ScoredChunk{{Entry: models.IndexEntry{Chunk: models.Chunk{Text: "literal {question} in text"}}}}
	got := BuildPrompt("q", results, "", nil)
	if !strings.Contains(got, "literal {question} in text") {
		t.Fatalf("placeholder in context was substituted: %q", got)
	}
}

func TestInvalidateDuringLoadIsNotLost(t *testing.T) {
	indexPath := buildIndex(t, map[string]string{"transfer.txt": embryoSentence})
	var (
		r     *RAG
		loads atomic.Int32
	)
	r = NewRAG(Options{
		IndexPath: indexPath,
		NewSearcher: func(_ context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			if loads.Add(1) == 1 {
				// a reload request arrives after the file was read
				r.Invalidate()
			}
			return ix, nil
		},
	}, embeddingtest.IVF(), &fakeSynth{reply: "ok"})

	if _, err := r.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if _, err := r.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n := loads.Load(); n != 2 {
		t.Fatalf("index loaded %d times, want a reload after the concurrent invalidate", n)
	}
	if _, err := r.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n := loads.Load(); n != 2 {
		t.Fatalf("index loaded %d times, want the second load cached", n)
	}
}
