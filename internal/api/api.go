package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ivf-rag/internal/models"

	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of the retrieval pipeline the HTTP boundary needs.
type Pipeline interface {
	Answer(ctx context.Context, q models.Query) (models.Answer, error)
	Invalidate()
}

type AnswerResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Source is one retrieved passage as shown to clients.
type Source struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Page   int     `json:"page,omitempty"`
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
}

type ErrResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type Server struct {
	pipeline Pipeline
}

func NewServer(pipeline Pipeline) *Server {
	return &Server{pipeline: pipeline}
}

// Handler returns the routes of the query boundary.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/answer", s.handleAnswer)
	mux.HandleFunc("POST /api/index/reload", s.handleReload)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var q models.Query
	if err := decodeJSON(w, r, &q, maxBodyBytes); err != nil {
		log.Debug().Err(err).Msg("Answer decode error")
		writeJSON(w, http.StatusBadRequest, ErrResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		writeJSON(w, http.StatusBadRequest, ErrResp{Error: "query is required"})
		return
	}

	start := time.Now()
	ans, err := s.pipeline.Answer(r.Context(), q)
	if err != nil {
		status := StatusFor(err)
		log.Error().Err(err).Int("status", status).Dur("elapsed", time.Since(start)).Msg("Answer failed")
		writeJSON(w, status, ErrResp{Error: err.Error()})
		return
	}

	resp := AnswerResponse{Answer: ans.Content, Sources: make([]Source, 0, len(ans.Sources))}
	for _, sc := range ans.Sources {
		resp.Sources = append(resp.Sources, Source{
			ID:     sc.Entry.ID,
			Source: sc.Entry.Chunk.Source,
			Page:   sc.Entry.Chunk.Page,
			Score:  sc.Score,
			Text:   sc.Entry.Chunk.Text,
		})
	}
	log.Info().Int("sources", len(resp.Sources)).Dur("elapsed", time.Since(start)).Msg("Answer served")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Invalidate()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// StatusFor maps a pipeline error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrSynthesisTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIndexCorrupt), errors.Is(err, models.ErrNoDocumentsFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrEmbedding), errors.Is(err, models.ErrSynthesis):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, maxBytes int64) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
