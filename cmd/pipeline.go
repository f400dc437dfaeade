package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"ivf-rag/internal/db"
	"ivf-rag/internal/embedding"
	"ivf-rag/internal/llmservice"
	"ivf-rag/internal/rag"
	"ivf-rag/internal/vectorindex"
)

// openMirror connects to the configured PostgreSQL database.
func openMirror() (*db.Mirror, func(), error) {
	dbClient, err := db.ConnectDB(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	dbInstance := db.NewDB(dbClient, cfg.Database.Debug)
	closeFn := func() {
		if err := dbInstance.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}
	return db.NewMirror(dbInstance, cfg.Database.Table), closeFn, nil
}

// newPipeline wires the embedder, answer model and search engine from cfg.
func newPipeline() (*rag.RAG, func(), error) {
	embedder, err := embedding.New(&cfg.EmbedLLM)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize embedder: %w", err)
	}
	synth, err := llmservice.New(&cfg.InferenceLLM)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize answer model: %w", err)
	}
	codec, err := vectorindex.CodecByName(cfg.Index.Codec)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	var factory rag.SearcherFactory
	switch cfg.Index.Engine {
	case "chromem":
		factory = func(ctx context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			return vectorindex.NewChromemSearcher(ctx, ix)
		}
	case "pgvector":
		mirror, closeDB, err := openMirror()
		if err != nil {
			return nil, nil, err
		}
		closeFn = closeDB
		factory = func(ctx context.Context, ix *vectorindex.Index) (vectorindex.Searcher, error) {
			return db.NewSearcher(ctx, mirror, ix)
		}
	}
	log.Debug().Str("engine", cfg.Index.Engine).Str("embedder", embedder.Name()).Str("model", synth.Name()).Msg("Pipeline configured")

	return rag.NewRAG(rag.Options{
		IndexPath:   cfg.Index.Path,
		Codec:       codec,
		TopK:        cfg.RAG.TopK,
		Timeout:     cfg.RAG.Timeout,
		NewSearcher: factory,
	}, embedder, synth), closeFn, nil
}
