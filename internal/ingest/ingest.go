package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"ivf-rag/internal/chunker"
	"ivf-rag/internal/embedding"
	"ivf-rag/internal/models"
	"ivf-rag/internal/parser"
	"ivf-rag/internal/vectorindex"

	"github.com/rs/zerolog/log"
)

// Publisher receives every index that was saved successfully.
type Publisher interface {
	Publish(ctx context.Context, ix *vectorindex.Index) error
}

type Options struct {
	SourceDir  string
	Extensions []string
	Chunking   chunker.Config
	IndexPath  string
	Codec      vectorindex.Codec
	BatchSize  int
	// Publisher is optional.
	Publisher Publisher
}

// Ingest rebuilds the index at opts.IndexPath from every matching document
// under opts.SourceDir. The run is all or nothing: any failure before the
// save leaves the previous index untouched.
func Ingest(ctx context.Context, opts Options, e embedding.Embedder) (*vectorindex.Index, error) {
	start := time.Now()
	if err := opts.Chunking.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIndexBuild, err)
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}
	codec := opts.Codec
	if codec == nil {
		codec = vectorindex.GobCodec{}
	}

	files, err := parser.Discover(opts.SourceDir, exts)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s: %w", models.ErrNoDocumentsFound, opts.SourceDir, err)
	case err != nil:
		return nil, fmt.Errorf("discover documents under %s: %w", opts.SourceDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no %s files under %s", models.ErrNoDocumentsFound, strings.Join(exts, ", "), opts.SourceDir)
	}
	log.Info().Int("files", len(files)).Str("source_dir", opts.SourceDir).Msg("Discovered documents")

	var (
		chunks []models.Chunk
		docs   int
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := parser.Load(path)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(doc.Text) == "" {
			log.Warn().Str("source", path).Msg("Document has no text, skipping")
			continue
		}
		docChunks, err := chunker.ChunkDocument(doc, opts.Chunking)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", path, err)
		}
		log.Debug().Str("source", path).Int("pages", len(doc.Pages)).Int("chunks", len(docChunks)).Msg("Chunked document")
		chunks = append(chunks, docChunks...)
		docs++
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: all %d files under %s are empty", models.ErrNoDocumentsFound, len(files), opts.SourceDir)
	}
	log.Info().Int("documents", docs).Int("chunks", len(chunks)).Msg("Chunked corpus")

	vectors, err := embedding.EmbedChunks(ctx, e, chunks, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	ix, err := vectorindex.Build(vectorindex.Meta{
		Embedder:     e.Name(),
		Dimension:    e.Dimension(),
		ChunkSize:    opts.Chunking.Size,
		ChunkOverlap: opts.Chunking.Overlap,
	}, chunks, vectors)
	if err != nil {
		return nil, err
	}
	if err := ix.Save(opts.IndexPath, codec); err != nil {
		return nil, err
	}

	if opts.Publisher != nil {
		if err := opts.Publisher.Publish(ctx, ix); err != nil {
			return ix, fmt.Errorf("index saved to %s but publishing the mirror failed: %w", opts.IndexPath, err)
		}
	}
	log.Info().Str("index", opts.IndexPath).Str("build_id", ix.Meta().BuildID).Int("entries", ix.Len()).
		Dur("elapsed", time.Since(start)).Msg("Ingestion complete")
	return ix, nil
}
