package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ivf-rag/internal/config"
	"ivf-rag/internal/models"
	"ivf-rag/internal/vectorindex"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

const insertBatchSize = 500

// Chunk is one index entry mirrored into PostgreSQL.
type Chunk struct {
	bun.BaseModel `bun:"table:ivf_chunks,alias:c"`
	Ord           int             `bun:"ord,pk"`
	ChunkID       string          `bun:"chunk_id,notnull,unique"`
	BuildID       string          `bun:"build_id,notnull"`
	Source        string          `bun:"source,notnull"`
	Seq           int             `bun:"seq,notnull"`
	CharOffset    int             `bun:"char_offset,notnull"`
	PageNumber    int             `bun:"page_number"`
	Content       string          `bun:"content,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
}

// IndexMeta records which index build the chunk table holds.
type IndexMeta struct {
	bun.BaseModel `bun:"table:ivf_chunks_meta,alias:m"`
	BuildID       string    `bun:"build_id,pk"`
	Embedder      string    `bun:"embedder,notnull"`
	Dimension     int       `bun:"dimension,notnull"`
	Count         int       `bun:"count,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	PublishedAt   time.Time `bun:"published_at,notnull"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens (lazily) the configured PostgreSQL driver.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Mirror keeps a copy of the vector index in a pgvector table.
type Mirror struct {
	db    *bun.DB
	table string
}

func NewMirror(db *bun.DB, table string) *Mirror {
	if table == "" {
		table = "ivf_chunks"
	}
	return &Mirror{db: db, table: table}
}

func (m *Mirror) metaTable() string { return m.table + "_meta" }

// InitDB creates the vector extension and the mirror tables.
func (m *Mirror) InitDB(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	if _, err := m.db.NewCreateTable().Model((*Chunk)(nil)).ModelTableExpr("?", bun.Ident(m.table)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create table %s: %w", m.table, err)
	}
	if _, err := m.db.NewCreateTable().Model((*IndexMeta)(nil)).ModelTableExpr("?", bun.Ident(m.metaTable())).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create table %s: %w", m.metaTable(), err)
	}
	return nil
}

// Publish replaces the mirrored rows with the entries of ix in one
// transaction.
func (m *Mirror) Publish(ctx context.Context, ix *vectorindex.Index) error {
	start := time.Now()
	if err := m.InitDB(ctx); err != nil {
		return err
	}
	rows := chunkRows(ix)
	meta := ix.Meta()
	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Chunk)(nil)).ModelTableExpr("? AS c", bun.Ident(m.table)).Where("TRUE").Exec(ctx); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		if _, err := tx.NewDelete().Model((*IndexMeta)(nil)).ModelTableExpr("? AS m", bun.Ident(m.metaTable())).Where("TRUE").Exec(ctx); err != nil {
			return fmt.Errorf("clear meta: %w", err)
		}
		for lo := 0; lo < len(rows); lo += insertBatchSize {
			batch := rows[lo:min(lo+insertBatchSize, len(rows))]
			if _, err := tx.NewInsert().Model(&batch).ModelTableExpr("? AS c", bun.Ident(m.table)).Exec(ctx); err != nil {
				return fmt.Errorf("insert chunks: %w", err)
			}
		}
		row := &IndexMeta{
			BuildID:     meta.BuildID,
			Embedder:    meta.Embedder,
			Dimension:   meta.Dimension,
			Count:       meta.Count,
			CreatedAt:   meta.CreatedAt,
			PublishedAt: time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(row).ModelTableExpr("? AS m", bun.Ident(m.metaTable())).Exec(ctx); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("table", m.table).Int("rows", len(rows)).Str("build_id", meta.BuildID).
		Dur("elapsed", time.Since(start)).Msg("Published index to PostgreSQL")
	return nil
}

// BuildID returns the build currently held by the mirror.
func (m *Mirror) BuildID(ctx context.Context) (string, error) {
	var meta IndexMeta
	err := m.db.NewSelect().Model(&meta).ModelTableExpr("? AS m", bun.Ident(m.metaTable())).Limit(1).Scan(ctx)
	if err != nil {
		return "", err
	}
	return meta.BuildID, nil
}

func chunkRows(ix *vectorindex.Index) []Chunk {
	entries := ix.Entries()
	buildID := ix.Meta().BuildID
	rows := make([]Chunk, len(entries))
	for i, e := range entries {
		rows[i] = Chunk{
			Ord:        e.Order,
			ChunkID:    e.ID,
			BuildID:    buildID,
			Source:     e.Chunk.Source,
			Seq:        e.Chunk.Seq,
			CharOffset: e.Chunk.Offset,
			PageNumber: e.Chunk.Page,
			Content:    e.Chunk.Text,
			Embedding:  pgvector.NewVector(e.Embedding),
		}
	}
	return rows
}

type hit struct {
	Ord      int     `bun:"ord"`
	Distance float64 `bun:"distance"`
}

// Searcher answers queries with pgvector's cosine distance operator. Rows
// come back in the same order as the flat index: by distance, then by
// insertion order.
type Searcher struct {
	mirror *Mirror
	ix     *vectorindex.Index
	// pgvector's <=> yields NaN for zero-magnitude vectors, which sort last
	// instead of scoring 0; such queries go to the flat scan.
	flatOnly bool
}

// NewSearcher checks that the mirror holds the same build as ix.
func NewSearcher(ctx context.Context, mirror *Mirror, ix *vectorindex.Index) (*Searcher, error) {
	buildID, err := mirror.BuildID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mirror metadata: %w", err)
	}
	if want := ix.Meta().BuildID; buildID != want {
		return nil, fmt.Errorf("%w: mirror holds build %s, local index is %s; run ingest again", models.ErrIndexCorrupt, buildID, want)
	}
	return newSearcher(mirror, ix), nil
}

func newSearcher(mirror *Mirror, ix *vectorindex.Index) *Searcher {
	s := &Searcher{mirror: mirror, ix: ix, flatOnly: ix.HasZeroVectors()}
	if s.flatOnly {
		log.Warn().Str("table", mirror.table).Msg("Zero-magnitude vector, pgvector engine falls back to flat search")
	}
	return s
}

func (s *Searcher) searchQuery(vector []float32, k int) *bun.SelectQuery {
	return s.mirror.db.NewSelect().
		TableExpr("? AS c", bun.Ident(s.mirror.table)).
		ColumnExpr("c.ord").
		ColumnExpr("c.embedding <=> ? AS distance", pgvector.NewVector(vector)).
		OrderExpr("distance ASC, c.ord ASC").
		Limit(k)
}

func (s *Searcher) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if err := s.ix.CheckQuery(vector, k); err != nil {
		return nil, err
	}
	if s.flatOnly || vectorindex.IsZero(vector) {
		return s.ix.Search(ctx, vector, k)
	}
	var hits []hit
	if err := s.searchQuery(vector, k).Scan(ctx, &hits); err != nil {
		return nil, fmt.Errorf("search %s: %w", s.mirror.table, err)
	}
	results := make([]models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		e, ok := s.ix.Entry(h.Ord)
		if !ok {
			return nil, fmt.Errorf("%w: mirror returned unknown row %d", models.ErrIndexCorrupt, h.Ord)
		}
		results = append(results, models.ScoredChunk{Entry: e, Score: 1 - h.Distance})
	}
	return results, nil
}
