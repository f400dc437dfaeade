package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ivf-rag/internal/helper"
	"ivf-rag/internal/models"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE meta (
	format_version INTEGER NOT NULL,
	embedder       TEXT    NOT NULL,
	dimension      INTEGER NOT NULL,
	metric         TEXT    NOT NULL,
	build_id       TEXT    NOT NULL,
	created_at     TEXT    NOT NULL,
	chunk_size     INTEGER NOT NULL,
	chunk_overlap  INTEGER NOT NULL,
	count          INTEGER NOT NULL
);
CREATE TABLE entries (
	ord         INTEGER PRIMARY KEY,
	id          TEXT    NOT NULL UNIQUE,
	source      TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	char_offset INTEGER NOT NULL,
	page        INTEGER NOT NULL,
	text        TEXT    NOT NULL,
	embedding   BLOB    NOT NULL
);`

// SQLiteCodec stores the index as a single SQLite database with a meta row
// and one row per entry. Vectors are little-endian float32 BLOBs.
type SQLiteCodec struct{}

func (SQLiteCodec) Name() string { return "sqlite" }

func (SQLiteCodec) write(path string, meta Meta, entries []models.IndexEntry) (err error) {
	tmp, err := helper.TempPath(path)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
			_ = os.Remove(tmp + "-journal")
		}
	}()

	if err := writeSQLite(tmp, meta, entries); err != nil {
		return err
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func writeSQLite(path string, meta Meta, entries []models.IndexEntry) error {
	ctx := context.Background()
	db, err := sql.Open("sqlite", sqliteDSN(path, "rwc"))
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta(format_version, embedder, dimension, metric, build_id, created_at, chunk_size, chunk_overlap, count)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.FormatVersion, meta.Embedder, meta.Dimension, meta.Metric, meta.BuildID,
		meta.CreatedAt.UTC().Format(time.RFC3339Nano), meta.ChunkSize, meta.ChunkOverlap, meta.Count)
	if err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries(ord, id, source, seq, char_offset, page, text, embedding) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		c := e.Chunk
		if _, err := stmt.ExecContext(ctx, e.Order, e.ID, c.Source, c.Seq, c.Offset, c.Page, c.Text, encodeVector(e.Embedding)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (SQLiteCodec) read(path string) (Meta, []models.IndexEntry, error) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", sqliteDSN(path, "ro"))
	if err != nil {
		return Meta{}, nil, err
	}
	defer db.Close()

	var (
		meta      Meta
		createdAt string
	)
	err = db.QueryRowContext(ctx,
		`SELECT format_version, embedder, dimension, metric, build_id, created_at, chunk_size, chunk_overlap, count FROM meta`).
		Scan(&meta.FormatVersion, &meta.Embedder, &meta.Dimension, &meta.Metric, &meta.BuildID,
			&createdAt, &meta.ChunkSize, &meta.ChunkOverlap, &meta.Count)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read meta: %w", err)
	}
	if meta.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Meta{}, nil, fmt.Errorf("read meta: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT ord, id, source, seq, char_offset, page, text, embedding FROM entries ORDER BY ord`)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	var entries []models.IndexEntry
	for rows.Next() {
		var (
			e    models.IndexEntry
			blob []byte
		)
		if err := rows.Scan(&e.Order, &e.ID, &e.Chunk.Source, &e.Chunk.Seq, &e.Chunk.Offset, &e.Chunk.Page, &e.Chunk.Text, &blob); err != nil {
			return Meta{}, nil, fmt.Errorf("read entries: %w", err)
		}
		if e.Embedding, err = decodeVector(blob); err != nil {
			return Meta{}, nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("read entries: %w", err)
	}
	return meta, entries, nil
}

// sqliteDSN builds a SQLite URI for path. Readers use mode "ro" so they never
// create or modify the file.
func sqliteDSN(path, mode string) string {
	return "file:" + uriPathEscaper.Replace(filepath.ToSlash(path)) + "?mode=" + mode
}

var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
