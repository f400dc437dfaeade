package vectorindex

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ivf-rag/internal/models"

	"github.com/rs/zerolog/log"
)

// Codec is an on-disk format for an index. Writers replace the target file
// atomically.
type Codec interface {
	Name() string
	write(path string, meta Meta, entries []models.IndexEntry) error
	read(path string) (Meta, []models.IndexEntry, error)
}

// CodecByName resolves the index.codec setting.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "gob":
		return GobCodec{}, nil
	case "sqlite":
		return SQLiteCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown index codec %q", name)
	}
}

// Save persists the index at path, replacing any previous file.
func (ix *Index) Save(path string, codec Codec) error {
	start := time.Now()
	if err := codec.write(path, ix.meta, ix.entries); err != nil {
		return fmt.Errorf("save index %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("codec", codec.Name()).Int("entries", len(ix.entries)).
		Dur("elapsed", time.Since(start)).Msg("Saved index")
	return nil
}

// Load reads an index from path and validates it against expect. A missing
// file, unreadable data or a metadata mismatch is ErrIndexCorrupt.
func Load(path string, codec Codec, expect Expectation) (*Index, error) {
	if err := checkExists(path); err != nil {
		return nil, err
	}
	meta, entries, err := codec.read(path)
	if err != nil {
		if errors.Is(err, models.ErrIndexCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, path, err)
	}
	ix, err := fromEntries(meta, entries)
	if err != nil {
		return nil, err
	}
	if err := ix.Check(expect); err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Str("build_id", meta.BuildID).Int("entries", len(entries)).Msg("Loaded index")
	return ix, nil
}

// ReadMeta returns only the metadata of a persisted index, without
// validating the entries.
func ReadMeta(path string, codec Codec) (Meta, error) {
	if err := checkExists(path); err != nil {
		return Meta{}, err
	}
	meta, _, err := codec.read(path)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, path, err)
	}
	return meta, nil
}

// checkExists reports a missing index as ErrIndexCorrupt wrapping
// os.ErrNotExist. Codecs must never be asked to read a path that is absent.
func checkExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no index at %s: %w", models.ErrIndexCorrupt, path, err)
		}
		return err
	}
	return nil
}
