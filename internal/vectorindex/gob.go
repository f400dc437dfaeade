package vectorindex

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"ivf-rag/internal/helper"
	"ivf-rag/internal/models"
)

var gobMagic = []byte("IVFRAGIX")

// GobCodec stores the index as a magic header, a gob payload and a CRC-32
// of the payload.
type GobCodec struct{}

type gobPayload struct {
	Meta    Meta
	Entries []models.IndexEntry
}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) write(path string, meta Meta, entries []models.IndexEntry) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(gobPayload{Meta: meta, Entries: entries}); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	trailer := make([]byte, 4)
	binary.BigEndian.PutUint32(trailer, crc32.ChecksumIEEE(payload.Bytes()))

	return helper.WriteFileAtomic(path, func(f *os.File) error {
		for _, b := range [][]byte{gobMagic, payload.Bytes(), trailer} {
			if _, err := f.Write(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (GobCodec) read(path string) (Meta, []models.IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, nil, err
	}
	if len(data) < len(gobMagic)+4 {
		return Meta{}, nil, errors.New("file is truncated")
	}
	if !bytes.Equal(data[:len(gobMagic)], gobMagic) {
		return Meta{}, nil, errors.New("not an index file")
	}
	payload := data[len(gobMagic) : len(data)-4]
	want := binary.BigEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return Meta{}, nil, fmt.Errorf("checksum mismatch: %08x != %08x", got, want)
	}
	var p gobPayload
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&p); err != nil {
		return Meta{}, nil, fmt.Errorf("decode index: %w", err)
	}
	return p.Meta, p.Entries, nil
}
