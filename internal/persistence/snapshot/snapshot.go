// Package snapshot reads and writes full-canvas exports as zstd files: one JSON
// header line followed by a gob-encoded body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"pixelcanvas.ai/internal/canvas"
)

const Version = 1

type Header struct {
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	Grid      canvas.Grid `json:"grid"`
	Cells     int         `json:"cells"`
	// Seq is the last broadcast sequence folded into the export, if known.
	Seq uint64 `json:"seq,omitempty"`
}

type CellV1 struct {
	X          int32
	Y          int32
	Color      string
	Group      string
	Owner      string
	AcquiredAt int64
	ExpiresAt  int64 // 0 = never
}

type SnapshotV1 struct {
	Header Header
	Cells  []CellV1
}

func FromCells(h Header, cells []canvas.Cell) SnapshotV1 {
	h.Version = Version
	h.Cells = len(cells)
	out := SnapshotV1{Header: h, Cells: make([]CellV1, len(cells))}
	for i, c := range cells {
		v := CellV1{
			X:          int32(c.X),
			Y:          int32(c.Y),
			Color:      string(c.Color),
			Group:      c.Group,
			Owner:      c.Owner,
			AcquiredAt: c.AcquiredAt.UnixMilli(),
		}
		if c.ExpiresAt != nil {
			v.ExpiresAt = c.ExpiresAt.UnixMilli()
		}
		out.Cells[i] = v
	}
	return out
}

func (s SnapshotV1) ToCells() []canvas.Cell {
	out := make([]canvas.Cell, len(s.Cells))
	for i, v := range s.Cells {
		c := canvas.Cell{
			X:          int(v.X),
			Y:          int(v.Y),
			Color:      canvas.Color(v.Color),
			Group:      v.Group,
			Owner:      v.Owner,
			AcquiredAt: time.UnixMilli(v.AcquiredAt).UTC(),
		}
		if v.ExpiresAt != 0 {
			t := time.UnixMilli(v.ExpiresAt).UTC()
			c.ExpiresAt = &t
		}
		out[i] = c
	}
	return out
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, err
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
