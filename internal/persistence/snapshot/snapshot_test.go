package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
)

func TestWriteReadSnapshot(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cells := []canvas.Cell{
		{X: 0, Y: 0, Color: "#ff0000", Group: "G", Owner: "a", AcquiredAt: exp.Add(-time.Hour), ExpiresAt: &exp},
		{X: 20, Y: 0, Color: "#00ff00", Owner: "b", AcquiredAt: exp.Add(-time.Hour)},
	}
	p := filepath.Join(t.TempDir(), "snap", "canvas.snap.zst")
	require.NoError(t, WriteSnapshot(p, FromCells(Header{Grid: canvas.DefaultGrid(), Seq: 9}, cells)))

	h, err := ReadHeader(p)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Cells)
	assert.Equal(t, uint64(9), h.Seq)
	assert.Equal(t, canvas.DefaultGrid(), h.Grid)

	snap, err := ReadSnapshot(p)
	require.NoError(t, err)
	assert.Equal(t, cells, snap.ToCells())
}
