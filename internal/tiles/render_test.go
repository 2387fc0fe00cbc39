package tiles

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/persistence/cellstore"
)

var red = color.NRGBA{R: 0xff, A: 0xff}

func seeded(t *testing.T, cells ...canvas.Cell) *cellstore.MemStore {
	t.Helper()
	s := cellstore.NewMemStore()
	require.NoError(t, s.Upsert(context.Background(), cells))
	return s
}

func owned(x, y int, col canvas.Color) canvas.Cell {
	return canvas.Cell{X: x, Y: y, Color: col, Owner: "o", AcquiredAt: time.Unix(0, 0)}
}

func TestRenderTileFootprint(t *testing.T) {
	r := NewRenderer(canvas.DefaultGrid(), seeded(t, owned(40, 20, "#ff0000")))
	img, err := r.RenderTile(context.Background(), 0, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, red, img.NRGBAAt(40, 20))
	assert.Equal(t, red, img.NRGBAAt(59, 39))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(60, 20))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(0, 0), "unowned stays transparent")
}

func TestRenderTileStraddlingCell(t *testing.T) {
	// Cell 240..260 spans tiles 0 and 1 at zoom 1.
	r := NewRenderer(canvas.DefaultGrid(), seeded(t, owned(240, 0, "#ff0000")))
	left, err := r.RenderTile(context.Background(), 0, 0, 1)
	require.NoError(t, err)
	right, err := r.RenderTile(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, red, left.NRGBAAt(255, 0))
	assert.Equal(t, red, right.NRGBAAt(3, 0))
	assert.Equal(t, color.NRGBA{}, right.NRGBAAt(4, 0))
}

func TestRenderTileZoomedOutKeepsOnePixel(t *testing.T) {
	r := NewRenderer(canvas.DefaultGrid(), seeded(t, owned(1000, 1000, "#ff0000")))
	img, err := r.RenderTile(context.Background(), 0, 0, 64)
	require.NoError(t, err)
	// floor(1000/64)=15, ceil(1020/64)=16
	assert.Equal(t, red, img.NRGBAAt(15, 15))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(16, 16))
}

func TestRenderTileIdempotent(t *testing.T) {
	r := NewRenderer(canvas.DefaultGrid(), seeded(t,
		owned(0, 0, "#ff0000"), owned(20, 0, "#00ff00"), owned(100, 200, "rgba(0,0,255,0.5)"),
	))
	encode := func() []byte {
		img, err := r.RenderTile(context.Background(), 0, 0, 2)
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, img))
		return buf.Bytes()
	}
	a, b := encode(), encode()
	assert.Equal(t, a, b)

	decoded, err := png.Decode(bytes.NewReader(a))
	require.NoError(t, err)
	assert.Equal(t, 256, decoded.Bounds().Dx())
}

func TestRenderTileRejectsBadKeys(t *testing.T) {
	r := NewRenderer(canvas.DefaultGrid(), cellstore.NewMemStore())
	for _, k := range []canvas.TileKey{{Zoom: 3}, {Zoom: 128}, {X: -1, Zoom: 1}, {X: 79, Zoom: 1}} {
		_, err := r.RenderTile(context.Background(), k.X, k.Y, k.Zoom)
		assert.ErrorIs(t, err, canvas.ErrInvalidCoordinate, "%+v", k)
	}
	_, err := r.RenderTile(context.Background(), 78, 78, 1)
	assert.NoError(t, err, "edge tile partly inside world")
}
