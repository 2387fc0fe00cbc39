package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapZoom(t *testing.T) {
	g := DefaultGrid()
	cases := []struct {
		scale float64
		want  int
	}{
		{4, 1},
		{1, 1},
		{0.5, 2},
		{0.4, 4}, // ceil(2.5)=3 -> 4
		{0.3, 4},
		{0.1, 16},
		{0.05, 32},
		{0.001, 64},
		{0, 64},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, g.SnapZoom(c.scale), "scale=%v", c.scale)
	}
}

func TestSnapZoomMonotonic(t *testing.T) {
	g := DefaultGrid()
	prev := g.SnapZoom(8)
	for s := 8.0; s > 0.0005; s *= 0.93 {
		z := g.SnapZoom(s)
		require.GreaterOrEqual(t, z, prev, "zooming out lowered LOD at scale %v", s)
		require.True(t, isPowerOfTwo(z))
		require.LessOrEqual(t, z, g.MaxZoom)
		require.Equal(t, z, g.SnapZoom(s), "not deterministic")
		prev = z
	}
}

func TestChunkScale(t *testing.T) {
	g := DefaultGrid()
	assert.Equal(t, 1, g.ChunkScale(1))
	assert.Equal(t, 8, g.ChunkScale(8))
	assert.Equal(t, 16, g.ChunkScale(16))
	assert.Equal(t, 16, g.ChunkScale(64))
}

func TestTileAndChunkRects(t *testing.T) {
	g := DefaultGrid()
	assert.Equal(t, Rect{MinX: 512, MinY: 0, MaxX: 768, MaxY: 256}, g.TileRect(TileKey{X: 2, Y: 0, Zoom: 1}))
	assert.Equal(t, Rect{MinX: 1024, MinY: 1024, MaxX: 2048, MaxY: 2048}, g.TileRect(TileKey{X: 1, Y: 1, Zoom: 4}))
	assert.Equal(t, Rect{MinX: 2000, MinY: 0, MaxX: 4000, MaxY: 2000}, g.ChunkRect(ChunkKey{X: 1, Y: 0, Scale: 2}))
}

func TestTileKeysReverseMapping(t *testing.T) {
	g := DefaultGrid()
	// Chunk (0,0) at scale 1 spans tiles 0..3 at zoom 1 (999/256 = 3).
	keys := g.TileKeys(g.ChunkRect(ChunkKey{Scale: 1}), 1)
	require.Len(t, keys, 16)
	assert.Equal(t, TileKey{X: 3, Y: 3, Zoom: 1}, keys[len(keys)-1])

	sp := g.TileSpanFor(Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}, 1)
	assert.Equal(t, Span{MinX: -1, MinY: -1, MaxX: 0, MaxY: 0}, sp)
	assert.Equal(t, 0, g.TileSpanFor(Rect{}, 1).Count())
}

func TestCheckCoord(t *testing.T) {
	g := DefaultGrid()
	require.NoError(t, g.CheckCoord(Coord{X: 0, Y: 19980}))
	assert.ErrorIs(t, g.CheckCoord(Coord{X: 20000, Y: 0}), ErrInvalidCoordinate)
	assert.ErrorIs(t, g.CheckCoord(Coord{X: 5, Y: 0}), ErrInvalidCoordinate)
	assert.ErrorIs(t, g.CheckCoord(Coord{X: -20, Y: 0}), ErrInvalidCoordinate)
}

func TestGridValidate(t *testing.T) {
	require.NoError(t, DefaultGrid().Validate())
	g := DefaultGrid()
	g.MaxZoom = 48
	assert.Error(t, g.Validate())
	g = DefaultGrid()
	g.WorldSize = 20010
	assert.Error(t, g.Validate())
}

func TestRectOps(t *testing.T) {
	a := Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Rect{MinX: 10, MinY: 0, MaxX: 20, MaxY: 10}
	assert.False(t, a.Intersects(b), "half-open edges must not touch")
	assert.True(t, a.Intersects(Rect{MinX: 9, MinY: 9, MaxX: 11, MaxY: 11}))
	assert.Equal(t, Rect{MinX: 0, MinY: 0, MaxX: 20, MaxY: 10}, a.Union(b))
	assert.Equal(t, int64(100), a.Area())
	assert.Equal(t, a, Rect{MinX: 10, MinY: 10, MaxX: 0, MaxY: 0}.Normalize())
}
