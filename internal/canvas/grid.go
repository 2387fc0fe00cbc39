package canvas

import (
	"fmt"
	"math"
)

// Grid holds the fixed geometry shared by the server and every viewer.
type Grid struct {
	WorldSize     int `json:"world_size" yaml:"world_size"`
	CellSize      int `json:"cell_size" yaml:"cell_size"`
	TileSize      int `json:"tile_size" yaml:"tile_size"`
	MaxZoom       int `json:"max_zoom" yaml:"max_zoom"`
	ChunkSize     int `json:"chunk_size" yaml:"chunk_size"`
	MaxChunkScale int `json:"max_chunk_scale" yaml:"max_chunk_scale"`
}

func DefaultGrid() Grid {
	return Grid{
		WorldSize:     20000,
		CellSize:      20,
		TileSize:      256,
		MaxZoom:       64,
		ChunkSize:     1000,
		MaxChunkScale: 16,
	}
}

func (g Grid) Validate() error {
	if g.WorldSize <= 0 || g.CellSize <= 0 || g.TileSize <= 0 || g.ChunkSize <= 0 {
		return fmt.Errorf("grid sizes must be positive: %+v", g)
	}
	if g.WorldSize%g.CellSize != 0 {
		return fmt.Errorf("world_size %d is not a multiple of cell_size %d", g.WorldSize, g.CellSize)
	}
	if g.WorldSize > math.MaxUint16+1 {
		// Binary chunk records carry u16 coordinates.
		return fmt.Errorf("world_size %d exceeds u16 coordinate range", g.WorldSize)
	}
	if !isPowerOfTwo(g.MaxZoom) {
		return fmt.Errorf("max_zoom %d must be a power of two", g.MaxZoom)
	}
	if !isPowerOfTwo(g.MaxChunkScale) {
		return fmt.Errorf("max_chunk_scale %d must be a power of two", g.MaxChunkScale)
	}
	return nil
}

// Bounds is the whole world rectangle.
func (g Grid) Bounds() Rect { return Rect{MaxX: g.WorldSize, MaxY: g.WorldSize} }

func (g Grid) InBounds(c Coord) bool { return g.Bounds().Contains(c.X, c.Y) }

func (g Grid) Aligned(c Coord) bool { return mod(c.X, g.CellSize) == 0 && mod(c.Y, g.CellSize) == 0 }

// CheckCoord reports ErrInvalidCoordinate for out-of-bounds or misaligned cells.
func (g Grid) CheckCoord(c Coord) error {
	if !g.InBounds(c) {
		return fmt.Errorf("%w: (%d,%d) outside [0,%d)", ErrInvalidCoordinate, c.X, c.Y, g.WorldSize)
	}
	if !g.Aligned(c) {
		return fmt.Errorf("%w: (%d,%d) not aligned to %d", ErrInvalidCoordinate, c.X, c.Y, g.CellSize)
	}
	return nil
}

// CellRect is the world footprint of the cell at c.
func (g Grid) CellRect(c Coord) Rect {
	return Rect{MinX: c.X, MinY: c.Y, MaxX: c.X + g.CellSize, MaxY: c.Y + g.CellSize}
}

// SnapCoord aligns an arbitrary world point down to its cell origin.
func (g Grid) SnapCoord(x, y int) Coord {
	return Coord{X: floorDiv(x, g.CellSize) * g.CellSize, Y: floorDiv(y, g.CellSize) * g.CellSize}
}

func (g Grid) ValidZoom(zoom int) bool { return isPowerOfTwo(zoom) && zoom <= g.MaxZoom }

// SnapZoom maps a continuous view scale (screen px per world unit) to a
// power-of-two LOD factor in [1, MaxZoom]. Zooming out never lowers the result.
func (g Grid) SnapZoom(scale float64) int {
	desired := 1
	if scale > 0 && scale < 1 {
		d := math.Ceil(1 / scale)
		if d > float64(g.MaxZoom) {
			return g.MaxZoom
		}
		desired = int(d)
	} else if scale <= 0 || math.IsNaN(scale) {
		return g.MaxZoom
	}
	if desired > g.MaxZoom {
		desired = g.MaxZoom
	}
	snapped := 1
	for snapped < desired {
		snapped <<= 1
	}
	if snapped > g.MaxZoom {
		snapped = g.MaxZoom
	}
	return snapped
}

// ChunkScale bounds the attribute chunk scale to MaxChunkScale.
func (g Grid) ChunkScale(zoom int) int {
	if zoom < 1 {
		return 1
	}
	if zoom > g.MaxChunkScale {
		return g.MaxChunkScale
	}
	return zoom
}

func (g Grid) TileSpan(zoom int) int   { return g.TileSize * zoom }
func (g Grid) ChunkSpan(scale int) int { return g.ChunkSize * scale }

func (g Grid) TileRect(k TileKey) Rect {
	s := g.TileSpan(k.Zoom)
	return Rect{MinX: k.X * s, MinY: k.Y * s, MaxX: (k.X + 1) * s, MaxY: (k.Y + 1) * s}
}

func (g Grid) ChunkRect(k ChunkKey) Rect {
	s := g.ChunkSpan(k.Scale)
	return Rect{MinX: k.X * s, MinY: k.Y * s, MaxX: (k.X + 1) * s, MaxY: (k.Y + 1) * s}
}

// Span is an inclusive range of grid indices on both axes.
type Span struct {
	MinX, MinY, MaxX, MaxY int
}

func (s Span) Count() int {
	if s.MaxX < s.MinX || s.MaxY < s.MinY {
		return 0
	}
	return (s.MaxX - s.MinX + 1) * (s.MaxY - s.MinY + 1)
}

func spanFor(r Rect, size int) Span {
	if r.Empty() || size <= 0 {
		return Span{MinX: 0, MinY: 0, MaxX: -1, MaxY: -1}
	}
	return Span{
		MinX: floorDiv(r.MinX, size),
		MinY: floorDiv(r.MinY, size),
		MaxX: floorDiv(r.MaxX-1, size),
		MaxY: floorDiv(r.MaxY-1, size),
	}
}

// TileSpanFor returns the tile indices at zoom whose rects intersect r.
func (g Grid) TileSpanFor(r Rect, zoom int) Span { return spanFor(r, g.TileSpan(zoom)) }

// ChunkSpanFor returns the chunk indices at scale whose rects intersect r.
func (g Grid) ChunkSpanFor(r Rect, scale int) Span { return spanFor(r, g.ChunkSpan(scale)) }

func (g Grid) TileKeys(r Rect, zoom int) []TileKey {
	sp := g.TileSpanFor(r, zoom)
	out := make([]TileKey, 0, sp.Count())
	for y := sp.MinY; y <= sp.MaxY; y++ {
		for x := sp.MinX; x <= sp.MaxX; x++ {
			out = append(out, TileKey{X: x, Y: y, Zoom: zoom})
		}
	}
	return out
}

func (g Grid) ChunkKeys(r Rect, scale int) []ChunkKey {
	sp := g.ChunkSpanFor(r, scale)
	out := make([]ChunkKey, 0, sp.Count())
	for y := sp.MinY; y <= sp.MaxY; y++ {
		for x := sp.MinX; x <= sp.MaxX; x++ {
			out = append(out, ChunkKey{X: x, Y: y, Scale: scale})
		}
	}
	return out
}

// ZoomLevels lists every valid LOD factor, finest first.
func (g Grid) ZoomLevels() []int {
	var out []int
	for z := 1; z <= g.MaxZoom; z <<= 1 {
		out = append(out, z)
	}
	return out
}

// ChunkOf is the chunk at scale containing the point c.
func (g Grid) ChunkOf(c Coord, scale int) ChunkKey {
	s := g.ChunkSpan(scale)
	return ChunkKey{X: floorDiv(c.X, s), Y: floorDiv(c.Y, s), Scale: scale}
}

// TileOf is the tile at zoom containing the point c.
func (g Grid) TileOf(c Coord, zoom int) TileKey {
	s := g.TileSpan(zoom)
	return TileKey{X: floorDiv(c.X, s), Y: floorDiv(c.Y, s), Zoom: zoom}
}
