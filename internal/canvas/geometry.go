package canvas

import "math"

// Coord is a grid-aligned world coordinate (the top-left corner of a cell).
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is a half-open world rectangle [MinX,MaxX) x [MinY,MaxY).
type Rect struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

func (r Rect) Empty() bool { return r.MaxX <= r.MinX || r.MaxY <= r.MinY }

func (r Rect) Width() int  { return r.MaxX - r.MinX }
func (r Rect) Height() int { return r.MaxY - r.MinY }

// Area saturates instead of overflowing for absurd rectangles.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	w, h := int64(r.Width()), int64(r.Height())
	if w > math.MaxInt64/h {
		return math.MaxInt64
	}
	return w * h
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.MinX && x < r.MaxX && y >= r.MinY && y < r.MaxY
}

func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.MinX < o.MaxX && o.MinX < r.MaxX && r.MinY < o.MaxY && o.MinY < r.MaxY
}

func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		MinX: max(r.MinX, o.MinX),
		MinY: max(r.MinY, o.MinY),
		MaxX: min(r.MaxX, o.MaxX),
		MaxY: min(r.MaxY, o.MaxY),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Union returns the smallest rect covering both; an empty operand is ignored.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		MinX: min(r.MinX, o.MinX),
		MinY: min(r.MinY, o.MinY),
		MaxX: max(r.MaxX, o.MaxX),
		MaxY: max(r.MaxY, o.MaxY),
	}
}

// Normalize swaps inverted bounds.
func (r Rect) Normalize() Rect {
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinY > r.MaxY {
		r.MinY, r.MaxY = r.MaxY, r.MinY
	}
	return r
}

// TileKey addresses a rendered tile at a level of detail.
type TileKey struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

// ChunkKey addresses an attribute chunk on the (possibly scaled) chunk grid.
type ChunkKey struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Scale int `json:"scale"`
}

func floorDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	q := a / b
	r := a % b
	if r != 0 && ((r > 0) != (b > 0)) {
		q--
	}
	return q
}

func mod(a, b int) int {
	if b == 0 {
		return 0
	}
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

func isPowerOfTwo(v int) bool { return v > 0 && v&(v-1) == 0 }
