// Package tiles renders level-of-detail raster tiles of the canvas.
package tiles

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/draw"

	"pixelcanvas.ai/internal/canvas"
)

// Source is the read side of a cell store.
type Source interface {
	RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error)
}

type Renderer struct {
	grid canvas.Grid
	src  Source
}

func NewRenderer(g canvas.Grid, src Source) *Renderer {
	return &Renderer{grid: g, src: src}
}

func (r *Renderer) Grid() canvas.Grid { return r.grid }

// CheckKey validates a tile address against the world.
func (r *Renderer) CheckKey(k canvas.TileKey) error {
	if !r.grid.ValidZoom(k.Zoom) {
		return fmt.Errorf("%w: zoom %d", canvas.ErrInvalidCoordinate, k.Zoom)
	}
	if k.X < 0 || k.Y < 0 || !r.grid.TileRect(k).Intersects(r.grid.Bounds()) {
		return fmt.Errorf("%w: tile (%d,%d) at zoom %d", canvas.ErrInvalidCoordinate, k.X, k.Y, k.Zoom)
	}
	return nil
}

// RenderTile paints every owned cell intersecting the tile. Each cell covers
// at least one output pixel; later cells in (y, x) order win overlaps.
func (r *Renderer) RenderTile(ctx context.Context, x, y, zoom int) (*image.NRGBA, error) {
	k := canvas.TileKey{X: x, Y: y, Zoom: zoom}
	if err := r.CheckKey(k); err != nil {
		return nil, err
	}
	rect := r.grid.TileRect(k)
	// Widen the query so cells straddling the left/top edge are included.
	q := canvas.Rect{MinX: rect.MinX - r.grid.CellSize + 1, MinY: rect.MinY - r.grid.CellSize + 1, MaxX: rect.MaxX, MaxY: rect.MaxY}
	cells, err := r.src.RangeQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	size := r.grid.TileSize
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for _, c := range cells {
		if !c.Owned() {
			continue
		}
		px0 := floorDiv(c.X-rect.MinX, zoom)
		py0 := floorDiv(c.Y-rect.MinY, zoom)
		px1 := ceilDiv(c.X+r.grid.CellSize-rect.MinX, zoom)
		py1 := ceilDiv(c.Y+r.grid.CellSize-rect.MinY, zoom)
		if px1 <= px0 {
			px1 = px0 + 1
		}
		if py1 <= py0 {
			py1 = py0 + 1
		}
		dst := image.Rect(px0, py0, px1, py1).Intersect(img.Rect)
		if dst.Empty() {
			continue
		}
		draw.Draw(img, dst, image.NewUniform(c.Color.NRGBA()), image.Point{}, draw.Src)
	}
	return img, nil
}

// Encode writes img as PNG.
func Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int { return -floorDiv(-a, b) }
