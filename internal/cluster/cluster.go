// Package cluster groups 4-connected cells of the same group into labelled
// regions.
package cluster

import (
	"sort"

	"pixelcanvas.ai/internal/canvas"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Cluster struct {
	Group    string      `json:"group"`
	Bounds   canvas.Rect `json:"bounds"`
	Centroid Point       `json:"centroid"`
	Count    int         `json:"count"`
}

// Analyze finds connected components of same-group owned cells using
// 4-neighbours at ±cellSize. Components smaller than minSize are dropped.
// Output is sorted by count desc, then group, minY, minX.
func Analyze(cells []canvas.Cell, cellSize, minSize int) []Cluster {
	if cellSize <= 0 {
		return nil
	}
	index := make(map[canvas.Coord]string, len(cells))
	for _, c := range cells {
		if c.Owned() && c.Group != "" {
			index[c.Coord()] = c.Group
		}
	}

	visited := make(map[canvas.Coord]struct{}, len(index))
	var (
		out   []Cluster
		queue []canvas.Coord
	)
	for start, group := range index {
		if _, seen := visited[start]; seen {
			continue
		}
		visited[start] = struct{}{}
		queue = append(queue[:0], start)

		minX, minY, maxX, maxY := start.X, start.Y, start.X, start.Y
		var sumX, sumY float64
		count := 0
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			count++
			sumX += float64(p.X)
			sumY += float64(p.Y)
			minX, maxX = min(minX, p.X), max(maxX, p.X)
			minY, maxY = min(minY, p.Y), max(maxY, p.Y)

			for _, n := range [4]canvas.Coord{
				{X: p.X + cellSize, Y: p.Y},
				{X: p.X - cellSize, Y: p.Y},
				{X: p.X, Y: p.Y + cellSize},
				{X: p.X, Y: p.Y - cellSize},
			} {
				if _, seen := visited[n]; seen {
					continue
				}
				if g, ok := index[n]; ok && g == group {
					visited[n] = struct{}{}
					queue = append(queue, n)
				}
			}
		}
		if count < minSize {
			continue
		}
		half := float64(cellSize) / 2
		out = append(out, Cluster{
			Group:    group,
			Bounds:   canvas.Rect{MinX: minX, MinY: minY, MaxX: maxX + cellSize, MaxY: maxY + cellSize},
			Centroid: Point{X: sumX/float64(count) + half, Y: sumY/float64(count) + half},
			Count:    count,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Bounds.MinY != b.Bounds.MinY {
			return a.Bounds.MinY < b.Bounds.MinY
		}
		return a.Bounds.MinX < b.Bounds.MinX
	})
	return out
}
