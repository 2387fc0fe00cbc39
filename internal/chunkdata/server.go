// Package chunkdata serves the attribute records of owned cells in a world
// rectangle, encoded as compact binary or JSON.
package chunkdata

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
)

type Source interface {
	RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error)
}

type Server struct {
	grid    canvas.Grid
	src     Source
	maxArea int64
	log     logrus.FieldLogger
}

func NewServer(g canvas.Grid, src Source, maxArea int64, log logrus.FieldLogger) *Server {
	return &Server{grid: g, src: src, maxArea: maxArea, log: logging.OrDiscard(log)}
}

// GetChunk returns the owned cells in r ordered by (y, x). Inverted bounds are
// swapped and the rect is clipped to the world before the area limit applies.
func (s *Server) GetChunk(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error) {
	r = r.Normalize().Intersect(s.grid.Bounds())
	if r.Empty() {
		return nil, nil
	}
	if s.maxArea > 0 && r.Area() > s.maxArea {
		return nil, fmt.Errorf("%w: area %d exceeds %d", canvas.ErrRequestTooLarge, r.Area(), s.maxArea)
	}
	cells, err := s.src.RangeQuery(ctx, r)
	if err != nil {
		s.log.WithError(err).WithField("rect", r).Warn("chunk query failed")
		return nil, err
	}
	out := cells[:0]
	for _, c := range cells {
		if c.Owned() {
			out = append(out, c)
		}
	}
	metrics.ChunkRequests.Inc()
	metrics.ChunkCells.Add(len(out))
	return out, nil
}
