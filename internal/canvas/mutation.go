package canvas

import (
	"fmt"
	"strings"
	"time"
)

// OwnershipAttrs are applied to every cell of a mutation.
type OwnershipAttrs struct {
	Color Color  `json:"color"`
	Group string `json:"group,omitempty"`
	// TTL in seconds; zero takes the server default.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// CellPaint overrides the colour for a single cell of a batch.
type CellPaint struct {
	X     int   `json:"x"`
	Y     int   `json:"y"`
	Color Color `json:"color,omitempty"`
}

// MutationRequest is one actor's atomic claim on a set of cells.
type MutationRequest struct {
	Actor string         `json:"actor"`
	Cells []CellPaint    `json:"cells"`
	Attrs OwnershipAttrs `json:"attrs"`
	// Partial applies the valid subset instead of rejecting the whole batch.
	Partial bool `json:"partial,omitempty"`
	// Reclaim lets the actor repaint cells it already holds.
	Reclaim bool `json:"reclaim,omitempty"`
}

// Validate checks shape and geometry. Ownership conflicts are the store's job.
func (m MutationRequest) Validate(g Grid, maxCells int) error {
	if strings.TrimSpace(m.Actor) == "" {
		return fmt.Errorf("%w: empty actor", ErrInvalidRequest)
	}
	if len(m.Cells) == 0 {
		return fmt.Errorf("%w: no cells", ErrInvalidRequest)
	}
	if maxCells > 0 && len(m.Cells) > maxCells {
		return fmt.Errorf("%w: %d cells exceeds limit %d", ErrRequestTooLarge, len(m.Cells), maxCells)
	}
	if m.Attrs.Color != "" && !m.Attrs.Color.Valid() {
		return fmt.Errorf("%w: bad color %q", ErrInvalidRequest, m.Attrs.Color)
	}
	if m.Attrs.TTLSeconds < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidRequest)
	}

	var failures []CellFailure
	seen := make(map[Coord]struct{}, len(m.Cells))
	for _, p := range m.Cells {
		c := Coord{X: p.X, Y: p.Y}
		if !g.InBounds(c) || !g.Aligned(c) {
			failures = append(failures, CoordFailure(c, ReasonInvalidCoordinate))
			continue
		}
		if _, dup := seen[c]; dup {
			failures = append(failures, CoordFailure(c, ReasonDuplicate))
			continue
		}
		seen[c] = struct{}{}
		if p.Color == "" && m.Attrs.Color == "" {
			failures = append(failures, CellFailure{Coord: c, Reason: ReasonInvalidColor})
			continue
		}
		if p.Color != "" && !p.Color.Valid() {
			failures = append(failures, CellFailure{Coord: c, Reason: ReasonInvalidColor})
		}
	}
	if len(failures) > 0 {
		return &BatchError{Failures: failures}
	}
	return nil
}

// ToCells materializes the request into owned cells stamped at now.
func (m MutationRequest) ToCells(now time.Time) []Cell {
	var exp *time.Time
	if m.Attrs.TTLSeconds > 0 {
		t := now.Add(time.Duration(m.Attrs.TTLSeconds) * time.Second)
		exp = &t
	}
	base, _ := ParseColor(string(m.Attrs.Color))
	out := make([]Cell, 0, len(m.Cells))
	for _, p := range m.Cells {
		col := base
		if p.Color != "" {
			if c, err := ParseColor(string(p.Color)); err == nil {
				col = c
			}
		}
		out = append(out, Cell{
			X:          p.X,
			Y:          p.Y,
			Color:      col,
			Group:      m.Attrs.Group,
			Owner:      m.Actor,
			AcquiredAt: now,
			ExpiresAt:  exp,
		})
	}
	return out
}
