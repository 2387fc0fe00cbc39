package canvas

import "time"

// Cell is one addressable grid square. The zero Owner means available.
type Cell struct {
	X          int        `json:"x"`
	Y          int        `json:"y"`
	Color      Color      `json:"color,omitempty"`
	Group      string     `json:"group,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt time.Time  `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (c Cell) Coord() Coord { return Coord{X: c.X, Y: c.Y} }

func (c Cell) Owned() bool { return c.Owner != "" }

// Expired reports whether the ownership lapsed before now.
func (c Cell) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Held is true when the cell is owned and not expired at now.
func (c Cell) Held(now time.Time) bool { return c.Owned() && !c.Expired(now) }

// CellLess orders cells by (y, x), the render and range-query order.
func CellLess(a, b Cell) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

func CompareCells(a, b Cell) int {
	switch {
	case a.Y < b.Y:
		return -1
	case a.Y > b.Y:
		return 1
	case a.X < b.X:
		return -1
	case a.X > b.X:
		return 1
	}
	return 0
}
