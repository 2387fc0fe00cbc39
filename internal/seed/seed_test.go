package seed

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
)

func TestGenerateFillsTargetWithAlignedUniqueCells(t *testing.T) {
	g := canvas.Grid{WorldSize: 2000, CellSize: 20, TileSize: 1000, ChunkSize: 1000}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := DefaultOptions()
	opts.MinRadius, opts.MaxRadius = 3, 8

	cells := Generate(rand.New(rand.NewSource(7)), g, opts, now)
	require.Len(t, cells, 800) // 100x100 cells at 8%

	seen := make(map[canvas.Coord]bool, len(cells))
	groups := make(map[string]bool, len(DefaultGroups))
	for _, gr := range DefaultGroups {
		groups[gr.Name] = true
	}
	for _, c := range cells {
		assert.False(t, seen[c.Coord()], "duplicate %v", c.Coord())
		seen[c.Coord()] = true
		assert.True(t, g.Bounds().Contains(c.X, c.Y), c.Coord())
		assert.Zero(t, c.X%g.CellSize)
		assert.Zero(t, c.Y%g.CellSize)
		assert.True(t, groups[c.Group], c.Group)
		assert.NotEmpty(t, c.Owner)
		require.NotNil(t, c.ExpiresAt)
		assert.Equal(t, now.Add(30*24*time.Hour), *c.ExpiresAt)
	}
}

func TestGenerateIsDeterministicPerSeed(t *testing.T) {
	g := canvas.Grid{WorldSize: 1000, CellSize: 20, TileSize: 1000, ChunkSize: 1000}
	now := time.Unix(0, 0).UTC()
	a := Generate(rand.New(rand.NewSource(42)), g, DefaultOptions(), now)
	b := Generate(rand.New(rand.NewSource(42)), g, DefaultOptions(), now)
	assert.Equal(t, a, b)
}

func TestColorsComeFromGroupPalette(t *testing.T) {
	g := canvas.Grid{WorldSize: 2000, CellSize: 20, TileSize: 1000, ChunkSize: 1000}
	opts := DefaultOptions()
	opts.TTL = 0
	cells := Generate(rand.New(rand.NewSource(1)), g, opts, time.Now())
	require.NotEmpty(t, cells)

	palette := map[string][]canvas.Color{}
	for _, gr := range DefaultGroups {
		palette[gr.Name] = gr.Colors
	}
	for _, c := range cells {
		assert.Nil(t, c.ExpiresAt)
		assert.Contains(t, palette[c.Group], c.Color)
	}
}

func TestNicknameShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		n := Nickname(rng)
		assert.GreaterOrEqual(t, len(n), 4, n)
	}
}
