// Package cellstoretest runs the same behavioural checks against every
// cellstore backend.
package cellstoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/persistence/cellstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cell(x, y int, owner, group string) canvas.Cell {
	return canvas.Cell{X: x, Y: y, Color: "#ff0000", Group: group, Owner: owner, AcquiredAt: t0}
}

// Run exercises a fresh store produced by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) cellstore.Store) {
	t.Run("RangeQueryOrderAndBounds", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{
			cell(40, 20, "a", "G"),
			cell(0, 20, "a", "G"),
			cell(20, 0, "b", "H"),
			cell(1000, 1000, "c", "G"),
		}))
		got, err := s.RangeQuery(ctx, canvas.Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, canvas.Coord{X: 20, Y: 0}, got[0].Coord())
		assert.Equal(t, canvas.Coord{X: 0, Y: 20}, got[1].Coord())
		assert.Equal(t, canvas.Coord{X: 40, Y: 20}, got[2].Coord())

		none, err := s.RangeQuery(ctx, canvas.Rect{MinX: 5000, MinY: 5000, MaxX: 6000, MaxY: 6000})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("GetRoundTripsAttributes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		exp := t0.Add(time.Hour)
		c := cell(60, 80, "alice", "G")
		c.Color = "#11223344"
		c.ExpiresAt = &exp
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{c}))

		got, ok, err := s.Get(ctx, canvas.Coord{X: 60, Y: 80})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, c.Owner, got.Owner)
		assert.Equal(t, c.Color, got.Color)
		assert.True(t, c.AcquiredAt.Equal(got.AcquiredAt))
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))

		_, ok, err = s.Get(ctx, canvas.Coord{X: 0, Y: 0})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ApplyAllOrNothing", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{cell(20, 0, "bob", "H")}))

		_, err := s.Apply(ctx, cellstore.Batch{
			Actor: "alice",
			Cells: []canvas.Cell{cell(0, 0, "alice", "G"), cell(20, 0, "alice", "G")},
			Now:   t0,
		})
		var be *canvas.BatchError
		require.ErrorAs(t, err, &be)
		require.Len(t, be.Failures, 1)
		assert.Equal(t, canvas.Coord{X: 20, Y: 0}, be.Failures[0].Coord)
		assert.Equal(t, "bob", be.Failures[0].Owner)
		assert.ErrorIs(t, err, canvas.ErrAlreadyOwned)

		_, ok, err := s.Get(ctx, canvas.Coord{X: 0, Y: 0})
		require.NoError(t, err)
		assert.False(t, ok, "rejected batch must not be partially visible")
	})

	t.Run("ApplyValidSubset", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{cell(20, 0, "bob", "H")}))
		res, err := s.Apply(ctx, cellstore.Batch{
			Actor:  "alice",
			Cells:  []canvas.Cell{cell(0, 0, "alice", "G"), cell(20, 0, "alice", "G")},
			Now:    t0,
			Policy: cellstore.ApplyValid,
		})
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
		require.Len(t, res.Failures, 1)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ReclaimAndExpiry", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		expired := cell(0, 0, "bob", "H")
		past := t0.Add(-time.Minute)
		expired.ExpiresAt = &past
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{expired, cell(20, 0, "alice", "G")}))

		_, err := s.Apply(ctx, cellstore.Batch{Actor: "alice", Cells: []canvas.Cell{cell(20, 0, "alice", "G")}, Now: t0})
		assert.ErrorIs(t, err, canvas.ErrAlreadyOwned, "own cell without reclaim is still a conflict")

		res, err := s.Apply(ctx, cellstore.Batch{
			Actor:  "alice",
			Cells:  []canvas.Cell{cell(0, 0, "alice", "G"), cell(20, 0, "alice", "G")},
			Now:    t0,
			Policy: cellstore.AllowReclaim,
		})
		require.NoError(t, err)
		assert.Len(t, res.Applied, 2)
		got, _, err := s.Get(ctx, canvas.Coord{})
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)
	})

	t.Run("AtMostOneOwnerUnderConcurrency", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		const actors = 8
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won []string
		)
		for i := 0; i < actors; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				actor := fmt.Sprintf("actor-%d", i)
				_, err := s.Apply(ctx, cellstore.Batch{
					Actor: actor,
					Cells: []canvas.Cell{cell(100, 100, actor, "G"), cell(120, 100, actor, "G")},
					Now:   t0,
				})
				if err == nil {
					mu.Lock()
					won = append(won, actor)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		require.Len(t, won, 1)
		a, _, err := s.Get(ctx, canvas.Coord{X: 100, Y: 100})
		require.NoError(t, err)
		b, _, err := s.Get(ctx, canvas.Coord{X: 120, Y: 100})
		require.NoError(t, err)
		assert.Equal(t, won[0], a.Owner)
		assert.Equal(t, won[0], b.Owner)
	})

	t.Run("GroupCountsAndReset", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{
			cell(0, 0, "a", "G"), cell(20, 0, "b", "G"), cell(40, 0, "a", "G"),
			cell(0, 20, "c", "H"), cell(20, 20, "c", ""),
		}))
		counts, err := s.GroupCounts(ctx)
		require.NoError(t, err)
		require.Len(t, counts, 2)
		assert.Equal(t, "G", counts[0].Group)
		assert.Equal(t, 3, counts[0].Cells)
		assert.Equal(t, 2, counts[0].Owners)
		assert.InDelta(t, 0.75, counts[0].Share, 1e-9)

		n, err := s.Reset(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		n, err = s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("UpsertUnownedDeletes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{cell(0, 0, "a", "G")}))
		require.NoError(t, s.Upsert(ctx, []canvas.Cell{{X: 0, Y: 0}}))
		_, ok, err := s.Get(ctx, canvas.Coord{})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
