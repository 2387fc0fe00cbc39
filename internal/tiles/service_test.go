package tiles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/persistence/cellstore"
)

type countingSource struct {
	*cellstore.MemStore
	calls int
	// during, when set, runs inside every query.
	during func()
}

func (c *countingSource) RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error) {
	c.calls++
	if c.during != nil {
		c.during()
	}
	return c.MemStore.RangeQuery(ctx, r)
}

func TestServiceCachesAndInvalidates(t *testing.T) {
	src := &countingSource{MemStore: seeded(t, owned(0, 0, "#ff0000"))}
	svc, err := NewService(NewRenderer(canvas.DefaultGrid(), src), ServiceConfig{}, nil)
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()
	k := canvas.TileKey{Zoom: 1}

	first, err := svc.Tile(ctx, k)
	require.NoError(t, err)
	svc.Wait()
	second, err := svc.Tile(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, 1, src.calls, "second read should hit cache")

	changed := owned(20, 0, "#00ff00")
	require.NoError(t, src.Upsert(ctx, []canvas.Cell{changed}))
	svc.Invalidate([]canvas.Cell{changed})

	third, err := svc.Tile(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.NotEqual(t, first.ETag, third.ETag)
}

func TestServiceInvalidateLeavesOtherTiles(t *testing.T) {
	src := &countingSource{MemStore: seeded(t)}
	svc, err := NewService(NewRenderer(canvas.DefaultGrid(), src), ServiceConfig{}, nil)
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()
	far := canvas.TileKey{X: 10, Y: 10, Zoom: 1}

	_, err = svc.Tile(ctx, far)
	require.NoError(t, err)
	svc.Wait()
	svc.Invalidate([]canvas.Cell{owned(0, 0, "#fff")})
	_, err = svc.Tile(ctx, far)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestServiceDoesNotCacheRenderOverlappingInvalidation(t *testing.T) {
	src := &countingSource{MemStore: seeded(t, owned(0, 0, "#ff0000"))}
	svc, err := NewService(NewRenderer(canvas.DefaultGrid(), src), ServiceConfig{}, nil)
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()
	src.during = func() { svc.Invalidate([]canvas.Cell{owned(0, 0, "#00ff00")}) }

	_, err = svc.Tile(ctx, canvas.TileKey{Zoom: 1})
	require.NoError(t, err)
	svc.Wait()
	src.during = nil
	_, err = svc.Tile(ctx, canvas.TileKey{Zoom: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestServicePutRespectsInvalidationOrder(t *testing.T) {
	svc, err := NewService(NewRenderer(canvas.DefaultGrid(), seeded(t)), ServiceConfig{}, nil)
	require.NoError(t, err)
	defer svc.Close()
	k := canvas.TileKey{Zoom: 1}
	key := cacheKey(k)
	tile := &Tile{Key: k, PNG: []byte("png"), ETag: `"0"`}
	cell := []canvas.Cell{owned(0, 0, "#fff")}

	// An invalidation between render start and store wins.
	epoch := svc.currentEpoch()
	svc.Invalidate(cell)
	assert.False(t, svc.put(key, tile, epoch))
	svc.Wait()
	_, ok := svc.cache.Get(key)
	assert.False(t, ok)

	// A store that lands first is evicted by the invalidation that follows.
	require.True(t, svc.put(key, tile, svc.currentEpoch()))
	svc.Invalidate(cell)
	svc.Wait()
	_, ok = svc.cache.Get(key)
	assert.False(t, ok)
}
