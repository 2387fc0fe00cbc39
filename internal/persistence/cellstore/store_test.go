package cellstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/persistence/cellstore/cellstoretest"
)

func TestMemStore(t *testing.T) {
	cellstoretest.Run(t, func(t *testing.T) cellstore.Store {
		s := cellstore.NewMemStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	cellstoretest.Run(t, func(t *testing.T) cellstore.Store {
		s, err := cellstore.OpenSQLite(filepath.Join(t.TempDir(), "canvas.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteColumns(t *testing.T) {
	s, err := cellstore.OpenSQLite(filepath.Join(t.TempDir(), "canvas.db"))
	require.NoError(t, err)
	defer s.Close()
	cols, err := s.Columns(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cols, "owner TEXT")
	assert.Len(t, cols, 7)
}

func TestClosedMemStoreIsTransient(t *testing.T) {
	s := cellstore.NewMemStore()
	require.NoError(t, s.Close())
	_, err := s.RangeQuery(context.Background(), canvas.Rect{MaxX: 10, MaxY: 10})
	assert.ErrorIs(t, err, canvas.ErrTransientFetch)
}

func TestPolicyFlags(t *testing.T) {
	p := cellstore.ApplyValid | cellstore.AllowReclaim
	assert.True(t, p.Has(cellstore.ApplyValid))
	assert.True(t, p.Has(cellstore.AllowReclaim))
	assert.False(t, cellstore.AllOrNothing.Has(cellstore.ApplyValid))
}
