package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/canvas"
)

func TestWriterRotatesAndReplays(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "applied")
	clock := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	var closed []string
	w.OnClose(func(p string) { closed = append(closed, p) })

	require.NoError(t, w.Append(Entry{Seq: 1, Actor: "a", Cells: []canvas.Cell{{X: 0, Y: 0, Owner: "a"}}}))
	require.NoError(t, w.Append(Entry{Seq: 2, Actor: "b"}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Append(Entry{Seq: 3, Actor: "c"}))
	require.NoError(t, w.Close())

	files, err := Files(dir, "applied")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Contains(t, files[0], "applied-2026-05-01-10")
	assert.Equal(t, files, closed)

	var seqs []uint64
	for _, f := range files {
		require.NoError(t, Replay(f, func(e Entry) error {
			seqs = append(seqs, e.Seq)
			return nil
		}))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestLastSeq(t *testing.T) {
	dir := t.TempDir()
	seq, err := LastSeq(dir, "applied")
	require.NoError(t, err)
	assert.Zero(t, seq)

	w := NewWriter(dir, "applied")
	require.NoError(t, w.Append(Entry{Seq: 7, Actor: "a"}))
	require.NoError(t, w.Append(Entry{Seq: 8, Actor: "a"}))

	// The open writer has flushed both lines even though the frame is unfinished.
	seq, err = LastSeq(dir, "applied")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)
	require.NoError(t, w.Close())
}
