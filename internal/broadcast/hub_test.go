package broadcast

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
	"pixelcanvas.ai/internal/protocol"
)

func newHub(t *testing.T, backlog int) (*Hub, *cellstore.MemStore) {
	t.Helper()
	store := cellstore.NewMemStore()
	h := NewHub(store, Config{
		Grid:          canvas.DefaultGrid(),
		MaxBatchCells: 100,
		Backlog:       backlog,
		Now:           func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, nil)
	t.Cleanup(h.Close)
	return h, store
}

func req(actor string, coords ...canvas.Coord) canvas.MutationRequest {
	r := canvas.MutationRequest{Actor: actor, Attrs: canvas.OwnershipAttrs{Color: "#ff0000", Group: "A"}}
	for _, c := range coords {
		r.Cells = append(r.Cells, canvas.CellPaint{X: c.X, Y: c.Y})
	}
	return r
}

func recv(t *testing.T, s *Subscription) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed: %s", s.Reason())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func TestApplyBroadcastsInOrder(t *testing.T) {
	h, _ := newHub(t, 0)
	sub, err := h.Subscribe(8)
	require.NoError(t, err)

	a, err := h.Apply(context.Background(), req("alice", canvas.Coord{X: 0, Y: 0}))
	require.NoError(t, err)
	b, err := h.Apply(context.Background(), req("bob", canvas.Coord{X: 20, Y: 0}, canvas.Coord{X: 40, Y: 0}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)

	ev := recv(t, sub)
	assert.Equal(t, protocol.TypeUpdate, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	ev = recv(t, sub)
	assert.Equal(t, protocol.TypeBatchUpdate, ev.Type)
	assert.Len(t, ev.Cells, 2)
	assert.Equal(t, "bob", ev.Cells[0].Owner)
	assert.Equal(t, canvas.Color("#ff0000"), ev.Cells[0].Color)
}

func TestConflictingBatchReportsEveryFailure(t *testing.T) {
	h, store := newHub(t, 0)
	sub, err := h.Subscribe(8)
	require.NoError(t, err)
	_, err = h.Apply(context.Background(), req("bob", canvas.Coord{X: 20, Y: 0}, canvas.Coord{X: 60, Y: 0}))
	require.NoError(t, err)
	recv(t, sub)

	_, err = h.Apply(context.Background(), req("alice",
		canvas.Coord{X: 0, Y: 0}, canvas.Coord{X: 20, Y: 0}, canvas.Coord{X: 40, Y: 0}, canvas.Coord{X: 60, Y: 0}))
	var be *canvas.BatchError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Failures, 2)
	assert.ErrorIs(t, err, canvas.ErrAlreadyOwned)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	select {
	case ev := <-sub.Events():
		t.Fatalf("rejected batch was broadcast: %+v", ev)
	default:
	}
}

func TestPartialAppliesValidSubset(t *testing.T) {
	h, _ := newHub(t, 0)
	_, err := h.Apply(context.Background(), req("bob", canvas.Coord{X: 20, Y: 0}))
	require.NoError(t, err)

	r := req("alice", canvas.Coord{X: 0, Y: 0}, canvas.Coord{X: 20, Y: 0})
	r.Partial = true
	out, err := h.Apply(context.Background(), r)
	require.NoError(t, err)
	assert.Len(t, out.Cells, 1)
	assert.Len(t, out.Failures, 1)

	r = req("alice", canvas.Coord{X: 20, Y: 0})
	r.Partial = true
	_, err = h.Apply(context.Background(), r)
	assert.ErrorIs(t, err, canvas.ErrAlreadyOwned, "nothing applied is still a rejection")
}

func TestValidationErrors(t *testing.T) {
	h, _ := newHub(t, 0)
	_, err := h.Apply(context.Background(), req("alice", canvas.Coord{X: 5, Y: 0}))
	assert.ErrorIs(t, err, canvas.ErrInvalidCoordinate)

	var many []canvas.Coord
	for i := 0; i < 101; i++ {
		many = append(many, canvas.Coord{X: i * 20, Y: 0})
	}
	_, err = h.Apply(context.Background(), req("alice", many...))
	assert.ErrorIs(t, err, canvas.ErrRequestTooLarge)
}

func TestSingleAndBatchProduceSameState(t *testing.T) {
	single, s1 := newHub(t, 0)
	batch, s2 := newHub(t, 0)
	ctx := context.Background()
	coords := []canvas.Coord{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 0, Y: 20}}
	for _, c := range coords {
		_, err := single.Apply(ctx, req("alice", c))
		require.NoError(t, err)
	}
	_, err := batch.Apply(ctx, req("alice", coords...))
	require.NoError(t, err)

	all := canvas.Rect{MaxX: 20000, MaxY: 20000}
	a, err := s1.RangeQuery(ctx, all)
	require.NoError(t, err)
	b, err := s2.RangeQuery(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h, _ := newHub(t, 0)
	slow, err := h.Subscribe(1)
	require.NoError(t, err)
	fast, err := h.Subscribe(16)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.Apply(context.Background(), req("alice", canvas.Coord{X: i * 20, Y: 0}))
		require.NoError(t, err)
	}
	<-slow.Done()
	assert.Equal(t, ReasonSlowConsumer, slow.Reason())
	for i := 1; i <= 3; i++ {
		assert.Equal(t, uint64(i), recv(t, fast).Seq)
	}
	assert.Equal(t, 1, h.Subscribers())
}

func TestHooksSeeEveryApplyInOrder(t *testing.T) {
	h, _ := newHub(t, 0)
	var seqs []uint64
	h.OnApplied(func(a Applied) { seqs = append(seqs, a.Seq) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.Apply(context.Background(), req(fmt.Sprintf("a%d", i), canvas.Coord{X: i * 20, Y: 0}))
		}(i)
	}
	wg.Wait()
	require.Len(t, seqs, 10)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestHooksRunBeforeFanout(t *testing.T) {
	h, _ := newHub(t, 0)
	sub, err := h.Subscribe(8)
	require.NoError(t, err)
	var queuedAtHook int
	h.OnApplied(func(Applied) { queuedAtHook = len(sub.Events()) })

	_, err = h.Apply(context.Background(), req("alice", canvas.Coord{X: 0, Y: 0}))
	require.NoError(t, err)
	assert.Zero(t, queuedAtHook, "event was queued before the hook ran")
	assert.Equal(t, uint64(1), recv(t, sub).Seq)
}

func TestSubscribeSinceReplaysBacklog(t *testing.T) {
	h, _ := newHub(t, 2)
	for i := 0; i < 3; i++ {
		_, err := h.Apply(context.Background(), req("alice", canvas.Coord{X: i * 20, Y: 0}))
		require.NoError(t, err)
	}
	_, replay, err := h.SubscribeSince(4, 1)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(2), replay[0].Seq)

	_, replay, err = h.SubscribeSince(4, 0)
	require.NoError(t, err)
	assert.Empty(t, replay)

	h2, _ := newHub(t, 1)
	for i := 0; i < 3; i++ {
		_, err := h2.Apply(context.Background(), req("alice", canvas.Coord{X: i * 20, Y: 0}))
		require.NoError(t, err)
	}
	sub, _, err := h2.SubscribeSince(4, 1)
	assert.ErrorIs(t, err, ErrGap)
	assert.NotNil(t, sub)
}

func TestClosedHubRejects(t *testing.T) {
	h, _ := newHub(t, 0)
	sub, err := h.Subscribe(1)
	require.NoError(t, err)
	h.Close()
	<-sub.Done()
	assert.Equal(t, ReasonShutdown, sub.Reason())
	_, err = h.Apply(context.Background(), req("alice", canvas.Coord{}))
	assert.ErrorIs(t, err, ErrClosed)
}
