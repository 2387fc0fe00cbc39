package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelcanvas.ai/internal/broadcast"
	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/client"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/protocol"
)

func newTestServer(t *testing.T, backlog int) (*broadcast.Hub, string) {
	t.Helper()
	hub := broadcast.NewHub(cellstore.NewMemStore(), broadcast.Config{
		Grid:          canvas.DefaultGrid(),
		MaxBatchCells: 100,
		Backlog:       backlog,
	}, nil)
	ts := httptest.NewServer(NewServer(hub, 16, nil).Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func paint(actor string, coords ...canvas.Coord) canvas.MutationRequest {
	r := canvas.MutationRequest{Actor: actor, Attrs: canvas.OwnershipAttrs{Color: "#00ff00", Group: "G"}}
	for _, c := range coords {
		r.Cells = append(r.Cells, canvas.CellPaint{X: c.X, Y: c.Y})
	}
	return r
}

func dial(t *testing.T, url string, since uint64) *client.Subscriber {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := client.Dial(ctx, url, "test", since, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func nextEvent(t *testing.T, sub *client.Subscriber) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "stream closed: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func nextAck(t *testing.T, sub *client.Subscriber) protocol.AckMsg {
	t.Helper()
	select {
	case a, ok := <-sub.Acks():
		require.True(t, ok)
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ACK")
	}
	return protocol.AckMsg{}
}

func TestSubmitAcksAndBroadcasts(t *testing.T) {
	_, url := newTestServer(t, 0)
	watcher := dial(t, url, 0)
	writer := dial(t, url, 0)
	assert.Equal(t, canvas.DefaultGrid(), writer.Welcome().Grid)
	assert.Equal(t, 100, writer.Welcome().MaxBatchCells)

	require.NoError(t, writer.Submit("m1", paint("alice", canvas.Coord{X: 0, Y: 0}, canvas.Coord{X: 20, Y: 0})))
	ack := nextAck(t, writer)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "m1", ack.AckFor)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, 2, ack.Applied)
	require.NoError(t, client.AckError(ack))

	ev := nextEvent(t, watcher)
	assert.Equal(t, protocol.TypeBatchUpdate, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	require.Len(t, ev.Cells, 2)
	assert.Equal(t, "alice", ev.Cells[0].Owner)

	// The submitter sees its own event too.
	assert.Equal(t, uint64(1), nextEvent(t, writer).Seq)
}

func TestSubmitConflictIsRejected(t *testing.T) {
	hub, url := newTestServer(t, 0)
	_, err := hub.Apply(context.Background(), paint("alice", canvas.Coord{X: 40, Y: 40}))
	require.NoError(t, err)

	sub := dial(t, url, 0)
	require.NoError(t, sub.Submit("m2", paint("bob", canvas.Coord{X: 40, Y: 40})))
	ack := nextAck(t, sub)
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrAlreadyOwned, ack.Code)
	require.Len(t, ack.Failures, 1)
	assert.Equal(t, "alice", ack.Failures[0].Owner)
	assert.ErrorIs(t, client.AckError(ack), canvas.ErrAlreadyOwned)

	require.NoError(t, sub.Submit("m3", paint("bob", canvas.Coord{X: 41, Y: 40})))
	ack = nextAck(t, sub)
	assert.Equal(t, protocol.ErrInvalidCoordinate, ack.Code)
}

func TestSinceSeqReplaysBacklog(t *testing.T) {
	hub, url := newTestServer(t, 8)
	for i := 0; i < 3; i++ {
		_, err := hub.Apply(context.Background(), paint("alice", canvas.Coord{X: i * 20, Y: 0}))
		require.NoError(t, err)
	}

	sub := dial(t, url, 1)
	assert.Equal(t, uint64(3), sub.Welcome().Seq)
	assert.Equal(t, uint64(2), nextEvent(t, sub).Seq)
	assert.Equal(t, uint64(3), nextEvent(t, sub).Seq)
}

func TestSinceSeqBeyondBacklogResyncs(t *testing.T) {
	hub, url := newTestServer(t, 1)
	for i := 0; i < 3; i++ {
		_, err := hub.Apply(context.Background(), paint("alice", canvas.Coord{X: i * 20, Y: 0}))
		require.NoError(t, err)
	}

	sub := dial(t, url, 1)
	ev := nextEvent(t, sub)
	assert.Equal(t, protocol.TypeResync, ev.Type)
	assert.Equal(t, uint64(3), ev.Seq)
}

func TestHandshakeRequiresSubscribe(t *testing.T) {
	_, url := newTestServer(t, 0)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "HELLO", "protocol_version": protocol.Version}))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestShutdownSendsResync(t *testing.T) {
	hub, url := newTestServer(t, 0)
	sub := dial(t, url, 0)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	ev := nextEvent(t, sub)
	assert.Equal(t, protocol.TypeResync, ev.Type)
}
