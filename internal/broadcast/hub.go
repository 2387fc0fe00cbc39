// Package broadcast persists cell mutations and fans them out to live
// subscribers in persistence order.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/protocol"
)

const (
	ReasonSlowConsumer = "slow consumer"
	ReasonShutdown     = "shutdown"
	ReasonUnsubscribed = "unsubscribed"
)

var ErrClosed = errors.New("hub closed")

type Config struct {
	Grid          canvas.Grid
	MaxBatchCells int
	// CellTTL applies when a request carries no TTL of its own.
	CellTTL time.Duration
	// Backlog is how many recent events are kept for SinceSeq replay.
	Backlog int
	Now     func() time.Time
}

// Applied describes one persisted mutation.
type Applied struct {
	Seq      uint64               `json:"seq"`
	Actor    string               `json:"actor"`
	At       time.Time            `json:"at"`
	Cells    []canvas.Cell        `json:"cells"`
	Failures []canvas.CellFailure `json:"failures,omitempty"`
}

type Hub struct {
	cfg   Config
	store cellstore.Store
	log   logrus.FieldLogger

	// mu orders persistence, sequence assignment and fan-out.
	mu      sync.Mutex
	seq     atomic.Uint64
	backlog []protocol.Event
	hooks   []func(Applied)
	closed  bool

	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
}

func NewHub(store cellstore.Store, cfg Config, log logrus.FieldLogger) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = 0
	}
	return &Hub{
		cfg:   cfg,
		store: store,
		log:   logging.OrDiscard(log),
		subs:  xsync.NewMapOf[uint64, *Subscription](),
	}
}

// SetSeq seeds the sequence counter, e.g. from a snapshot header.
func (h *Hub) SetSeq(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq.Store(seq)
	h.backlog = nil
}

// Seq is the sequence number of the last broadcast event.
func (h *Hub) Seq() uint64 { return h.seq.Load() }

func (h *Hub) Grid() canvas.Grid { return h.cfg.Grid }

func (h *Hub) MaxBatchCells() int { return h.cfg.MaxBatchCells }

// OnApplied registers fn to run, in order, after every applied mutation.
// Hooks run under the hub lock and must not call back into the hub.
func (h *Hub) OnApplied(fn func(Applied)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Apply validates req, persists it atomically and broadcasts the result.
// A rejected batch returns *canvas.BatchError listing every failed cell.
func (h *Hub) Apply(ctx context.Context, req canvas.MutationRequest) (Applied, error) {
	if err := req.Validate(h.cfg.Grid, h.cfg.MaxBatchCells); err != nil {
		metrics.RejectedBatches.Inc()
		return Applied{}, err
	}
	if req.Attrs.TTLSeconds == 0 && h.cfg.CellTTL > 0 {
		req.Attrs.TTLSeconds = int64(h.cfg.CellTTL / time.Second)
	}
	policy := cellstore.AllOrNothing
	if req.Partial {
		policy |= cellstore.ApplyValid
	}
	if req.Reclaim {
		policy |= cellstore.AllowReclaim
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Applied{}, ErrClosed
	}

	now := h.cfg.Now().UTC()
	res, err := h.store.Apply(ctx, cellstore.Batch{
		Actor:  req.Actor,
		Cells:  req.ToCells(now),
		Now:    now,
		Policy: policy,
	})
	if err == nil && len(res.Applied) == 0 {
		err = &canvas.BatchError{Failures: res.Failures}
	}
	if err != nil {
		metrics.RejectedBatches.Inc()
		metrics.ConflictCells.Add(len(res.Failures))
		h.log.WithFields(logrus.Fields{
			"actor":    req.Actor,
			"cells":    len(req.Cells),
			"failures": len(res.Failures),
		}).WithError(err).Debug("mutation rejected")
		return Applied{Actor: req.Actor, Failures: res.Failures}, err
	}

	seq := h.seq.Add(1)
	ev := protocol.Event{
		Type:            protocol.EventType(len(res.Applied)),
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Cells:           res.Applied,
	}
	// Hooks complete before any subscriber sees the event.
	out := Applied{Seq: seq, Actor: req.Actor, At: now, Cells: res.Applied, Failures: res.Failures}
	for _, fn := range h.hooks {
		fn(out)
	}
	h.remember(ev)
	h.fanout(ev)
	metrics.AppliedBatches.Inc()
	metrics.AppliedCells.Add(len(res.Applied))
	metrics.ConflictCells.Add(len(res.Failures))
	h.log.WithFields(logrus.Fields{
		"seq":   seq,
		"actor": req.Actor,
		"cells": len(res.Applied),
	}).Debug("mutation applied")
	return out, nil
}

func (h *Hub) remember(ev protocol.Event) {
	if h.cfg.Backlog == 0 {
		return
	}
	if len(h.backlog) == h.cfg.Backlog {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:len(h.backlog)-1]
	}
	h.backlog = append(h.backlog, ev)
}

func (h *Hub) fanout(ev protocol.Event) {
	h.subs.Range(func(id uint64, s *Subscription) bool {
		select {
		case s.ch <- ev:
		default:
			metrics.SlowConsumers.Inc()
			h.log.WithField("subscriber", id).Warn("dropping slow consumer")
			h.drop(s, ReasonSlowConsumer)
		}
		return true
	})
}

func (h *Hub) drop(s *Subscription, reason string) {
	if _, ok := h.subs.LoadAndDelete(s.id); ok {
		metrics.Subscribers.Dec()
	}
	s.close(reason)
}

// Subscribe registers a live subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	s, _, err := h.SubscribeSince(buffer, 0)
	return s, err
}

// SubscribeSince registers a subscriber and returns the retained events after
// since. since == 0 means live only. When the backlog no longer reaches back to
// since, the subscription is returned with a nil replay and ErrGap so the
// caller can tell the client to resync.
func (h *Hub) SubscribeSince(buffer int, since uint64) (*Subscription, []protocol.Event, error) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}

	s := &Subscription{
		id:   h.nextID.Add(1),
		ch:   make(chan protocol.Event, buffer),
		done: make(chan struct{}),
		hub:  h,
	}
	s.startSeq = h.seq.Load()
	h.subs.Store(s.id, s)
	metrics.Subscribers.Inc()

	if since == 0 || since >= s.startSeq {
		return s, nil, nil
	}
	replay, ok := h.since(since)
	if !ok {
		return s, nil, ErrGap
	}
	return s, replay, nil
}

var ErrGap = errors.New("backlog does not reach requested sequence")

func (h *Hub) since(seq uint64) ([]protocol.Event, bool) {
	if len(h.backlog) == 0 || h.backlog[0].Seq > seq+1 {
		return nil, false
	}
	var out []protocol.Event
	for _, ev := range h.backlog {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, true
}

func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	// Sends happen under mu; closing the channel must too.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(s, ReasonUnsubscribed)
}

func (h *Hub) Subscribers() int { return h.subs.Size() }

// Close disconnects every subscriber and rejects further mutations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.subs.Range(func(_ uint64, s *Subscription) bool {
		h.drop(s, ReasonShutdown)
		return true
	})
}

// Subscription delivers events in sequence order until closed.
type Subscription struct {
	id       uint64
	ch       chan protocol.Event
	done     chan struct{}
	hub      *Hub
	startSeq uint64

	once   sync.Once
	reason atomic.Value
}

func (s *Subscription) ID() uint64 { return s.id }

// StartSeq is the hub sequence at subscribe time; live events follow it.
func (s *Subscription) StartSeq() uint64 { return s.startSeq }

// Events is closed when the subscription ends; see Reason.
func (s *Subscription) Events() <-chan protocol.Event { return s.ch }

// Done is closed together with Events.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (s *Subscription) close(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		close(s.ch)
	})
}
