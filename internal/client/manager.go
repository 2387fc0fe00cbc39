// Package client keeps a viewer's tile and attribute caches in step with the
// viewport and the live update stream.
//
// A Manager is owned by one goroutine: Update, Drain, Settle, ApplyEvent and
// Invalidate must not be called concurrently. Fetch workers only perform I/O
// and hand results back through Drain.
package client

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/cluster"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/protocol"
)

// Fetcher loads tiles and attribute chunks from the server.
type Fetcher interface {
	FetchTile(ctx context.Context, k canvas.TileKey) ([]byte, error)
	FetchChunk(ctx context.Context, k canvas.ChunkKey, r canvas.Rect) ([]canvas.Cell, error)
}

type EntryState uint8

const (
	Absent EntryState = iota
	Pending
	Loaded
)

func (s EntryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	}
	return "absent"
}

type Options struct {
	Grid             canvas.Grid
	MaxTilesPerFrame int
	Workers          int
	MobileWorkers    int
	Mobile           bool
	ClusterDebounce  time.Duration
	ClusterMinSize   int
	Log              logrus.FieldLogger
}

// View is the visible world rectangle (inclusive of its max edge) and the
// current screen pixels per world unit.
type View struct {
	MinX, MinY, MaxX, MaxY float64
	Scale                  float64
}

func (v View) Rect() canvas.Rect {
	r := canvas.Rect{
		MinX: int(math.Floor(math.Min(v.MinX, v.MaxX))),
		MinY: int(math.Floor(math.Min(v.MinY, v.MaxY))),
		MaxX: int(math.Floor(math.Max(v.MinX, v.MaxX))) + 1,
		MaxY: int(math.Floor(math.Max(v.MinY, v.MaxY))) + 1,
	}
	return r
}

// Frame reports what one Update decided.
type Frame struct {
	Zoom       int
	ChunkScale int
	Tiles      []canvas.TileKey
	Chunks     []canvas.ChunkKey
	Enqueued   int
	Cancelled  int
	Retired    int
	Skipped    bool
	Err        error
}

type tileEntry struct {
	state EntryState
	gen   uint64
	png   []byte
}

type chunkEntry struct {
	state EntryState
	gen   uint64
}

type OwnerGroup struct {
	Owner string
	Group string
}

type Stats struct {
	Cells         int
	Owners        map[string]int
	Groups        map[string]int
	OwnerGroups   map[OwnerGroup]int
	TilesLoaded   int
	TilesPending  int
	ChunksLoaded  int
	ChunksPending int
	LastSeq       uint64
}

type Manager struct {
	opts    Options
	grid    canvas.Grid
	fetcher Fetcher
	sched   *Scheduler
	log     logrus.FieldLogger

	gen    uint64
	tiles  map[canvas.TileKey]*tileEntry
	chunks map[canvas.ChunkKey]*chunkEntry

	cells       map[canvas.Coord]canvas.Cell
	buckets     map[canvas.ChunkKey]map[canvas.Coord]struct{}
	owners      map[string]int
	groups      map[string]int
	ownerGroups map[OwnerGroup]int

	visibleTiles  map[canvas.TileKey]struct{}
	visibleChunks map[canvas.ChunkKey]struct{}

	lastSeq      uint64
	clusters     []cluster.Cluster
	clusterDirty atomic.Bool
	debounce     *cluster.Debouncer
}

func NewManager(f Fetcher, opts Options) *Manager {
	if opts.MaxTilesPerFrame <= 0 {
		opts.MaxTilesPerFrame = 300
	}
	if opts.Workers <= 0 {
		opts.Workers = 6
	}
	if opts.MobileWorkers <= 0 {
		opts.MobileWorkers = 2
	}
	if opts.ClusterMinSize <= 0 {
		opts.ClusterMinSize = 1
	}
	workers := opts.Workers
	if opts.Mobile {
		workers = opts.MobileWorkers
	}
	m := &Manager{
		opts:          opts,
		grid:          opts.Grid,
		fetcher:       f,
		sched:         NewScheduler(workers),
		log:           logging.OrDiscard(opts.Log),
		tiles:         map[canvas.TileKey]*tileEntry{},
		chunks:        map[canvas.ChunkKey]*chunkEntry{},
		cells:         map[canvas.Coord]canvas.Cell{},
		buckets:       map[canvas.ChunkKey]map[canvas.Coord]struct{}{},
		owners:        map[string]int{},
		groups:        map[string]int{},
		ownerGroups:   map[OwnerGroup]int{},
		visibleTiles:  map[canvas.TileKey]struct{}{},
		visibleChunks: map[canvas.ChunkKey]struct{}{},
	}
	m.debounce = cluster.NewDebouncer(opts.ClusterDebounce, func() { m.clusterDirty.Store(true) })
	return m
}

func (m *Manager) SnapZoom(scale float64) int { return m.grid.SnapZoom(scale) }

func (m *Manager) ChunkScale(zoom int) int { return m.grid.ChunkScale(zoom) }

func (m *Manager) nextGen() uint64 {
	m.gen++
	return m.gen
}

// Update brings the caches in line with the view, clipped to the world. When the visible tile count
// exceeds the per-frame budget nothing is fetched.
func (m *Manager) Update(v View) Frame {
	zoom := m.SnapZoom(v.Scale)
	scale := m.ChunkScale(zoom)
	rect := v.Rect().Intersect(m.grid.Bounds())
	fr := Frame{Zoom: zoom, ChunkScale: scale}

	if n := m.grid.TileSpanFor(rect, zoom).Count(); n > m.opts.MaxTilesPerFrame {
		fr.Skipped = true
		fr.Err = canvas.ErrRequestTooLarge
		m.log.WithFields(logrus.Fields{"tiles": n, "zoom": zoom}).Debug("frame over budget")
		return fr
	}

	fr.Tiles = m.grid.TileKeys(rect, zoom)
	fr.Chunks = m.grid.ChunkKeys(rect, scale)
	clear(m.visibleTiles)
	clear(m.visibleChunks)

	for _, k := range fr.Tiles {
		m.visibleTiles[k] = struct{}{}
		if _, ok := m.tiles[k]; ok {
			continue
		}
		if m.enqueueTile(k) {
			fr.Enqueued++
		}
	}
	for _, k := range fr.Chunks {
		m.visibleChunks[k] = struct{}{}
		if _, ok := m.chunks[k]; ok {
			continue
		}
		if m.enqueueChunk(k) {
			fr.Enqueued++
		}
	}

	for k, e := range m.tiles {
		if _, vis := m.visibleTiles[k]; !vis && e.state == Pending {
			m.sched.Cancel(tileJob(k))
			delete(m.tiles, k)
			fr.Cancelled++
		}
	}
	for k, e := range m.chunks {
		if _, vis := m.visibleChunks[k]; !vis && e.state == Pending {
			m.sched.Cancel(chunkJob(k))
			delete(m.chunks, k)
			fr.Cancelled++
		}
	}

	if m.pending() == 0 {
		for k, e := range m.tiles {
			if _, vis := m.visibleTiles[k]; !vis && e.state == Loaded {
				delete(m.tiles, k)
				fr.Retired++
			}
		}
		fr.Retired += m.retireChunks(rect, scale)
	}
	return fr
}

// retireChunks drops loaded chunks more than one chunk away from the view,
// along with cached cells no remaining chunk covers.
func (m *Manager) retireChunks(view canvas.Rect, scale int) int {
	var keep canvas.Rect
	if !view.Empty() {
		pad := m.grid.ChunkSpan(scale)
		keep = canvas.Rect{MinX: view.MinX - pad, MinY: view.MinY - pad, MaxX: view.MaxX + pad, MaxY: view.MaxY + pad}
	}
	var gone []canvas.Rect
	for k, e := range m.chunks {
		if e.state != Loaded {
			continue
		}
		if r := m.grid.ChunkRect(k); !r.Intersects(keep) {
			delete(m.chunks, k)
			gone = append(gone, r)
		}
	}
	if len(gone) == 0 {
		return 0
	}
	scales := m.chunkScales()
	var drop []canvas.Coord
	for _, r := range gone {
		for _, b := range m.grid.ChunkKeys(r, 1) {
			for c := range m.buckets[b] {
				if r.Contains(c.X, c.Y) && !m.covered(c, scales) {
					drop = append(drop, c)
				}
			}
		}
	}
	for _, c := range drop {
		m.mergeCell(canvas.Cell{X: c.X, Y: c.Y})
	}
	if len(drop) > 0 {
		m.debounce.Trigger()
	}
	return len(gone)
}

func (m *Manager) covered(c canvas.Coord, scales []int) bool {
	for _, s := range scales {
		if _, ok := m.chunks[m.grid.ChunkOf(c, s)]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) enqueueTile(k canvas.TileKey) bool {
	e := &tileEntry{state: Pending, gen: m.nextGen()}
	ok := m.sched.Enqueue(tileJob(k), e.gen, func(ctx context.Context) (any, error) {
		return m.fetcher.FetchTile(ctx, k)
	})
	if ok {
		m.tiles[k] = e
	}
	return ok
}

func (m *Manager) enqueueChunk(k canvas.ChunkKey) bool {
	e := &chunkEntry{state: Pending, gen: m.nextGen()}
	r := m.grid.ChunkRect(k)
	ok := m.sched.Enqueue(chunkJob(k), e.gen, func(ctx context.Context) (any, error) {
		return m.fetcher.FetchChunk(ctx, k, r)
	})
	if ok {
		m.chunks[k] = e
	}
	return ok
}

func (m *Manager) pending() int {
	n := 0
	for _, e := range m.tiles {
		if e.state == Pending {
			n++
		}
	}
	for _, e := range m.chunks {
		if e.state == Pending {
			n++
		}
	}
	return n
}

// Drain applies every completed fetch without blocking and returns how many
// results were consumed.
func (m *Manager) Drain() int {
	n := 0
	for {
		select {
		case r := <-m.sched.Results():
			m.apply(r)
			n++
		default:
			m.refreshClusters()
			return n
		}
	}
}

// Settle drains until no fetch is pending or ctx ends.
func (m *Manager) Settle(ctx context.Context) error {
	for {
		m.Drain()
		if m.pending() == 0 {
			return nil
		}
		select {
		case r := <-m.sched.Results():
			m.apply(r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) apply(r result) {
	switch r.key.kind {
	case jobTile:
		e := m.tiles[r.key.tile]
		if e == nil || e.gen != r.gen || e.state != Pending {
			return
		}
		if r.err != nil {
			delete(m.tiles, r.key.tile)
			m.logFetchError("tile", r.err)
			return
		}
		e.png, _ = r.value.([]byte)
		e.state = Loaded
	case jobChunk:
		e := m.chunks[r.key.chunk]
		if e == nil || e.gen != r.gen || e.state != Pending {
			return
		}
		if r.err != nil {
			delete(m.chunks, r.key.chunk)
			m.logFetchError("chunk", r.err)
			return
		}
		cells, _ := r.value.([]canvas.Cell)
		m.replaceRect(m.grid.ChunkRect(r.key.chunk), cells)
		e.state = Loaded
		m.debounce.Trigger()
	}
}

func (m *Manager) logFetchError(kind string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	m.log.WithError(err).WithField("kind", kind).Warn("fetch failed")
}

// replaceRect makes cells the authoritative content of r. The chunk result is
// only applied when no event touched r since the fetch started.
func (m *Manager) replaceRect(r canvas.Rect, cells []canvas.Cell) {
	incoming := make(map[canvas.Coord]struct{}, len(cells))
	for _, c := range cells {
		incoming[c.Coord()] = struct{}{}
	}
	var gone []canvas.Coord
	for _, b := range m.grid.ChunkKeys(r, 1) {
		for k := range m.buckets[b] {
			if _, ok := incoming[k]; !ok && r.Contains(k.X, k.Y) {
				gone = append(gone, k)
			}
		}
	}
	for _, k := range gone {
		m.mergeCell(canvas.Cell{X: k.X, Y: k.Y})
	}
	for _, c := range cells {
		m.mergeCell(c)
	}
}

func (m *Manager) mergeCell(c canvas.Cell) {
	k := c.Coord()
	if old, ok := m.cells[k]; ok && old.Owned() {
		dec(m.owners, old.Owner)
		if old.Group != "" {
			dec(m.groups, old.Group)
			decOG(m.ownerGroups, OwnerGroup{old.Owner, old.Group})
		}
	}
	b := m.grid.ChunkOf(k, 1)
	if !c.Owned() {
		delete(m.cells, k)
		if set := m.buckets[b]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(m.buckets, b)
			}
		}
		return
	}
	m.cells[k] = c
	set := m.buckets[b]
	if set == nil {
		set = map[canvas.Coord]struct{}{}
		m.buckets[b] = set
	}
	set[k] = struct{}{}
	m.owners[c.Owner]++
	if c.Group != "" {
		m.groups[c.Group]++
		m.ownerGroups[OwnerGroup{c.Owner, c.Group}]++
	}
}

func dec(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

func decOG(m map[OwnerGroup]int, k OwnerGroup) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// ApplyEvent merges a live event. A gap in sequence numbers, or a RESYNC,
// drops every cache; the return value reports that.
func (m *Manager) ApplyEvent(ev protocol.Event) (resynced bool) {
	switch ev.Type {
	case protocol.TypeResync:
		m.InvalidateAll()
		m.lastSeq = ev.Seq
		return true
	case protocol.TypeUpdate, protocol.TypeBatchUpdate:
	default:
		return false
	}

	if ev.Seq != 0 && m.lastSeq != 0 {
		if ev.Seq <= m.lastSeq {
			return false
		}
		if ev.Seq != m.lastSeq+1 {
			m.log.WithFields(logrus.Fields{"have": m.lastSeq, "got": ev.Seq}).Warn("sequence gap, resyncing")
			m.InvalidateAll()
			resynced = true
		}
	}
	if ev.Seq != 0 {
		m.lastSeq = ev.Seq
	}
	for _, c := range ev.Cells {
		m.mergeCell(c)
		m.Invalidate(m.grid.CellRect(c.Coord()))
	}
	if len(ev.Cells) > 0 {
		m.debounce.Trigger()
	}
	return resynced
}

// SetSeq records the stream position announced by the server.
func (m *Manager) SetSeq(seq uint64) { m.lastSeq = seq }

func (m *Manager) LastSeq() uint64 { return m.lastSeq }

// Invalidate evicts every tile (at every cached zoom) and attribute chunk (at
// every cached scale) whose rect intersects r, cancelling in-flight fetches.
// Evicted keys are refetched by the next Update.
func (m *Manager) Invalidate(r canvas.Rect) int {
	if r.Empty() {
		return 0
	}
	evicted := 0
	for _, z := range m.tileZooms() {
		sp := m.grid.TileSpanFor(r, z)
		if sp.Count() > len(m.tiles) {
			for k := range m.tiles {
				if k.Zoom == z && m.grid.TileRect(k).Intersects(r) {
					m.evictTile(k)
					evicted++
				}
			}
			continue
		}
		for _, k := range m.grid.TileKeys(r, z) {
			if _, ok := m.tiles[k]; ok {
				m.evictTile(k)
				evicted++
			}
		}
	}
	for _, s := range m.chunkScales() {
		for _, k := range m.grid.ChunkKeys(r, s) {
			if _, ok := m.chunks[k]; ok {
				m.evictChunk(k)
				evicted++
			}
		}
	}
	return evicted
}

func (m *Manager) evictTile(k canvas.TileKey) {
	if m.tiles[k].state == Pending {
		m.sched.Cancel(tileJob(k))
	}
	delete(m.tiles, k)
}

func (m *Manager) evictChunk(k canvas.ChunkKey) {
	if m.chunks[k].state == Pending {
		m.sched.Cancel(chunkJob(k))
	}
	delete(m.chunks, k)
}

func (m *Manager) tileZooms() []int {
	seen := map[int]struct{}{}
	for k := range m.tiles {
		seen[k.Zoom] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for z := range seen {
		out = append(out, z)
	}
	return out
}

func (m *Manager) chunkScales() []int {
	seen := map[int]struct{}{}
	for k := range m.chunks {
		seen[k.Scale] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// InvalidateAll cancels every fetch and empties every cache.
func (m *Manager) InvalidateAll() {
	for k, e := range m.tiles {
		if e.state == Pending {
			m.sched.Cancel(tileJob(k))
		}
	}
	for k, e := range m.chunks {
		if e.state == Pending {
			m.sched.Cancel(chunkJob(k))
		}
	}
	clear(m.tiles)
	clear(m.chunks)
	clear(m.cells)
	clear(m.buckets)
	clear(m.owners)
	clear(m.groups)
	clear(m.ownerGroups)
	m.clusters = nil
}

func (m *Manager) refreshClusters() {
	if !m.clusterDirty.CompareAndSwap(true, false) {
		return
	}
	m.RecomputeClusters()
}

// RecomputeClusters runs the analyzer now instead of waiting for the debounce.
func (m *Manager) RecomputeClusters() []cluster.Cluster {
	cells := make([]canvas.Cell, 0, len(m.cells))
	for _, c := range m.cells {
		cells = append(cells, c)
	}
	m.clusters = cluster.Analyze(cells, m.grid.CellSize, m.opts.ClusterMinSize)
	return m.clusters
}

func (m *Manager) Clusters() []cluster.Cluster { return m.clusters }

func (m *Manager) Tile(k canvas.TileKey) ([]byte, bool) {
	e, ok := m.tiles[k]
	if !ok || e.state != Loaded {
		return nil, false
	}
	return e.png, true
}

func (m *Manager) TileState(k canvas.TileKey) EntryState {
	if e, ok := m.tiles[k]; ok {
		return e.state
	}
	return Absent
}

func (m *Manager) ChunkState(k canvas.ChunkKey) EntryState {
	if e, ok := m.chunks[k]; ok {
		return e.state
	}
	return Absent
}

func (m *Manager) CellAt(c canvas.Coord) (canvas.Cell, bool) {
	cell, ok := m.cells[c]
	return cell, ok
}

// Cells returns the attribute cache ordered by (y, x).
func (m *Manager) Cells() []canvas.Cell {
	out := make([]canvas.Cell, 0, len(m.cells))
	for _, c := range m.cells {
		out = append(out, c)
	}
	slices.SortFunc(out, canvas.CompareCells)
	return out
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Cells:       len(m.cells),
		Owners:      make(map[string]int, len(m.owners)),
		Groups:      make(map[string]int, len(m.groups)),
		OwnerGroups: make(map[OwnerGroup]int, len(m.ownerGroups)),
		LastSeq:     m.lastSeq,
	}
	for k, v := range m.owners {
		st.Owners[k] = v
	}
	for k, v := range m.groups {
		st.Groups[k] = v
	}
	for k, v := range m.ownerGroups {
		st.OwnerGroups[k] = v
	}
	for _, e := range m.tiles {
		if e.state == Loaded {
			st.TilesLoaded++
		} else {
			st.TilesPending++
		}
	}
	for _, e := range m.chunks {
		if e.state == Loaded {
			st.ChunksLoaded++
		} else {
			st.ChunksPending++
		}
	}
	return st
}

func (m *Manager) Close() {
	m.debounce.Stop()
	m.sched.Close()
}
