package cellstore

import (
	"context"
	"slices"
	"sync"

	"pixelcanvas.ai/internal/canvas"
)

const memBucket = 1000

type bucketKey struct{ bx, by int }

// MemStore keeps cells in memory, bucketed for range scans.
type MemStore struct {
	mu      sync.RWMutex
	cells   map[canvas.Coord]canvas.Cell
	buckets map[bucketKey]map[canvas.Coord]struct{}
	closed  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		cells:   map[canvas.Coord]canvas.Cell{},
		buckets: map[bucketKey]map[canvas.Coord]struct{}{},
	}
}

func bucketOf(c canvas.Coord) bucketKey {
	return bucketKey{bx: floorDiv(c.X, memBucket), by: floorDiv(c.Y, memBucket)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (s *MemStore) RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []canvas.Cell
	lo := bucketOf(canvas.Coord{X: r.MinX, Y: r.MinY})
	hi := bucketOf(canvas.Coord{X: r.MaxX - 1, Y: r.MaxY - 1})
	if (hi.bx-lo.bx+1)*(hi.by-lo.by+1) > len(s.buckets) {
		for k, c := range s.cells {
			if r.Contains(k.X, k.Y) {
				out = append(out, c)
			}
		}
	} else {
		for by := lo.by; by <= hi.by; by++ {
			for bx := lo.bx; bx <= hi.bx; bx++ {
				for k := range s.buckets[bucketKey{bx, by}] {
					if r.Contains(k.X, k.Y) {
						out = append(out, s.cells[k])
					}
				}
			}
		}
	}
	slices.SortFunc(out, canvas.CompareCells)
	return out, nil
}

func (s *MemStore) Get(ctx context.Context, c canvas.Coord) (canvas.Cell, bool, error) {
	if err := s.check(ctx); err != nil {
		return canvas.Cell{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[c]
	return cell, ok, nil
}

func (s *MemStore) Apply(ctx context.Context, b Batch) (Result, error) {
	if err := s.check(ctx); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[canvas.Coord]canvas.Cell, len(b.Cells))
	for _, c := range b.Cells {
		if cur, ok := s.cells[c.Coord()]; ok {
			current[c.Coord()] = cur
		}
	}
	res, err := Outcome(Classify(b, current), b.Policy)
	if err != nil {
		return res, err
	}
	s.putLocked(res.Applied)
	return res, nil
}

func (s *MemStore) Upsert(ctx context.Context, cells []canvas.Cell) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(cells)
	return nil
}

func (s *MemStore) putLocked(cells []canvas.Cell) {
	for _, c := range cells {
		k := c.Coord()
		if !c.Owned() {
			s.deleteLocked(k)
			continue
		}
		s.cells[k] = c
		bk := bucketOf(k)
		b := s.buckets[bk]
		if b == nil {
			b = map[canvas.Coord]struct{}{}
			s.buckets[bk] = b
		}
		b[k] = struct{}{}
	}
}

func (s *MemStore) deleteLocked(k canvas.Coord) {
	delete(s.cells, k)
	bk := bucketOf(k)
	if b := s.buckets[bk]; b != nil {
		delete(b, k)
		if len(b) == 0 {
			delete(s.buckets, bk)
		}
	}
}

func (s *MemStore) GroupCounts(ctx context.Context) ([]GroupCount, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byGroup := map[string]*GroupCount{}
	owners := map[string]map[string]struct{}{}
	for _, c := range s.cells {
		if c.Group == "" {
			continue
		}
		gc := byGroup[c.Group]
		if gc == nil {
			gc = &GroupCount{Group: c.Group}
			byGroup[c.Group] = gc
			owners[c.Group] = map[string]struct{}{}
		}
		gc.Cells++
		owners[c.Group][c.Owner] = struct{}{}
	}
	out := make([]GroupCount, 0, len(byGroup))
	for g, gc := range byGroup {
		gc.Owners = len(owners[g])
		out = append(out, *gc)
	}
	return Shares(out), nil
}

func (s *MemStore) Count(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells), nil
}

func (s *MemStore) Reset(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.cells)
	s.cells = map[canvas.Coord]canvas.Cell{}
	s.buckets = map[bucketKey]map[canvas.Coord]struct{}{}
	return n, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Unavailable("memstore", errClosed)
	}
	return nil
}
