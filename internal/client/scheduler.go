package client

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"pixelcanvas.ai/internal/canvas"
)

type jobKind uint8

const (
	jobTile jobKind = iota + 1
	jobChunk
)

// jobKey identifies one fetch; at most one per key is queued or running.
type jobKey struct {
	kind  jobKind
	tile  canvas.TileKey
	chunk canvas.ChunkKey
}

func tileJob(k canvas.TileKey) jobKey   { return jobKey{kind: jobTile, tile: k} }
func chunkJob(k canvas.ChunkKey) jobKey { return jobKey{kind: jobChunk, chunk: k} }

type job struct {
	key    jobKey
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	run    func(ctx context.Context) (any, error)
}

type result struct {
	key   jobKey
	gen   uint64
	value any
	err   error
}

// Scheduler runs fetches FIFO with bounded concurrency. Workers only do I/O
// and post results; the owner applies them.
type Scheduler struct {
	sem     *semaphore.Weighted
	results chan result
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []*job
	pending map[jobKey]*job
	running int
}

func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:     semaphore.NewWeighted(int64(workers)),
		results: make(chan result, 1024),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		pending: map[jobKey]*job{},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch()
	}()
	return s
}

// Enqueue adds a fetch unless one for key is already queued or running.
func (s *Scheduler) Enqueue(key jobKey, gen uint64, run func(ctx context.Context) (any, error)) bool {
	s.mu.Lock()
	if _, dup := s.pending[key]; dup || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{key: key, gen: gen, ctx: ctx, cancel: cancel, run: run}
	s.pending[key] = j
	s.queue = append(s.queue, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel aborts the fetch for key. A queued job never runs; a running job's
// context is cancelled and its result, if any, carries the old generation.
func (s *Scheduler) Cancel(key jobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.pending[key]
	if !ok {
		return false
	}
	j.cancel()
	delete(s.pending, key)
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return true
}

// Pending counts queued plus running jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Running counts jobs holding a worker slot.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Results() <-chan result { return s.results }

func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				s.sem.Release(1)
				break
			}
			j := s.queue[0]
			s.queue = s.queue[1:]
			s.running++
			s.mu.Unlock()

			s.wg.Add(1)
			go s.work(j)
		}
	}
}

func (s *Scheduler) work(j *job) {
	defer s.wg.Done()
	v, err := j.run(j.ctx)
	if err == nil {
		err = j.ctx.Err()
	}
	j.cancel()

	s.mu.Lock()
	s.running--
	if s.pending[j.key] == j {
		delete(s.pending, j.key)
	}
	s.mu.Unlock()
	s.sem.Release(1)

	select {
	case s.results <- result{key: j.key, gen: j.gen, value: v, err: err}:
	case <-s.ctx.Done():
	}
}

// Close cancels everything and waits for workers to exit.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	for _, j := range s.pending {
		j.cancel()
	}
	s.pending = map[jobKey]*job{}
	s.queue = nil
	s.mu.Unlock()
	s.wg.Wait()
}
