package tiles

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
)

// Tile is an encoded PNG with its validator.
type Tile struct {
	Key  canvas.TileKey
	PNG  []byte
	ETag string
}

type ServiceConfig struct {
	CacheBytes    int64
	CacheCounters int64
	TTL           time.Duration
}

// Service caches encoded tiles and drops them when cells change.
type Service struct {
	r     *Renderer
	cache *ristretto.Cache[string, *Tile]
	ttl   time.Duration
	log   logrus.FieldLogger

	// mu orders cache writes against invalidations. epoch advances on every
	// invalidation; renders that straddle one are not cached.
	mu    sync.Mutex
	epoch uint64
}

func NewService(r *Renderer, cfg ServiceConfig, log logrus.FieldLogger) (*Service, error) {
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 64 << 20
	}
	if cfg.CacheCounters <= 0 {
		cfg.CacheCounters = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Tile]{
		NumCounters: cfg.CacheCounters,
		MaxCost:     cfg.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Service{r: r, cache: cache, ttl: cfg.TTL, log: logging.OrDiscard(log)}, nil
}

func cacheKey(k canvas.TileKey) string { return fmt.Sprintf("%d/%d/%d", k.Zoom, k.X, k.Y) }

func (s *Service) Tile(ctx context.Context, k canvas.TileKey) (*Tile, error) {
	if err := s.r.CheckKey(k); err != nil {
		return nil, err
	}
	key := cacheKey(k)
	if t, ok := s.cache.Get(key); ok {
		metrics.TileCacheHits.Inc()
		return t, nil
	}

	epoch := s.currentEpoch()
	start := time.Now()
	img, err := s.r.RenderTile(ctx, k.X, k.Y, k.Zoom)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		return nil, err
	}
	metrics.TileRenders.Inc()
	metrics.TileRenderTime.UpdateDuration(start)

	t := &Tile{Key: k, PNG: buf.Bytes(), ETag: fmt.Sprintf(`"%016x"`, xxhash.Sum64(buf.Bytes()))}
	s.put(key, t, epoch)
	return t, nil
}

func (s *Service) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// put caches t unless an invalidation ran since epoch was read.
func (s *Service) put(key string, t *Tile, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	if s.ttl > 0 {
		return s.cache.SetWithTTL(key, t, int64(len(t.PNG)), s.ttl)
	}
	return s.cache.Set(key, t, int64(len(t.PNG)))
}

// Invalidate drops every cached tile, at every zoom, that covers one of cells.
func (s *Service) Invalidate(cells []canvas.Cell) {
	if len(cells) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	g := s.r.Grid()
	seen := make(map[canvas.TileKey]struct{})
	for _, z := range g.ZoomLevels() {
		for _, c := range cells {
			for _, k := range g.TileKeys(g.CellRect(c.Coord()), z) {
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				s.cache.Del(cacheKey(k))
			}
		}
	}
	metrics.TileEvictions.Add(len(seen))
	s.log.WithFields(logrus.Fields{"cells": len(cells), "tiles": len(seen)}).Debug("tiles invalidated")
}

// Wait blocks until buffered cache writes are visible.
func (s *Service) Wait() { s.cache.Wait() }

func (s *Service) Close() { s.cache.Close() }
