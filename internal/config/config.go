package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pixelcanvas.ai/internal/canvas"
)

// Config is the canvas.yaml document. Zero fields take defaults.
type Config struct {
	Grid   canvas.Grid `yaml:"grid"`
	Limits Limits      `yaml:"limits"`
	Tiles  Tiles       `yaml:"tiles"`
	Client Client      `yaml:"client"`
	Stream Stream      `yaml:"stream"`
}

type Limits struct {
	MaxTilesPerFrame int   `yaml:"max_tiles_per_frame"`
	MaxChunkArea     int64 `yaml:"max_chunk_area"`
	MaxBatchCells    int   `yaml:"max_batch_cells"`
	// Seconds a purchased cell is held; 0 disables expiry.
	CellTTLSeconds int64 `yaml:"cell_ttl_seconds"`
}

type Tiles struct {
	MaxAgeSeconds int   `yaml:"max_age_seconds"`
	CacheBytes    int64 `yaml:"cache_bytes"`
	CacheCounters int64 `yaml:"cache_counters"`
}

type Client struct {
	Workers           int `yaml:"workers" json:"workers"`
	MobileWorkers     int `yaml:"mobile_workers" json:"mobile_workers"`
	ClusterDebounceMs int `yaml:"cluster_debounce_ms" json:"cluster_debounce_ms"`
	ClusterMinSize    int `yaml:"cluster_min_size" json:"cluster_min_size"`
}

type Stream struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

func Default() Config {
	return Config{
		Grid: canvas.DefaultGrid(),
		Limits: Limits{
			MaxTilesPerFrame: 300,
			MaxChunkArea:     16000 * 16000,
			MaxBatchCells:    50000,
			CellTTLSeconds:   30 * 24 * 3600,
		},
		Tiles: Tiles{
			MaxAgeSeconds: 60,
			CacheBytes:    64 << 20,
			CacheCounters: 100_000,
		},
		Client: Client{
			Workers:           6,
			MobileWorkers:     2,
			ClusterDebounceMs: 500,
			ClusterMinSize:    1,
		},
		Stream: Stream{SubscriberBuffer: 256},
	}
}

func (c Client) ClusterDebounce() time.Duration {
	return time.Duration(c.ClusterDebounceMs) * time.Millisecond
}

// Load reads path over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("canvas.yaml: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("canvas.yaml: %w", err)
	}
	return cfg, nil
}

// fill restores defaults for keys explicitly set to zero.
func (c *Config) fill() {
	d := Default()
	g := &c.Grid
	if g.WorldSize == 0 {
		g.WorldSize = d.Grid.WorldSize
	}
	if g.CellSize == 0 {
		g.CellSize = d.Grid.CellSize
	}
	if g.TileSize == 0 {
		g.TileSize = d.Grid.TileSize
	}
	if g.MaxZoom == 0 {
		g.MaxZoom = d.Grid.MaxZoom
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = d.Grid.ChunkSize
	}
	if g.MaxChunkScale == 0 {
		g.MaxChunkScale = d.Grid.MaxChunkScale
	}
	if c.Limits.MaxTilesPerFrame == 0 {
		c.Limits.MaxTilesPerFrame = d.Limits.MaxTilesPerFrame
	}
	if c.Limits.MaxChunkArea == 0 {
		c.Limits.MaxChunkArea = d.Limits.MaxChunkArea
	}
	if c.Limits.MaxBatchCells == 0 {
		c.Limits.MaxBatchCells = d.Limits.MaxBatchCells
	}
	if c.Tiles.CacheBytes == 0 {
		c.Tiles.CacheBytes = d.Tiles.CacheBytes
	}
	if c.Tiles.CacheCounters == 0 {
		c.Tiles.CacheCounters = d.Tiles.CacheCounters
	}
	if c.Client.Workers == 0 {
		c.Client.Workers = d.Client.Workers
	}
	if c.Client.MobileWorkers == 0 {
		c.Client.MobileWorkers = d.Client.MobileWorkers
	}
	if c.Client.ClusterMinSize == 0 {
		c.Client.ClusterMinSize = d.Client.ClusterMinSize
	}
	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = d.Stream.SubscriberBuffer
	}
}

func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.Limits.MaxTilesPerFrame < 1 {
		errs = append(errs, fmt.Errorf("limits.max_tiles_per_frame must be >= 1"))
	}
	if c.Limits.MaxBatchCells < 1 {
		errs = append(errs, fmt.Errorf("limits.max_batch_cells must be >= 1"))
	}
	if c.Limits.CellTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("limits.cell_ttl_seconds must be >= 0"))
	}
	if c.Tiles.MaxAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("tiles.max_age_seconds must be >= 0"))
	}
	if c.Client.Workers < 1 || c.Client.MobileWorkers < 1 {
		errs = append(errs, fmt.Errorf("client workers must be >= 1"))
	}
	if c.Client.ClusterDebounceMs < 0 {
		errs = append(errs, fmt.Errorf("client.cluster_debounce_ms must be >= 0"))
	}
	return errors.Join(errs...)
}
