// Package metrics holds the process-wide counters exposed on /metrics.
package metrics

import (
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

var set = vm.NewSet()

var (
	TileRenders     = set.NewCounter("canvas_tile_renders_total")
	TileCacheHits   = set.NewCounter("canvas_tile_cache_hits_total")
	TileNotModified = set.NewCounter("canvas_tile_not_modified_total")
	TileRenderTime  = set.NewSummary("canvas_tile_render_seconds")
	ChunkRequests   = set.NewCounter("canvas_chunk_requests_total")
	ChunkCells      = set.NewCounter("canvas_chunk_cells_total")
	AppliedBatches  = set.NewCounter("canvas_applied_batches_total")
	AppliedCells    = set.NewCounter("canvas_applied_cells_total")
	RejectedBatches = set.NewCounter("canvas_rejected_batches_total")
	ConflictCells   = set.NewCounter("canvas_conflict_cells_total")
	SlowConsumers   = set.NewCounter("canvas_slow_consumers_total")
	Subscribers     = set.NewCounter("canvas_subscribers")
	JournalErrors   = set.NewCounter("canvas_journal_errors_total")
	TileEvictions   = set.NewCounter("canvas_tile_evictions_total")
	MirrorUploads   = set.NewCounter("canvas_mirror_uploads_total")
	MirrorFailures  = set.NewCounter("canvas_mirror_failures_total")
	MirrorDropped   = set.NewCounter("canvas_mirror_dropped_total")
)

// WritePrometheus writes every canvas metric plus Go runtime metrics.
func WritePrometheus(w io.Writer) {
	set.WritePrometheus(w)
	vm.WriteProcessMetrics(w)
}
