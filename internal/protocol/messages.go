package protocol

import "pixelcanvas.ai/internal/canvas"

// SUBSCRIBE (client -> server)
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerName      string `json:"viewer_name,omitempty"`
	// SinceSeq asks for a replay of events after this sequence; 0 means live only.
	SinceSeq uint64 `json:"since_seq,omitempty"`
	MaxQueue int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Seq             uint64      `json:"seq"`
	Grid            canvas.Grid `json:"grid"`
	MaxBatchCells   int         `json:"max_batch_cells"`
}

// SUBMIT (client -> server)
type SubmitMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	ID              string                 `json:"id"`
	Request         canvas.MutationRequest `json:"request"`
}

// ACK (server -> client), one per SUBMIT.
type AckMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	AckFor          string               `json:"ack_for"`
	Accepted        bool                 `json:"accepted"`
	Seq             uint64               `json:"seq,omitempty"`
	Applied         int                  `json:"applied,omitempty"`
	Code            string               `json:"code,omitempty"`
	Message         string               `json:"message,omitempty"`
	Failures        []canvas.CellFailure `json:"failures,omitempty"`
}

// Event is one applied mutation as broadcast to viewers: TypeUpdate for a
// single cell, TypeBatchUpdate otherwise. Receivers treat both alike.
type Event struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`
	Seq             uint64        `json:"seq"`
	Cells           []canvas.Cell `json:"cells"`
}

func EventType(n int) string {
	if n == 1 {
		return TypeUpdate
	}
	return TypeBatchUpdate
}

// RESYNC (server -> client): the stream lost continuity; drop caches.
type ResyncMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason"`
	Seq             uint64 `json:"seq"`
}

// ErrorBody is the JSON body of every non-2xx HTTP response.
type ErrorBody struct {
	Code     string               `json:"code"`
	Message  string               `json:"message"`
	Failures []canvas.CellFailure `json:"failures,omitempty"`
}

// ApplyResponse is the 200 body of POST /api/pixels.
type ApplyResponse struct {
	Seq      uint64               `json:"seq"`
	Cells    []canvas.Cell        `json:"cells"`
	Failures []canvas.CellFailure `json:"failures,omitempty"`
}

// ConfigResponse is the body of GET /api/config.
type ConfigResponse struct {
	Grid             canvas.Grid  `json:"grid"`
	ProtocolVersion  string       `json:"protocol_version"`
	MaxTilesPerFrame int          `json:"max_tiles_per_frame"`
	MaxChunkArea     int64        `json:"max_chunk_area"`
	MaxBatchCells    int          `json:"max_batch_cells"`
	TileMaxAge       int          `json:"tile_max_age"`
	Client           ClientParams `json:"client"`
	Seq              uint64       `json:"seq"`
}

// ClientParams are the cache manager defaults a server recommends.
type ClientParams struct {
	Workers           int `json:"workers"`
	MobileWorkers     int `json:"mobile_workers"`
	ClusterDebounceMs int `json:"cluster_debounce_ms"`
	ClusterMinSize    int `json:"cluster_min_size"`
}
