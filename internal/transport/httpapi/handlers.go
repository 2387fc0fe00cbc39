package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pixelcanvas.ai/internal/broadcast"
	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/chunkdata"
	"pixelcanvas.ai/internal/metrics"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/protocol"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, canvas.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, canvas.ErrAlreadyOwned):
		return http.StatusConflict
	case errors.Is(err, canvas.ErrInvalidCoordinate), errors.Is(err, canvas.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, canvas.ErrTransientFetch), errors.Is(err, broadcast.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *api) fail(c *gin.Context, err error) {
	body := protocol.ErrorBody{Code: protocol.CodeFor(err), Message: err.Error()}
	if errors.Is(err, broadcast.ErrClosed) {
		body.Code = protocol.ErrTransient
	}
	var be *canvas.BatchError
	if errors.As(err, &be) {
		body.Failures = be.Failures
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", c.Request.URL.Path).Warn("request error")
	}
	c.AbortWithStatusJSON(status, body)
}

func intQuery(c *gin.Context, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		v, err := strconv.Atoi(c.Query(n))
		if err != nil {
			return nil, fmt.Errorf("%w: query %s: %q is not an integer", canvas.ErrInvalidRequest, n, c.Query(n))
		}
		out[i] = v
	}
	return out, nil
}

func (a *api) getTile(c *gin.Context) {
	v, err := intQuery(c, "x", "y", "zoom")
	if err != nil {
		a.fail(c, err)
		return
	}
	t, err := a.Tiles.Tile(c.Request.Context(), canvas.TileKey{X: v[0], Y: v[1], Zoom: v[2]})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Header("ETag", t.ETag)
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(a.maxAge.Seconds())))
	if match := c.GetHeader("If-None-Match"); match != "" && match == t.ETag {
		metrics.TileNotModified.Inc()
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "image/png", t.PNG)
}

func (a *api) getChunk(c *gin.Context) {
	v, err := intQuery(c, "minX", "minY", "maxX", "maxY")
	if err != nil {
		a.fail(c, err)
		return
	}
	format, err := chunkdata.ParseFormat(c.Query("format"))
	if err != nil {
		a.fail(c, err)
		return
	}
	cells, err := a.Chunks.GetChunk(c.Request.Context(), canvas.Rect{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Header("Content-Type", format.ContentType())
	c.Status(http.StatusOK)
	if err := chunkdata.Encode(c.Writer, format, cells); err != nil {
		a.log.WithError(err).Warn("write chunk")
	}
}

func (a *api) postPixels(c *gin.Context) {
	var req canvas.MutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, fmt.Errorf("%w: %w", canvas.ErrInvalidRequest, err))
		return
	}
	applied, err := a.Hub.Apply(c.Request.Context(), req)
	if err != nil {
		var be *canvas.BatchError
		if !errors.As(err, &be) && len(applied.Failures) > 0 {
			err = &canvas.BatchError{Failures: applied.Failures}
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.ApplyResponse{
		Seq:      applied.Seq,
		Cells:    applied.Cells,
		Failures: applied.Failures,
	})
}

// RankEntry is one group on the leaderboard. Territory is the fraction of all
// world cells the group holds.
type RankEntry struct {
	cellstore.GroupCount
	Territory float64 `json:"territory"`
}

func (a *api) getRanking(c *gin.Context) {
	counts, err := a.Store.GroupCounts(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	counts = cellstore.Shares(counts)
	side := float64(a.grid.WorldSize / a.grid.CellSize)
	out := make([]RankEntry, 0, len(counts))
	for _, gc := range counts {
		out = append(out, RankEntry{GroupCount: gc, Territory: float64(gc.Cells) / (side * side)})
	}
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n < len(out) {
		out = out[:n]
	}
	c.JSON(http.StatusOK, gin.H{"groups": out, "seq": a.Hub.Seq()})
}

func (a *api) getConfig(c *gin.Context) {
	cfg := a.Config
	c.JSON(http.StatusOK, protocol.ConfigResponse{
		Grid:             cfg.Grid,
		ProtocolVersion:  protocol.Version,
		MaxTilesPerFrame: cfg.Limits.MaxTilesPerFrame,
		MaxChunkArea:     cfg.Limits.MaxChunkArea,
		MaxBatchCells:    cfg.Limits.MaxBatchCells,
		TileMaxAge:       cfg.Tiles.MaxAgeSeconds,
		Client:           protocol.ClientParams(cfg.Client),
		Seq:              a.Hub.Seq(),
	})
}
