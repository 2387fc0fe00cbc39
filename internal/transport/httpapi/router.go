// Package httpapi exposes tiles, attribute chunks, mutations and the
// leaderboard over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/broadcast"
	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/chunkdata"
	"pixelcanvas.ai/internal/config"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/tiles"
)

type Deps struct {
	Config config.Config
	Hub    *broadcast.Hub
	Store  cellstore.Store
	Tiles  *tiles.Service
	Chunks *chunkdata.Server
	// Stream serves /v1/ws when set.
	Stream http.Handler
	Log    logrus.FieldLogger
}

type api struct {
	Deps
	grid   canvas.Grid
	maxAge time.Duration
	log    logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	a := &api{
		Deps:   d,
		grid:   d.Config.Grid,
		maxAge: time.Duration(d.Config.Tiles.MaxAgeSeconds) * time.Second,
		log:    logging.OrDiscard(d.Log),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "If-None-Match"},
		ExposeHeaders:   []string{"ETag", "Cache-Control"},
		MaxAge:          12 * time.Hour,
	}))

	pixels := r.Group("/api/pixels")
	pixels.GET("/tile", a.getTile)
	pixels.GET("/chunk", a.getChunk)
	pixels.POST("", a.postPixels)

	r.GET("/api/ranking", a.getRanking)
	r.GET("/api/config", a.getConfig)

	if d.Stream != nil {
		r.GET("/v1/ws", gin.WrapH(d.Stream))
	}
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(c.Writer)
	})
	return r
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
