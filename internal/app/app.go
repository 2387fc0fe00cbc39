// Package app wires the canvas server: store, hub, tile cache, chunk server,
// journal and the HTTP/WebSocket front.
package app

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/broadcast"
	"pixelcanvas.ai/internal/chunkdata"
	"pixelcanvas.ai/internal/config"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/persistence/journal"
	"pixelcanvas.ai/internal/tiles"
	"pixelcanvas.ai/internal/transport/httpapi"
	"pixelcanvas.ai/internal/transport/ws"
)

type Options struct {
	Config config.Config
	Store  cellstore.Store
	// Journal, when set, receives every applied batch.
	Journal *journal.Writer
	// Seq resumes the event sequence, e.g. from the journal or a snapshot.
	Seq     uint64
	Backlog int
	Log     logrus.FieldLogger
}

type App struct {
	Hub     *broadcast.Hub
	Tiles   *tiles.Service
	Chunks  *chunkdata.Server
	Handler http.Handler

	store   cellstore.Store
	journal *journal.Writer
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	log := logging.OrDiscard(opts.Log)
	if opts.Backlog <= 0 {
		opts.Backlog = 1024
	}

	ts, err := tiles.NewService(tiles.NewRenderer(cfg.Grid, opts.Store), tiles.ServiceConfig{
		CacheBytes:    cfg.Tiles.CacheBytes,
		CacheCounters: cfg.Tiles.CacheCounters,
	}, log.WithField("component", "tiles"))
	if err != nil {
		return nil, err
	}

	hub := broadcast.NewHub(opts.Store, broadcast.Config{
		Grid:          cfg.Grid,
		MaxBatchCells: cfg.Limits.MaxBatchCells,
		CellTTL:       time.Duration(cfg.Limits.CellTTLSeconds) * time.Second,
		Backlog:       opts.Backlog,
	}, log.WithField("component", "hub"))
	hub.SetSeq(opts.Seq)

	hub.OnApplied(func(a broadcast.Applied) { ts.Invalidate(a.Cells) })
	if opts.Journal != nil {
		jw := opts.Journal
		hub.OnApplied(func(a broadcast.Applied) {
			if err := jw.Append(journal.Entry{Seq: a.Seq, At: a.At, Actor: a.Actor, Cells: a.Cells}); err != nil {
				metrics.JournalErrors.Inc()
				log.WithError(err).WithField("seq", a.Seq).Error("journal append failed")
			}
		})
	}

	chunks := chunkdata.NewServer(cfg.Grid, opts.Store, cfg.Limits.MaxChunkArea, log.WithField("component", "chunks"))
	stream := ws.NewServer(hub, cfg.Stream.SubscriberBuffer, log.WithField("component", "ws"))

	router := httpapi.NewRouter(httpapi.Deps{
		Config: cfg,
		Hub:    hub,
		Store:  opts.Store,
		Tiles:  ts,
		Chunks: chunks,
		Stream: stream.Handler(),
		Log:    log.WithField("component", "http"),
	})

	return &App{
		Hub:     hub,
		Tiles:   ts,
		Chunks:  chunks,
		Handler: router,
		store:   opts.Store,
		journal: opts.Journal,
	}, nil
}

// Close stops the hub, which disconnects viewers, then releases caches and
// the journal. The store is the caller's.
func (a *App) Close() error {
	a.Hub.Close()
	a.Tiles.Close()
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}
