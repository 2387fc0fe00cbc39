package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pixelcanvas.ai/internal/app"
	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/cli"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/persistence/journal"
	"pixelcanvas.ai/internal/persistence/snapshot"
)

const journalPrefix = "applied"

var (
	rootCmd = &cobra.Command{
		Use:   "canvasd",
		Short: "pixel canvas tile and live-update server",
	}
	serveCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Serve tiles, attribute chunks, mutations and the live stream",
		PreRunE: cli.BindFlags,
		RunE:    serve,
	}
)

func init() {
	cobra.OnInitialize(cli.InitConfig)
	rootCmd.AddCommand(serveCmd)

	cli.AddConfigFlags(serveCmd)
	cli.AddLogFlags(serveCmd)
	cli.AddStoreFlags(serveCmd)
	cli.AddMirrorFlags(serveCmd)

	f := serveCmd.Flags()
	f.String("addr", ":8080", "http listen address")
	f.String("journal-dir", "./data/journal", "directory for the applied-batch journal (empty to disable)")
	f.String("restore", "", "snapshot to load into an empty store at startup")
	f.String("export-on-exit", "", "write a snapshot of all cells here on shutdown")
	f.Int("backlog", 1024, "events kept for reconnecting viewers")
	f.String("gin-mode", gin.ReleaseMode, "gin mode (debug, release, test)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(_ *cobra.Command, _ []string) error {
	logger := cli.Logger()
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gin.SetMode(viper.GetString("gin-mode"))

	store, err := cli.OpenStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	mir, err := cli.OpenMirror(logger)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	defer mir.Close()

	ctx, cancel := signalContext()
	defer cancel()

	seq, err := restore(ctx, store, cfg.Grid, viper.GetString("restore"), logger)
	if err != nil {
		return err
	}

	var jw *journal.Writer
	if dir := viper.GetString("journal-dir"); dir != "" {
		last, err := journal.LastSeq(dir, journalPrefix)
		if err != nil {
			logger.WithError(err).Warn("journal unreadable; sequence restarts")
		}
		seq = max(seq, last)
		jw = journal.NewWriter(dir, journalPrefix)
		jw.OnClose(func(p string) { mir.Enqueue("journal/"+filepath.Base(p), p) })
	}

	a, err := app.New(app.Options{
		Config:  cfg,
		Store:   store,
		Journal: jw,
		Seq:     seq,
		Backlog: viper.GetInt("backlog"),
		Log:     logger,
	})
	if err != nil {
		return err
	}

	addr := viper.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		// Viewers get RESYNC before the listener goes away.
		a.Hub.Close()
		_ = srv.Shutdown(ctx2)
	}()

	logger.WithFields(logrus.Fields{
		"addr":  addr,
		"store": viper.GetString("store"),
		"seq":   seq,
		"world": cfg.Grid.WorldSize,
	}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}

	if err := a.Close(); err != nil {
		logger.WithError(err).Warn("close journal")
	}
	if path := viper.GetString("export-on-exit"); path != "" {
		n, err := export(context.Background(), store, cfg.Grid, a.Hub.Seq(), path)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		logger.WithFields(logrus.Fields{"path": path, "cells": n}).Info("snapshot written")
		mir.Enqueue("snapshots/"+filepath.Base(path), path)
	}
	return nil
}

// restore loads a snapshot into an empty store and returns its sequence.
func restore(ctx context.Context, store cellstore.Store, g canvas.Grid, path string, log logrus.FieldLogger) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	n, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	if n > 0 {
		log.WithField("cells", n).Info("store not empty; snapshot cells skipped")
		return snap.Header.Seq, nil
	}
	if snap.Header.Grid != g {
		return 0, fmt.Errorf("snapshot grid %+v does not match config %+v", snap.Header.Grid, g)
	}
	if err := store.Upsert(ctx, snap.ToCells()); err != nil {
		return 0, fmt.Errorf("restore snapshot: %w", err)
	}
	log.WithFields(logrus.Fields{"path": path, "cells": len(snap.Cells), "seq": snap.Header.Seq}).Info("restored snapshot")
	return snap.Header.Seq, nil
}

func export(ctx context.Context, store cellstore.Store, g canvas.Grid, seq uint64, path string) (int, error) {
	cells, err := store.RangeQuery(ctx, g.Bounds())
	if err != nil {
		return 0, err
	}
	snap := snapshot.FromCells(snapshot.Header{CreatedAt: time.Now().UTC(), Grid: g, Seq: seq}, cells)
	return len(cells), snapshot.WriteSnapshot(path, snap)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
