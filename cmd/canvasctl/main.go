package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/cli"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/persistence/journal"
	"pixelcanvas.ai/internal/persistence/snapshot"
	"pixelcanvas.ai/internal/seed"
)

var rootCmd = &cobra.Command{
	Use:               "canvasctl",
	Short:             "offline maintenance for the canvas cell store",
	PersistentPreRunE: cli.BindFlags,
	SilenceUsage:      true,
}

func init() {
	cobra.OnInitialize(cli.InitConfig)
	cli.AddConfigFlags(rootCmd)
	cli.AddLogFlags(rootCmd)
	cli.AddStoreFlags(rootCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the canvas with clustered demo ownership",
		RunE:  withStore(runSeed),
	}
	seedCmd.Flags().Float64("fill", 0.08, "fraction of world cells to occupy")
	seedCmd.Flags().Int("batch", 500, "cells per write transaction")
	seedCmd.Flags().Int64("rand-seed", 0, "random seed (0 uses the clock)")
	seedCmd.Flags().Bool("keep", false, "keep existing cells instead of resetting first")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every cell",
		RunE:  withStore(runReset),
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Print store columns, cell count and per-group totals",
		RunE:  withStore(runCheck),
	}
	exportCmd := &cobra.Command{
		Use:   "export <snapshot>",
		Short: "Write every owned cell to a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  withStore(runExport),
	}
	exportCmd.Flags().Uint64("seq", 0, "sequence recorded in the snapshot header")
	cli.AddMirrorFlags(exportCmd)
	importCmd := &cobra.Command{
		Use:   "import <snapshot>",
		Short: "Upsert every cell of a snapshot into the store",
		Args:  cobra.ExactArgs(1),
		RunE:  withStore(runImport),
	}
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the store from the applied-batch journal",
		RunE:  withStore(runReplay),
	}
	replayCmd.Flags().String("journal-dir", "./data/journal", "journal directory")
	replayCmd.Flags().Uint64("after", 0, "skip entries with seq at or below this")

	rootCmd.AddCommand(seedCmd, resetCmd, checkCmd, exportCmd, importCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type env struct {
	ctx   context.Context
	store cellstore.Store
	grid  canvas.Grid
	log   *logrus.Logger
}

func withStore(fn func(e env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := cli.OpenStore()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		return fn(env{ctx: cmd.Context(), store: store, grid: cfg.Grid, log: cli.Logger()}, cmd, args)
	}
}

func runSeed(e env, cmd *cobra.Command, _ []string) error {
	if !viper.GetBool("keep") {
		n, err := e.store.Reset(e.ctx)
		if err != nil {
			return err
		}
		e.log.WithField("cells", n).Info("reset")
	}

	rs := viper.GetInt64("rand-seed")
	if rs == 0 {
		rs = time.Now().UnixNano()
	}
	opts := seed.DefaultOptions()
	opts.Fill = viper.GetFloat64("fill")
	cells := seed.Generate(rand.New(rand.NewSource(rs)), e.grid, opts, time.Now().UTC())

	batch := max(viper.GetInt("batch"), 1)
	for i := 0; i < len(cells); i += batch {
		end := min(i+batch, len(cells))
		if err := e.store.Upsert(e.ctx, cells[i:end]); err != nil {
			return fmt.Errorf("seed batch at %d: %w", i, err)
		}
		e.log.WithFields(logrus.Fields{"written": end, "total": len(cells)}).Debug("seed progress")
	}
	e.log.WithFields(logrus.Fields{"cells": len(cells), "rand_seed": rs}).Info("seeded")
	return nil
}

func runReset(e env, cmd *cobra.Command, _ []string) error {
	n, err := e.store.Reset(e.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d cells\n", n)
	return nil
}

func runCheck(e env, cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if s, ok := e.store.(*cellstore.SQLiteStore); ok {
		cols, err := s.Columns(e.ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "columns:")
		for _, c := range cols {
			fmt.Fprintf(out, "  %s\n", c)
		}
	}
	n, err := e.store.Count(e.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cells: %d\n", n)

	counts, err := e.store.GroupCounts(e.ctx)
	if err != nil {
		return err
	}
	for _, gc := range cellstore.Shares(counts) {
		fmt.Fprintf(out, "  %-16s %8d cells %6d owners %6.2f%%\n", gc.Group, gc.Cells, gc.Owners, gc.Share*100)
	}
	return nil
}

func runExport(e env, cmd *cobra.Command, args []string) error {
	cells, err := e.store.RangeQuery(e.ctx, e.grid.Bounds())
	if err != nil {
		return err
	}
	h := snapshot.Header{CreatedAt: time.Now().UTC(), Grid: e.grid, Seq: viper.GetUint64("seq")}
	if err := snapshot.WriteSnapshot(args[0], snapshot.FromCells(h, cells)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d cells to %s\n", len(cells), args[0])

	mir, err := cli.OpenMirror(e.log)
	if err != nil {
		return err
	}
	mir.Enqueue("snapshots/"+filepath.Base(args[0]), args[0])
	mir.Close()
	return nil
}

func runImport(e env, cmd *cobra.Command, args []string) error {
	snap, err := snapshot.ReadSnapshot(args[0])
	if err != nil {
		return err
	}
	if snap.Header.Grid != e.grid {
		return fmt.Errorf("snapshot grid %+v does not match config %+v", snap.Header.Grid, e.grid)
	}
	if err := e.store.Upsert(e.ctx, snap.ToCells()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d cells (seq %d)\n", len(snap.Cells), snap.Header.Seq)
	return nil
}

// runReplay re-applies journaled batches in order. Released cells are
// journaled with an empty owner and are removed by the upsert.
func runReplay(e env, cmd *cobra.Command, _ []string) error {
	dir := viper.GetString("journal-dir")
	after := viper.GetUint64("after")
	files, err := journal.Files(dir, "applied")
	if err != nil {
		return err
	}
	var entries, cells int
	var last uint64
	for _, f := range files {
		err := journal.Replay(f, func(je journal.Entry) error {
			if je.Seq <= after {
				return nil
			}
			if err := e.store.Upsert(e.ctx, je.Cells); err != nil {
				return fmt.Errorf("seq %d: %w", je.Seq, err)
			}
			entries++
			cells += len(je.Cells)
			last = je.Seq
			return nil
		})
		if err != nil {
			return fmt.Errorf("replay %s: %w", f, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d batches, %d cells, last seq %d\n", entries, cells, last)
	return nil
}
