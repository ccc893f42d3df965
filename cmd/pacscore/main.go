// Command pacscore runs the archive node: the DICOM store listener, the
// HTTP query surface and the background reconciliation loop, backed by the
// configured metadata store and object archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"pacscore/internal/api"
	"pacscore/internal/blob"
	"pacscore/internal/config"
	"pacscore/internal/ingest"
	"pacscore/internal/measure"
	"pacscore/internal/metrics"
	"pacscore/internal/render"
	"pacscore/internal/scp"
	"pacscore/internal/store"
	"pacscore/internal/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pacscore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := store.Open(ctx)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	archive, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	spool, err := ingest.NewSpool(cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}

	m := metrics.New()
	router := ingest.NewRouter(meta, archive, log)
	pool := ingest.NewPool(router, cfg.CommitWorkers, cfg.CommitQueue, log)
	pool.Start()

	listener := scp.NewListener(scp.Config{
		Addr:               cfg.DICOMAddr,
		AETitle:            cfg.AETitle,
		MaxAssocsPerTenant: cfg.MaxAssocsPerTenant,
		IdleTimeout:        cfg.IdleTimeout,
		ReceiveTimeout:     cfg.ReceiveTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		MaxObjectFailures:  cfg.MaxObjectFailures,
	}, store.NewDirectory(meta), pool, spool, m, log)

	renderer := render.NewRenderer(meta, archive, render.Config{
		FrameBudgetBytes:  cfg.FrameCacheBytes,
		RasterBudgetBytes: cfg.RasterCacheBytes,
	}, m, log)
	assembler := volume.NewAssembler(meta, renderer, volume.Config{
		CacheBudgetBytes: cfg.ReformatCacheBytes,
	}, m, log)
	engine := measure.NewEngine(meta, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", api.NewHandler(meta, renderer, engine, assembler, log))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("dicom listener starting", "addr", cfg.DICOMAddr, "ae_title", cfg.AETitle)
		if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dicom listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.ReconcileInterval > 0 {
		reconciler := ingest.NewReconciler(meta, archive, spool, cfg.ReconcileGrace, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.RunEvery(ctx, cfg.ReconcileInterval)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		stop()
		log.Error("fatal component failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error("commit pool shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
