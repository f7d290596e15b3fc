// yamanakad is the vault sync server: it accepts file mutations from
// devices, applies them to the on-disk vault, fans change events out to
// every other device over SSE, spools events for offline devices, and
// snapshots the vault into a content-addressed history store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tanq16/yamanaka/internal/broadcast"
	"github.com/tanq16/yamanaka/internal/config"
	"github.com/tanq16/yamanaka/internal/history"
	"github.com/tanq16/yamanaka/internal/httpapi"
	"github.com/tanq16/yamanaka/internal/logging"
	"github.com/tanq16/yamanaka/internal/metrics"
	"github.com/tanq16/yamanaka/internal/mutation"
	"github.com/tanq16/yamanaka/internal/registry"
	"github.com/tanq16/yamanaka/internal/spool"
	"github.com/tanq16/yamanaka/internal/vaultstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logging.ReplaceGlobals(logger)

	vault, err := vaultstore.New(cfg.RootDir, logger)
	if err != nil {
		logger.Fatal("failed to open vault root", logging.Error(err), logging.String("root_dir", cfg.RootDir))
	}
	logger.Info("vault opened", logging.String("root_dir", vault.Root()))

	reg, err := registry.New(filepath.Join(vault.Root(), vaultstore.ClientsFileName), cfg.ChannelCapacity, logger)
	if err != nil {
		logger.Fatal("failed to load client registry", logging.Error(err))
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("client registry close failed", logging.Error(err))
		}
	}()
	logger.Info("client registry loaded", logging.Int("tracked_devices", len(reg.AllTracked())))

	sp, err := spool.New(filepath.Join(vault.Root(), vaultstore.SpoolDirName))
	if err != nil {
		logger.Fatal("failed to initialise missed-event spool", logging.Error(err))
	}

	m := metrics.New()
	caster := broadcast.New(reg, sp, m, logger)

	store := history.Open(filepath.Join(vault.Root(), vaultstore.HistoryDirName))
	snapshotter := history.NewSnapshotter(store, vault, cfg.SnapshotInterval, cfg.HistoryRetention, logger)
	if err := snapshotter.Start(); err != nil {
		logger.Fatal("failed to start history snapshotter", logging.Error(err))
	}
	defer snapshotter.Stop()
	logger.Info("history snapshotter running",
		logging.String("interval", cfg.SnapshotInterval.String()),
		logging.Int("retention", cfg.HistoryRetention))

	var limiter *httpapi.SlidingWindowLimiter
	if cfg.PushRateWindow > 0 && cfg.PushRateBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.PushRateWindow, cfg.PushRateBurst, nil)
	}

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Mutation:          mutation.New(vault, caster, snapshotter, logger),
		Registry:          reg,
		Spool:             sp,
		Metrics:           m,
		AllowedOrigin:     cfg.AllowedOrigin,
		ResyncThreshold:   cfg.ResyncThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PushRateLimiter:   limiter,
		Logger:            logger,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown failed", logging.Error(err))
		}
	}()

	logger.Info("sync server listening",
		logging.String("address", cfg.ListenAddress),
		logging.String("allowed_origin", cfg.AllowedOrigin))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("sync server terminated", logging.Error(err))
	}
}
