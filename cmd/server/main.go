package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"satchel/internal/server/api"
	"satchel/internal/server/app"
	"satchel/internal/server/config"
	"satchel/internal/server/metadata"
	"satchel/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_upload_size", cfg.MaxUploadSize,
		"default_expiry", cfg.DefaultExpiry,
		"cache_archives", cfg.CacheArchives,
	)

	// Connect to storage and optional backends
	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.StartBackground(bgCtx)

	// Start lifecycle sweeper
	sweeper := a.Sweeper()
	sweeper.Start(bgCtx)

	// Setup HTTP router
	checks := map[string]api.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := a.Blobs.Head(ctx, metadata.MetadataKey("health-probe"))
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return nil
		},
	}
	if a.DB != nil {
		checks["database"] = a.DB.HealthCheck
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	handler := api.NewHandler(a.Uploads, a.Downloads, checks)
	e := api.SetupRouter(handler, cfg, a.Limiters.API, a.Limiters.Upload)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop background work
	bgCancel()
	sweeper.Wait()

	slog.Info("server exited cleanly")
}
