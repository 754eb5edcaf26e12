package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexa946/downloader-video/internal/config"
	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/orchestrator"
	"github.com/lexa946/downloader-video/internal/preview"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/server"
	"github.com/lexa946/downloader-video/internal/store"
)

func main() {
	// Initialize structured logging
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to task store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q, err := queue.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to download queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	sink, err := preview.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize preview storage", "error", err)
		os.Exit(1)
	}

	ffmpeg := media.New(cfg.FFmpegPath)
	registry := provider.NewRegistry(
		provider.NewVK(ffmpeg),
		provider.NewRuTube(ffmpeg),
		provider.NewTikTok(ffmpeg),
		provider.NewYouTube(ffmpeg),
		provider.NewInstagram(ffmpeg, cfg.InstagramCookieFile),
	)

	// A typed nil sink must stay nil behind the interface.
	var previewSink orchestrator.PreviewSink
	if sink != nil {
		previewSink = sink
	} else {
		slog.Info("Preview re-hosting disabled")
	}
	orch := orchestrator.New(st, q, registry, previewSink)

	// Reconcile tasks left behind by a previous run before serving.
	if err := orch.Recover(ctx); err != nil {
		slog.Error("Restart recovery failed", "error", err)
		os.Exit(1)
	}

	// Create HTTP server
	srv := server.NewServer(cfg.Port, orch, st)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Downloader HTTP server started", "port", cfg.Port)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	} else {
		slog.Info("Server exited gracefully")
	}
}
